// Package ident validates the identifiers that key the fund's tables:
// participant accounts, strategy symbols and risk profile IDs.
package ident

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Well-known custody accounts owned by the pool itself. The clearing account
// carries withdrawal proceeds between strategy accounts and their recipients
// and is empty at every commit.
const (
	ClearingAccount = "clearing"
	TreasuryAccount = "treasury"
)

const (
	strategyAccountPrefix = "strategy:"
	venueAccountPrefix    = "venue:"
)

// StrategyAccount is the pool's custody sub-account backing one strategy.
func StrategyAccount(strategyID string) string { return strategyAccountPrefix + strategyID }

// VenueAccount is the external counterparty that settles a strategy's
// valuation changes against its custody sub-account.
func VenueAccount(strategyID string) string { return venueAccountPrefix + strategyID }

// VenueStrategy returns the strategy a venue account settles, if account is one.
func VenueStrategy(account string) (string, bool) {
	id, ok := strings.CutPrefix(account, venueAccountPrefix)
	return id, ok && Strategy(id) == nil
}

// strategyRegex matches ledger asset symbols: KALE, BTC, USDC, XLM.
var strategyRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,11}$`)

// participantRegex matches ledger account identities. Stellar-style
// G-addresses (56 chars) fit, as do shorter test identities.
var participantRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_:.-]{0,63}$`)

// profileRegex matches canonical names and generated custom-<n> IDs.
var profileRegex = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)

var (
	ErrInvalidParticipant = errors.New("ident: invalid participant identity")
	ErrReservedAccount    = errors.New("ident: participant identity is reserved")
	ErrInvalidStrategy    = errors.New("ident: invalid strategy identifier")
	ErrInvalidProfile     = errors.New("ident: invalid profile identifier")
)

// Participant validates a participant identity.
func Participant(id string) error {
	if !participantRegex.MatchString(id) {
		return errors.Wrapf(ErrInvalidParticipant, "%q", id)
	}
	if id == ClearingAccount || id == TreasuryAccount ||
		strings.HasPrefix(id, strategyAccountPrefix) || strings.HasPrefix(id, venueAccountPrefix) {
		return errors.Wrapf(ErrReservedAccount, "%q", id)
	}
	return nil
}

// Strategy validates a strategy identifier.
func Strategy(id string) error {
	if !strategyRegex.MatchString(id) {
		return errors.Wrapf(ErrInvalidStrategy, "%q (expected upper-case asset symbol)", id)
	}
	return nil
}

// Profile validates a risk profile identifier.
func Profile(id string) error {
	if !profileRegex.MatchString(id) {
		return errors.Wrapf(ErrInvalidProfile, "%q", id)
	}
	return nil
}
