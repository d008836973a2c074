// Package model defines the core domain types shared across the fund engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the authoritative custody record for one participant.
// A position with zero shares and zero principal is logically deleted.
type Position struct {
	Participant string          `json:"participant" db:"participant"`
	ProfileID   string          `json:"profile_id" db:"profile_id"`
	Principal   decimal.Decimal `json:"principal" db:"principal"` // native units deposited, net of withdrawals
	Shares      decimal.Decimal `json:"shares" db:"shares"`       // shares of the profile cohort
	LockedUntil int64           `json:"locked_until" db:"locked_until"`
	CreatedAt   int64           `json:"created_at" db:"created_at"`
}

// Empty reports whether the position holds nothing and can be dropped.
func (p *Position) Empty() bool {
	return p.Shares.IsZero() && p.Principal.IsZero()
}

// Allocation is one (strategy, target weight) pair of a risk profile.
type Allocation struct {
	StrategyID string `json:"strategy_id" yaml:"strategy"`
	Weight     Bps    `json:"weight_bps" yaml:"weight_bps"`
}

// RiskProfile is immutable once stored; changes produce a new ID.
type RiskProfile struct {
	ID          string       `json:"id" db:"id"`
	Allocations []Allocation `json:"allocations" db:"allocations"` // ordered, weights sum to FullWeight
	CreatedAt   int64        `json:"created_at" db:"created_at"`
}

// Weights returns the allocation as a strategy → weight map.
func (p *RiskProfile) Weights() map[string]Bps {
	w := make(map[string]Bps, len(p.Allocations))
	for _, a := range p.Allocations {
		w[a.StrategyID] = a.Weight
	}
	return w
}

// StrategyEntry tracks the custodied balance (in strategy units) and the
// last valuation (native value per unit) of one strategy.
type StrategyEntry struct {
	ID             string          `json:"id" db:"id"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	Price          decimal.Decimal `json:"price" db:"price"`
	ValuationEpoch int64           `json:"valuation_epoch" db:"valuation_epoch"`
	Reserve        bool            `json:"reserve" db:"reserve"` // native token, price pinned to 1
}

// Value is the entry's balance at its last valuation.
func (s *StrategyEntry) Value() decimal.Decimal {
	return Truncate(s.Balance.Mul(s.Price))
}

// Cohort is the share class of all participants sharing one risk profile.
type Cohort struct {
	ProfileID          string          `json:"profile_id" db:"profile_id"`
	Shares             decimal.Decimal `json:"shares" db:"shares"`
	LastRebalanceSeq   uint64          `json:"last_rebalance_seq" db:"last_rebalance_seq"`
	LastRebalanceEpoch int64           `json:"last_rebalance_epoch" db:"last_rebalance_epoch"`
}

// Holdings maps strategy ID → units attributed to one cohort.
type Holdings map[string]decimal.Decimal

// Value prices the holdings with the given per-strategy valuation.
func (h Holdings) Value(prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for id, units := range h {
		total = total.Add(Truncate(units.Mul(prices[id])))
	}
	return total
}

// PriceSample is a normalized oracle read. It is never persisted; only the
// derived valuation lands in the StrategyEntry.
type PriceSample struct {
	StrategyID string          `json:"strategy_id"`
	Price      decimal.Decimal `json:"price"`
	Epoch      int64           `json:"epoch"`
	Confidence Bps             `json:"confidence_bps"`
	Source     string          `json:"source"`
	Degraded   bool            `json:"degraded"` // fell back to the last persisted valuation
}

// PolicyMode selects how the rebalancer reacts to oracle failures.
type PolicyMode string

const (
	PolicyStrict  PolicyMode = "strict"
	PolicyLenient PolicyMode = "lenient"
)

// Valid reports whether m is a known mode.
func (m PolicyMode) Valid() bool {
	return m == PolicyStrict || m == PolicyLenient
}

// Policy is the governance-controlled rebalancing policy.
type Policy struct {
	Mode            PolicyMode    `json:"mode"`
	DeadbandBps     Bps           `json:"deadband_bps"`
	TriggerInterval time.Duration `json:"trigger_interval"`
	// MinRebalanceValue skips the diff while total pooled value is below it.
	MinRebalanceValue decimal.Decimal `json:"min_rebalance_value"`
	// MaxTransfers caps ledger transfers per run; zero is unlimited.
	MaxTransfers int `json:"max_transfers"`
}

// FundTerms are the deposit and withdrawal rules. Governance may replace
// them at runtime; they are persisted with the pool state.
type FundTerms struct {
	MinDeposit       decimal.Decimal `json:"min_deposit"`
	MaxDeposit       decimal.Decimal `json:"max_deposit"` // zero disables
	LockPeriod       time.Duration   `json:"lock_period"`
	WithdrawalFeeBps Bps             `json:"withdrawal_fee_bps"`
	EarlyPenaltyBps  Bps             `json:"early_penalty_bps"`
}

// PoolState is the single global record: rebalance sequence counter, policy,
// pause flag and share supply.
type PoolState struct {
	Sequence           uint64          `json:"sequence"`
	LastRebalanceEpoch int64           `json:"last_rebalance_epoch"`
	TotalShares        decimal.Decimal `json:"total_shares"`
	Paused             bool            `json:"paused"`
	Policy             Policy          `json:"policy"`
	ProfileCounter     uint64          `json:"profile_counter"`
	ReserveStrategy    string          `json:"reserve_strategy"`
	Deployed           bool            `json:"deployed"`
	// Terms set by governance. Nil means the book's configured defaults.
	Terms *FundTerms `json:"terms,omitempty"`
}

// Transfer is one inter-strategy instruction emitted by the rebalancer.
type Transfer struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Value     decimal.Decimal `json:"value"`
	FromUnits decimal.Decimal `json:"from_units"`
	ToUnits   decimal.Decimal `json:"to_units"`
}

// Rebalance run statuses.
const (
	RebalanceApplied   = "applied"
	RebalanceNoop      = "noop"
	RebalanceDuplicate = "duplicate"
)

// RebalanceResult describes one completed (or skipped) rebalance pass.
type RebalanceResult struct {
	RunID            string          `json:"run_id"`
	Sequence         uint64          `json:"sequence"`
	Status           string          `json:"status"`
	Transfers        []Transfer      `json:"transfers"`
	Degraded         []string        `json:"degraded,omitempty"`
	TotalValueBefore decimal.Decimal `json:"total_value_before"`
	TotalValueAfter  decimal.Decimal `json:"total_value_after"`
	// Settled is the native amount each strategy's venue paid into (+) or
	// took out of (-) the strategy's custody account.
	Settled map[string]decimal.Decimal `json:"settled,omitempty"`
	Epoch   int64                      `json:"epoch"`
}

// DepositResult is returned from a successful deposit.
type DepositResult struct {
	Participant  string          `json:"participant"`
	ProfileID    string          `json:"profile_id"`
	Amount       decimal.Decimal `json:"amount"`
	SharesMinted decimal.Decimal `json:"shares_minted"`
	SharePrice   decimal.Decimal `json:"share_price"`
	Shares       decimal.Decimal `json:"shares"`
	Principal    decimal.Decimal `json:"principal"`
	LockedUntil  int64           `json:"locked_until"`
}

// WithdrawalResult is returned from a successful withdrawal.
type WithdrawalResult struct {
	Participant  string                     `json:"participant"`
	SharesBurned decimal.Decimal            `json:"shares_burned"`
	Debits       map[string]decimal.Decimal `json:"debits"` // strategy → units released
	Gross        decimal.Decimal            `json:"gross"`
	Fee          decimal.Decimal            `json:"fee"`
	Penalty      decimal.Decimal            `json:"penalty"`
	Net          decimal.Decimal            `json:"net"`
	Dust         decimal.Decimal            `json:"dust"` // rounding swept to the treasury
	Shares       decimal.Decimal            `json:"shares"`
	Principal    decimal.Decimal            `json:"principal"`
}

// RewardResult is returned from a reward distribution.
type RewardResult struct {
	Source      string                     `json:"source"`
	Amount      decimal.Decimal            `json:"amount"`
	Allocations map[string]decimal.Decimal `json:"allocations"` // profile → reserve units
}

// PositionView is the read model returned by get_position.
type PositionView struct {
	Position
	Value              decimal.Decimal `json:"value"`
	SharePrice         decimal.Decimal `json:"share_price"`
	LastRebalanceSeq   uint64          `json:"last_rebalance_seq"`
	LastRebalanceEpoch int64           `json:"last_rebalance_epoch"`
}

// AuditReport is the outcome of a full conservation check.
type AuditReport struct {
	OK                 bool            `json:"ok"`
	TotalStrategyValue decimal.Decimal `json:"total_strategy_value"`
	TotalCohortValue   decimal.Decimal `json:"total_cohort_value"`
	TotalCustody       decimal.Decimal `json:"total_custody"`
	TotalShares        decimal.Decimal `json:"total_shares"`
	Violations         []string        `json:"violations,omitempty"`
}
