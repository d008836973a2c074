// Package fund exposes the participant and governance surface of the pool:
// HTTP handlers, genesis and the WebSocket event feed.
//
// All monetary values use shopspring/decimal; amounts travel as JSON strings.
package fund

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kalefund/fund-engine/internal/custody"
	"github.com/kalefund/fund-engine/internal/ident"
	"github.com/kalefund/fund-engine/internal/journal"
	"github.com/kalefund/fund-engine/internal/limits"
	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/position"
	"github.com/kalefund/fund-engine/internal/pricefeed"
	"github.com/kalefund/fund-engine/internal/rebalance"
	"github.com/kalefund/fund-engine/internal/registry"
	"github.com/kalefund/fund-engine/internal/store"
	"github.com/kalefund/fund-engine/internal/strategy"
)

// AdminTokenHeader carries the governance credential.
const AdminTokenHeader = "X-Admin-Token"

var (
	// ErrUnauthorized is returned for governance calls without a valid token.
	ErrUnauthorized = errors.New("fund: unauthorized")

	// ErrInvalidPolicy rejects a policy with an unknown mode or out-of-range
	// parameters.
	ErrInvalidPolicy = errors.New("fund: invalid policy")

	// ErrOverrideUnsupported is returned when the configured oracle does not
	// accept emergency price overrides.
	ErrOverrideUnsupported = errors.New("fund: price override not supported")
)

// Service wires the Position Book, the rebalancing engine and governance.
type Service struct {
	store      store.Store
	book       *position.Book
	engine     *rebalance.Engine
	journal    journal.Journal
	publisher  pricefeed.Publisher
	hub        *WSHub
	adminToken string
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithJournal serves GET /rebalances from j.
func WithJournal(j journal.Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithPublisher enables emergency price overrides.
func WithPublisher(p pricefeed.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithHub broadcasts pool events to WebSocket clients.
func WithHub(h *WSHub) Option {
	return func(s *Service) { s.hub = h }
}

// WithAdminToken sets the governance credential. Without one every
// governance call is rejected.
func WithAdminToken(token string) Option {
	return func(s *Service) { s.adminToken = token }
}

// WithClock overrides the clock used to stamp overrides and events.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a service.
func NewService(st store.Store, book *position.Book, engine *rebalance.Engine, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:  st,
		book:   book,
		engine: engine,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Governance ---

// RegisterProfile stores a new immutable profile under a generated ID.
func (s *Service) RegisterProfile(ctx context.Context, allocations []model.Allocation) (*model.RiskProfile, error) {
	var p *model.RiskProfile
	err := s.store.Update(ctx, func(tx store.Tx) error {
		var err error
		p, err = registry.Register(ctx, tx, allocations, s.now().Unix())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("profile registered", zap.String("profile", p.ID), zap.Int("allocations", len(p.Allocations)))
	return p, nil
}

// SetPolicy replaces the rebalancing policy.
func (s *Service) SetPolicy(ctx context.Context, policy model.Policy) error {
	if err := validatePolicy(policy); err != nil {
		return err
	}
	err := s.store.Update(ctx, func(tx store.Tx) error {
		st, err := tx.PoolState(ctx)
		if err != nil {
			return err
		}
		st.Policy = policy
		return tx.PutPoolState(ctx, st)
	})
	if err != nil {
		return err
	}
	s.logger.Info("policy updated",
		zap.String("mode", string(policy.Mode)),
		zap.Int64("deadband_bps", int64(policy.DeadbandBps)),
		zap.Duration("trigger_interval", policy.TriggerInterval),
		zap.String("min_rebalance_value", policy.MinRebalanceValue.String()),
		zap.Int("max_transfers", policy.MaxTransfers),
	)
	return nil
}

func validatePolicy(p model.Policy) error {
	switch {
	case !p.Mode.Valid():
		return errors.Wrapf(ErrInvalidPolicy, "mode %q", p.Mode)
	case p.DeadbandBps < 0 || p.DeadbandBps > model.FullWeight:
		return errors.Wrapf(ErrInvalidPolicy, "deadband %d bps", p.DeadbandBps)
	case p.TriggerInterval < 0:
		return errors.Wrapf(ErrInvalidPolicy, "trigger interval %s", p.TriggerInterval)
	case p.MinRebalanceValue.IsNegative():
		return errors.Wrapf(ErrInvalidPolicy, "min rebalance value %s", p.MinRebalanceValue)
	case p.MaxTransfers < 0:
		return errors.Wrapf(ErrInvalidPolicy, "max transfers %d", p.MaxTransfers)
	}
	return nil
}

// Policy returns the current policy and pause flag.
func (s *Service) Policy(ctx context.Context) (model.PoolState, error) {
	var st model.PoolState
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		st, err = tx.PoolState(ctx)
		return err
	})
	return st, err
}

// SetPaused pauses or resumes every mutating participant operation and the
// rebalancer. Reads stay available.
func (s *Service) SetPaused(ctx context.Context, paused bool) error {
	err := s.store.Update(ctx, func(tx store.Tx) error {
		st, err := tx.PoolState(ctx)
		if err != nil {
			return err
		}
		st.Paused = paused
		return tx.PutPoolState(ctx, st)
	})
	if err != nil {
		return err
	}
	event := EventResumed
	if paused {
		event = EventPaused
	}
	s.logger.Info("pool "+event)
	s.hub.Broadcast(WSMessage{Type: event, Timestamp: s.now().Unix()})
	return nil
}

// Rebalance runs the engine and announces the result.
func (s *Service) Rebalance(ctx context.Context, trig rebalance.Trigger) (*model.RebalanceResult, error) {
	res, err := s.engine.Run(ctx, trig)
	if err != nil {
		return nil, err
	}
	if res.Status != model.RebalanceDuplicate {
		s.hub.Broadcast(WSMessage{
			Type:      EventRebalance,
			Sequence:  res.Sequence,
			Status:    res.Status,
			Transfers: len(res.Transfers),
			Timestamp: res.Epoch,
		})
	}
	return res, nil
}

// CreditAccount records native that arrived from outside the pool: a
// participant's inbound transfer, or liquidity deposited with a strategy's
// venue so it can settle gains.
func (s *Service) CreditAccount(ctx context.Context, account string, amount decimal.Decimal) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := s.store.Update(ctx, func(tx store.Tx) error {
		if err := externalAccount(ctx, tx, account); err != nil {
			return err
		}
		if err := custody.Fund(ctx, tx, account, amount); err != nil {
			return err
		}
		var err error
		bal, err = tx.AccountBalance(ctx, account)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	s.logger.Info("account credited",
		zap.String("account", account),
		zap.String("amount", amount.String()),
		zap.String("balance", bal.String()),
	)
	return bal, nil
}

// AccountBalance returns the native balance of a participant or venue account.
func (s *Service) AccountBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := s.store.View(ctx, func(tx store.Tx) error {
		if err := externalAccount(ctx, tx, account); err != nil {
			return err
		}
		var err error
		bal, err = tx.AccountBalance(ctx, account)
		return err
	})
	return bal, err
}

// externalAccount accepts participant identities and the venue accounts of
// installed strategies.
func externalAccount(ctx context.Context, tx store.Tx, account string) error {
	if id, ok := ident.VenueStrategy(account); ok {
		_, err := strategy.Get(ctx, tx, id)
		return err
	}
	return ident.Participant(account)
}

// UpdateTerms applies a partial change to the deposit and withdrawal rules.
// Nil fields keep their current value.
func (s *Service) UpdateTerms(ctx context.Context, req TermsRequest) (model.FundTerms, error) {
	terms, err := s.book.Terms(ctx)
	if err != nil {
		return terms, err
	}
	if req.MinDeposit != nil {
		terms.MinDeposit = *req.MinDeposit
	}
	if req.MaxDeposit != nil {
		terms.MaxDeposit = *req.MaxDeposit
	}
	if req.LockPeriod != nil {
		d, err := time.ParseDuration(*req.LockPeriod)
		if err != nil {
			return terms, errors.Wrapf(position.ErrInvalidTerms, "lock period %q", *req.LockPeriod)
		}
		terms.LockPeriod = d
	}
	if req.WithdrawalFeeBps != nil {
		terms.WithdrawalFeeBps = *req.WithdrawalFeeBps
	}
	if req.EarlyPenaltyBps != nil {
		terms.EarlyPenaltyBps = *req.EarlyPenaltyBps
	}
	if err := s.book.SetTerms(ctx, terms); err != nil {
		return terms, err
	}
	return terms, nil
}

// DistributeRewards credits rewards paid from source to every active cohort.
func (s *Service) DistributeRewards(ctx context.Context, source string, amount decimal.Decimal) (*model.RewardResult, error) {
	if err := s.store.View(ctx, func(tx store.Tx) error {
		return externalAccount(ctx, tx, source)
	}); err != nil {
		return nil, err
	}
	res, err := s.book.DistributeRewards(ctx, source, amount)
	if err != nil {
		return nil, err
	}
	s.hub.Broadcast(WSMessage{Type: EventRewards, Amount: res.Amount.String(), Timestamp: s.now().Unix()})
	return res, nil
}

// OverridePrice publishes an emergency valuation for a non-reserve strategy.
func (s *Service) OverridePrice(ctx context.Context, strategyID string, price decimal.Decimal) error {
	if s.publisher == nil {
		return ErrOverrideUnsupported
	}
	if !price.IsPositive() || !model.AtUnitScale(price) {
		return errors.Wrapf(strategy.ErrInvalidValuation, "override %s: price %s", strategyID, price)
	}
	err := s.store.View(ctx, func(tx store.Tx) error {
		e, err := strategy.Get(ctx, tx, strategyID)
		if err != nil {
			return err
		}
		if e.Reserve {
			return errors.Wrapf(strategy.ErrInvalidValuation, "%s is the reserve strategy", strategyID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, strategyID, price, s.now().Unix()); err != nil {
		return err
	}
	s.logger.Warn("emergency price override", zap.String("strategy", strategyID), zap.String("price", price.String()))
	return nil
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /deposit.
type DepositRequest struct {
	Participant string          `json:"participant"`
	Amount      decimal.Decimal `json:"amount"`
	ProfileID   string          `json:"profile_id"`
}

// WithdrawRequest is the JSON body for POST /withdraw.
type WithdrawRequest struct {
	Participant string          `json:"participant"`
	Shares      decimal.Decimal `json:"shares"`
}

// ChangeProfileRequest is the JSON body for POST /profile.
type ChangeProfileRequest struct {
	Participant string `json:"participant"`
	ProfileID   string `json:"profile_id"`
}

// RegisterProfileRequest is the JSON body for POST /admin/profiles.
type RegisterProfileRequest struct {
	Allocations []model.Allocation `json:"allocations"`
}

// PolicyRequest is the JSON body for PUT /admin/policy.
type PolicyRequest struct {
	Mode              model.PolicyMode `json:"mode"`
	DeadbandBps       model.Bps        `json:"deadband_bps"`
	TriggerInterval   string           `json:"trigger_interval"` // Go duration, e.g. "1h"
	MinRebalanceValue decimal.Decimal  `json:"min_rebalance_value"`
	MaxTransfers      int              `json:"max_transfers"`
}

// TermsRequest is the JSON body for PUT /admin/terms. Omitted fields are
// left unchanged.
type TermsRequest struct {
	MinDeposit       *decimal.Decimal `json:"min_deposit,omitempty"`
	MaxDeposit       *decimal.Decimal `json:"max_deposit,omitempty"`
	LockPeriod       *string          `json:"lock_period,omitempty"` // Go duration
	WithdrawalFeeBps *model.Bps       `json:"withdrawal_fee_bps,omitempty"`
	EarlyPenaltyBps  *model.Bps       `json:"early_penalty_bps,omitempty"`
}

// CreditRequest is the JSON body for POST /admin/accounts/{account}/credit.
type CreditRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// RewardsRequest is the JSON body for POST /admin/rewards.
type RewardsRequest struct {
	Source string          `json:"source"`
	Amount decimal.Decimal `json:"amount"`
}

// PriceOverrideRequest is the JSON body for POST /admin/prices/{strategyID}.
type PriceOverrideRequest struct {
	Price decimal.Decimal `json:"price"`
}

// --- HTTP Handlers ---

// Routes mounts every handler on r, which is expected to sit under /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Post("/deposit", s.HandleDeposit)
	r.Post("/withdraw", s.HandleWithdraw)
	r.Post("/profile", s.HandleChangeProfile)
	r.Get("/positions/{participant}", s.HandleGetPosition)
	r.Get("/profiles", s.HandleListProfiles)
	r.Get("/profiles/{profileID}", s.HandleGetProfile)
	r.Get("/strategies", s.HandleListStrategies)
	r.Get("/rebalances", s.HandleListRebalances)
	r.Get("/audit", s.HandleAudit)
	r.Get("/terms", s.HandleGetTerms)
	r.Get("/accounts/{account}", s.HandleGetAccount)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.RequireAdmin)
		r.Post("/profiles", s.HandleRegisterProfile)
		r.Get("/policy", s.HandleGetPolicy)
		r.Put("/policy", s.HandleSetPolicy)
		r.Post("/pause", s.HandlePause)
		r.Post("/resume", s.HandleResume)
		r.Post("/rebalance", s.HandleRebalance)
		r.Post("/prices/{strategyID}", s.HandleOverridePrice)
		r.Put("/terms", s.HandleUpdateTerms)
		r.Post("/accounts/{account}/credit", s.HandleCreditAccount)
		r.Post("/rewards", s.HandleDistributeRewards)
	})
}

// RequireAdmin rejects requests without the configured admin token.
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(AdminTokenHeader)
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			s.writeError(w, ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleDeposit handles POST /api/v1/deposit
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.book.Deposit(r.Context(), req.Participant, req.Amount, req.ProfileID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.Broadcast(WSMessage{
		Type:        EventDeposit,
		Participant: res.Participant,
		ProfileID:   res.ProfileID,
		Amount:      res.Amount.String(),
		Shares:      res.SharesMinted.String(),
		Timestamp:   s.now().Unix(),
	})
	writeJSON(w, http.StatusOK, res)
}

// HandleWithdraw handles POST /api/v1/withdraw
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.book.Withdraw(r.Context(), req.Participant, req.Shares)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.Broadcast(WSMessage{
		Type:        EventWithdrawal,
		Participant: res.Participant,
		Amount:      res.Net.String(),
		Shares:      res.SharesBurned.String(),
		Timestamp:   s.now().Unix(),
	})
	writeJSON(w, http.StatusOK, res)
}

// HandleChangeProfile handles POST /api/v1/profile
func (s *Service) HandleChangeProfile(w http.ResponseWriter, r *http.Request) {
	var req ChangeProfileRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := s.book.ChangeProfile(r.Context(), req.Participant, req.ProfileID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.Broadcast(WSMessage{
		Type:        EventProfileChange,
		Participant: view.Participant,
		ProfileID:   view.ProfileID,
		Shares:      view.Shares.String(),
		Timestamp:   s.now().Unix(),
	})
	writeJSON(w, http.StatusOK, view)
}

// HandleGetPosition handles GET /api/v1/positions/{participant}
func (s *Service) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	view, err := s.book.Position(r.Context(), chi.URLParam(r, "participant"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleListProfiles handles GET /api/v1/profiles
func (s *Service) HandleListProfiles(w http.ResponseWriter, r *http.Request) {
	var profiles []model.RiskProfile
	err := s.store.View(r.Context(), func(tx store.Tx) error {
		var err error
		profiles, err = registry.List(r.Context(), tx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if profiles == nil {
		profiles = []model.RiskProfile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

// HandleGetProfile handles GET /api/v1/profiles/{profileID}
func (s *Service) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	var p *model.RiskProfile
	err := s.store.View(r.Context(), func(tx store.Tx) error {
		var err error
		p, err = registry.Get(r.Context(), tx, chi.URLParam(r, "profileID"))
		return err
	})
	if errors.Is(err, registry.ErrUnknownProfile) {
		writeErrorStatus(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleListStrategies handles GET /api/v1/strategies
func (s *Service) HandleListStrategies(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListStrategies(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.StrategyEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleListRebalances handles GET /api/v1/rebalances?limit=N
// Newest first. Without a journal only the last run of this process is known.
func (s *Service) HandleListRebalances(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErrorStatus(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs := []model.RebalanceResult{}
	if s.journal != nil {
		got, err := s.journal.List(r.Context(), limit)
		if err != nil {
			s.writeError(w, err)
			return
		}
		runs = append(runs, got...)
	} else if last := s.engine.Last(); last != nil {
		runs = append(runs, *last)
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleAudit handles GET /api/v1/audit
func (s *Service) HandleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.book.Audit(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !report.OK {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, report)
}

// HandleRegisterProfile handles POST /api/v1/admin/profiles
func (s *Service) HandleRegisterProfile(w http.ResponseWriter, r *http.Request) {
	var req RegisterProfileRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.RegisterProfile(r.Context(), req.Allocations)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// HandleGetPolicy handles GET /api/v1/admin/policy
func (s *Service) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	st, err := s.Policy(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":                st.Policy.Mode,
		"deadband_bps":        st.Policy.DeadbandBps,
		"trigger_interval":    st.Policy.TriggerInterval.String(),
		"min_rebalance_value": st.Policy.MinRebalanceValue,
		"max_transfers":       st.Policy.MaxTransfers,
		"paused":              st.Paused,
		"sequence":            st.Sequence,
	})
}

// HandleSetPolicy handles PUT /api/v1/admin/policy
func (s *Service) HandleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if !decode(w, r, &req) {
		return
	}
	var interval time.Duration
	if req.TriggerInterval != "" {
		var err error
		if interval, err = time.ParseDuration(req.TriggerInterval); err != nil {
			s.writeError(w, errors.Wrapf(ErrInvalidPolicy, "trigger interval %q", req.TriggerInterval))
			return
		}
	}
	policy := model.Policy{
		Mode:              req.Mode,
		DeadbandBps:       req.DeadbandBps,
		TriggerInterval:   interval,
		MinRebalanceValue: req.MinRebalanceValue,
		MaxTransfers:      req.MaxTransfers,
	}
	if err := s.SetPolicy(r.Context(), policy); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePause handles POST /api/v1/admin/pause
func (s *Service) HandlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.SetPaused(r.Context(), true); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleResume handles POST /api/v1/admin/resume
func (s *Service) HandleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.SetPaused(r.Context(), false); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRebalance handles POST /api/v1/admin/rebalance. An empty body runs
// the next sequence, forced.
func (s *Service) HandleRebalance(w http.ResponseWriter, r *http.Request) {
	trig := rebalance.Trigger{Force: true}
	if r.ContentLength != 0 {
		if !decode(w, r, &trig) {
			return
		}
	}
	res, err := s.Rebalance(r.Context(), trig)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleOverridePrice handles POST /api/v1/admin/prices/{strategyID}
func (s *Service) HandleOverridePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceOverrideRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.OverridePrice(r.Context(), chi.URLParam(r, "strategyID"), req.Price); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetTerms handles GET /api/v1/terms
func (s *Service) HandleGetTerms(w http.ResponseWriter, r *http.Request) {
	terms, err := s.book.Terms(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, termsView(terms))
}

// HandleUpdateTerms handles PUT /api/v1/admin/terms
func (s *Service) HandleUpdateTerms(w http.ResponseWriter, r *http.Request) {
	var req TermsRequest
	if !decode(w, r, &req) {
		return
	}
	terms, err := s.UpdateTerms(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, termsView(terms))
}

func termsView(t model.FundTerms) map[string]any {
	return map[string]any{
		"min_deposit":        t.MinDeposit,
		"max_deposit":        t.MaxDeposit,
		"lock_period":        t.LockPeriod.String(),
		"withdrawal_fee_bps": t.WithdrawalFeeBps,
		"early_penalty_bps":  t.EarlyPenaltyBps,
	}
}

// HandleGetAccount handles GET /api/v1/accounts/{account}
func (s *Service) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	bal, err := s.AccountBalance(r.Context(), account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "balance": bal})
}

// HandleCreditAccount handles POST /api/v1/admin/accounts/{account}/credit
func (s *Service) HandleCreditAccount(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !decode(w, r, &req) {
		return
	}
	account := chi.URLParam(r, "account")
	bal, err := s.CreditAccount(r.Context(), account, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "balance": bal})
}

// HandleDistributeRewards handles POST /api/v1/admin/rewards
func (s *Service) HandleDistributeRewards(w http.ResponseWriter, r *http.Request) {
	var req RewardsRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.DistributeRewards(r.Context(), req.Source, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorStatus(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrPaused):
		return http.StatusLocked
	case errors.Is(err, model.ErrInvariantViolation):
		return http.StatusInternalServerError
	case pricefeed.IsOracleError(err),
		errors.Is(err, ErrOverrideUnsupported),
		errors.Is(err, position.ErrNotDeployed):
		return http.StatusServiceUnavailable
	case errors.Is(err, position.ErrUnknownPosition):
		return http.StatusNotFound
	case errors.Is(err, position.ErrInsufficientLiquidity),
		errors.Is(err, position.ErrInsufficientShares),
		errors.Is(err, position.ErrProfileMismatch),
		errors.Is(err, custody.ErrInsufficientBalance),
		errors.Is(err, position.ErrNoCohorts),
		errors.Is(err, limits.ErrParticipantLimitExceeded),
		errors.Is(err, limits.ErrCohortLimitExceeded),
		errors.Is(err, registry.ErrProfileExists),
		errors.Is(err, rebalance.ErrSequenceGap),
		errors.Is(err, rebalance.ErrNotDue),
		errors.Is(err, rebalance.ErrConcurrentRebalance),
		errors.Is(err, rebalance.ErrApplyAborted):
		return http.StatusConflict
	case errors.Is(err, position.ErrInvalidAmount),
		errors.Is(err, ident.ErrInvalidParticipant),
		errors.Is(err, ident.ErrReservedAccount),
		errors.Is(err, ident.ErrInvalidStrategy),
		errors.Is(err, ident.ErrInvalidProfile),
		errors.Is(err, registry.ErrUnknownProfile),
		errors.Is(err, registry.ErrInvalidWeights),
		errors.Is(err, strategy.ErrUnknownStrategy),
		errors.Is(err, strategy.ErrInvalidValuation),
		errors.Is(err, position.ErrInvalidTerms),
		errors.Is(err, custody.ErrInvalidMove),
		errors.Is(err, ErrInvalidPolicy):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status and writes it. Internal errors are logged
// and reported without detail.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		if !errors.Is(err, model.ErrInvariantViolation) {
			msg = "internal error"
		}
	}
	writeErrorStatus(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErrorStatus writes a JSON error response.
func writeErrorStatus(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
