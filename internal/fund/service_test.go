package fund_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalefund/fund-engine/internal/fund"
	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/position"
	"github.com/kalefund/fund-engine/internal/pricefeed"
	"github.com/kalefund/fund-engine/internal/rebalance"
	"github.com/kalefund/fund-engine/internal/registry"
	"github.com/kalefund/fund-engine/internal/store"
)

const adminToken = "s3cret"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	svc    *fund.Service
	store  *store.MemoryStore
	oracle *pricefeed.StaticOracle
	router chi.Router
	now    time.Time
}

func seeds() []fund.StrategySeed {
	return []fund.StrategySeed{
		{ID: "KALE", Price: model.One, Reserve: true},
		{ID: "BTC", Price: d("1")},
		{ID: "USDC", Price: d("1")},
		{ID: "XLM", Price: d("1")},
	}
}

// newTestEnv deploys a pool on the in-memory store and mounts the service
// on a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	ms := store.NewMemoryStore()
	deployed, err := fund.Deploy(ctx, ms, fund.DeployConfig{
		Strategies: seeds(),
		Policy:     model.Policy{Mode: model.PolicyStrict},
	}, now)
	require.NoError(t, err)
	require.True(t, deployed)

	oracle := pricefeed.NewStaticOracle()
	for _, id := range []string{"BTC", "USDC", "XLM"} {
		oracle.Set(id, pricefeed.Quote{Price: d("1"), Epoch: now.Unix(), Confidence: 10000, Source: "test"})
	}
	feed := pricefeed.NewFeed(oracle, pricefeed.WithClock(clock))

	book := position.NewBook(ms, position.Config{MinDeposit: d("1"), MaxDeposit: d("5000")}, nil, position.WithClock(clock))
	engine := rebalance.NewEngine(ms, feed, nil, rebalance.WithClock(clock))
	svc := fund.NewService(ms, book, engine, nil,
		fund.WithAdminToken(adminToken),
		fund.WithPublisher(oracle),
		fund.WithClock(clock),
	)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	env := &testEnv{svc: svc, store: ms, oracle: oracle, router: r, now: now}

	// Inbound transfers arrive the way an operator records them in production.
	env.credit(t, "alice", "10000")
	for _, id := range []string{"BTC", "USDC", "XLM"} {
		env.credit(t, "venue:"+id, "100000")
	}
	return env
}

func (e *testEnv) credit(t *testing.T, account, amount string) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/admin/accounts/"+account+"/credit", fund.CreditRequest{Amount: d(amount)}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

type accountBody struct {
	Account string          `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}

func (e *testEnv) accountBalance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	w := e.do(t, "GET", "/api/v1/accounts/"+account, nil, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body accountBody
	decodeBody(t, w, &body)
	return body.Balance
}

func (e *testEnv) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set(fund.AdminTokenHeader, adminToken)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) deposit(t *testing.T, amount string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/deposit", fund.DepositRequest{
		Participant: "alice",
		Amount:      d(amount),
		ProfileID:   "moderate",
	}, false)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v))
}

// --- Participant operations ---

func TestDeposit_AndGetPosition(t *testing.T) {
	env := newTestEnv(t)

	w := env.deposit(t, "1000")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res model.DepositResult
	decodeBody(t, w, &res)
	assert.True(t, res.SharesMinted.Equal(d("1000")))
	assert.Equal(t, "moderate", res.ProfileID)

	w = env.do(t, "GET", "/api/v1/positions/alice", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var view model.PositionView
	decodeBody(t, w, &view)
	assert.True(t, view.Value.Equal(d("1000")))
	assert.True(t, view.Principal.Equal(d("1000")))

	w = env.do(t, "GET", "/api/v1/positions/bob", nil, false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeposit_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"zero amount", fund.DepositRequest{Participant: "alice", Amount: decimal.Zero, ProfileID: "moderate"}, http.StatusBadRequest},
		{"above max", fund.DepositRequest{Participant: "alice", Amount: d("5000.0000001"), ProfileID: "moderate"}, http.StatusBadRequest},
		{"unknown profile", fund.DepositRequest{Participant: "alice", Amount: d("10"), ProfileID: "yolo"}, http.StatusBadRequest},
		{"reserved account", fund.DepositRequest{Participant: "clearing", Amount: d("10"), ProfileID: "moderate"}, http.StatusBadRequest},
		{"unfunded participant", fund.DepositRequest{Participant: "bob", Amount: d("10"), ProfileID: "moderate"}, http.StatusConflict},
		{"bad body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/deposit", tt.body, false)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.deposit(t, "1000").Code)

	w := env.do(t, "POST", "/api/v1/withdraw", fund.WithdrawRequest{Participant: "alice", Shares: d("1001")}, false)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, "POST", "/api/v1/withdraw", fund.WithdrawRequest{Participant: "carol", Shares: d("1")}, false)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "POST", "/api/v1/withdraw", fund.WithdrawRequest{Participant: "alice", Shares: d("400")}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res model.WithdrawalResult
	decodeBody(t, w, &res)
	assert.True(t, res.Net.Equal(d("400")))
	assert.True(t, res.Shares.Equal(d("600")))
}

func TestChangeProfile(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.deposit(t, "1000").Code)

	w := env.do(t, "POST", "/api/v1/profile", fund.ChangeProfileRequest{Participant: "alice", ProfileID: "aggressive"}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view model.PositionView
	decodeBody(t, w, &view)
	assert.Equal(t, "aggressive", view.ProfileID)
	assert.True(t, view.Value.Equal(d("1000")))
}

func TestReadEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/profiles", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var profiles []model.RiskProfile
	decodeBody(t, w, &profiles)
	assert.Len(t, profiles, len(registry.Canonical()))

	w = env.do(t, "GET", "/api/v1/profiles/conservative", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, "GET", "/api/v1/profiles/nope", nil, false)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "GET", "/api/v1/strategies", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []model.StrategyEntry
	decodeBody(t, w, &entries)
	require.Len(t, entries, 4)
	assert.Equal(t, "BTC", entries[0].ID)

	w = env.do(t, "GET", "/api/v1/audit", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var report model.AuditReport
	decodeBody(t, w, &report)
	assert.True(t, report.OK)

	w = env.do(t, "GET", "/api/v1/rebalances?limit=x", nil, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Governance ---

func TestAdmin_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/admin/pause", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("POST", "/api/v1/admin/pause", nil)
	req.Header.Set(fund.AdminTokenHeader, "wrong")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_PauseBlocksMutationsNotReads(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.deposit(t, "100").Code)

	require.Equal(t, http.StatusNoContent, env.do(t, "POST", "/api/v1/admin/pause", nil, true).Code)

	assert.Equal(t, http.StatusLocked, env.deposit(t, "100").Code)
	w := env.do(t, "POST", "/api/v1/withdraw", fund.WithdrawRequest{Participant: "alice", Shares: d("1")}, false)
	assert.Equal(t, http.StatusLocked, w.Code)
	w = env.do(t, "POST", "/api/v1/admin/rebalance", nil, true)
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/v1/positions/alice", nil, false).Code)

	require.Equal(t, http.StatusNoContent, env.do(t, "POST", "/api/v1/admin/resume", nil, true).Code)
	assert.Equal(t, http.StatusOK, env.deposit(t, "100").Code)
}

func TestAdmin_Policy(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "PUT", "/api/v1/admin/policy", fund.PolicyRequest{Mode: "yolo"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, "PUT", "/api/v1/admin/policy", fund.PolicyRequest{Mode: model.PolicyLenient, TriggerInterval: "soon"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, "PUT", "/api/v1/admin/policy", fund.PolicyRequest{Mode: model.PolicyLenient, DeadbandBps: 10001}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "PUT", "/api/v1/admin/policy", fund.PolicyRequest{Mode: model.PolicyLenient, DeadbandBps: 50, TriggerInterval: "2h"}, true)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	st, err := env.svc.Policy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.PolicyLenient, st.Policy.Mode)
	assert.Equal(t, model.Bps(50), st.Policy.DeadbandBps)
	assert.Equal(t, 2*time.Hour, st.Policy.TriggerInterval)
}

func TestAdmin_PolicyLimits(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "PUT", "/api/v1/admin/policy", fund.PolicyRequest{Mode: model.PolicyStrict, MaxTransfers: -1}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, "PUT", "/api/v1/admin/policy", fund.PolicyRequest{Mode: model.PolicyStrict, MinRebalanceValue: d("-1")}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "PUT", "/api/v1/admin/policy", fund.PolicyRequest{Mode: model.PolicyStrict, MaxTransfers: 1, MinRebalanceValue: d("500")}, true)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	// Below the minimum pooled value nothing moves.
	require.Equal(t, http.StatusOK, env.deposit(t, "400").Code)
	w = env.do(t, "POST", "/api/v1/admin/rebalance", nil, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res model.RebalanceResult
	decodeBody(t, w, &res)
	assert.Equal(t, model.RebalanceNoop, res.Status)

	// Above it, one transfer per run.
	require.Equal(t, http.StatusOK, env.deposit(t, "600").Code)
	w = env.do(t, "POST", "/api/v1/admin/rebalance", nil, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &res)
	assert.Equal(t, model.RebalanceApplied, res.Status)
	assert.Len(t, res.Transfers, 1)

	w = env.do(t, "GET", "/api/v1/admin/policy", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		MaxTransfers      int             `json:"max_transfers"`
		MinRebalanceValue decimal.Decimal `json:"min_rebalance_value"`
	}
	decodeBody(t, w, &got)
	assert.Equal(t, 1, got.MaxTransfers)
	assert.True(t, got.MinRebalanceValue.Equal(d("500")))
}

func TestAdmin_CreditAccount(t *testing.T) {
	env := newTestEnv(t)

	assert.True(t, env.accountBalance(t, "alice").Equal(d("10000")))
	assert.True(t, env.accountBalance(t, "venue:BTC").Equal(d("100000")))

	env.credit(t, "bob", "250")
	assert.True(t, env.accountBalance(t, "bob").Equal(d("250")))

	tests := []struct {
		name    string
		account string
		amount  string
		status  int
	}{
		{"zero amount", "bob", "0", http.StatusBadRequest},
		{"too precise", "bob", "1.00000001", http.StatusBadRequest},
		{"clearing account", "clearing", "10", http.StatusBadRequest},
		{"strategy custody", "strategy:BTC", "10", http.StatusBadRequest},
		{"unknown venue", "venue:DOGE", "10", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/admin/accounts/"+tt.account+"/credit", fund.CreditRequest{Amount: d(tt.amount)}, true)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	w := env.do(t, "POST", "/api/v1/admin/accounts/bob/credit", fund.CreditRequest{Amount: d("1")}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.True(t, env.accountBalance(t, "bob").Equal(d("250")))
}

// A participant funded only through the API goes through deposit, two
// rebalances across a price move and a full exit.
func TestLifecycle_FundedThroughAPI(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "bob", "1000")

	w := env.do(t, "POST", "/api/v1/deposit", fund.DepositRequest{Participant: "bob", Amount: d("1000"), ProfileID: "moderate"}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, env.accountBalance(t, "bob").IsZero())

	w = env.do(t, "POST", "/api/v1/admin/rebalance", nil, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env.oracle.Set("BTC", pricefeed.Quote{Price: d("2"), Epoch: env.now.Unix(), Confidence: 10000, Source: "test"})
	w = env.do(t, "POST", "/api/v1/admin/rebalance", nil, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, "POST", "/api/v1/withdraw", fund.WithdrawRequest{Participant: "bob", Shares: d("1000")}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res model.WithdrawalResult
	decodeBody(t, w, &res)
	assert.True(t, res.Net.Equal(d("1400")), res.Net.String())
	assert.True(t, env.accountBalance(t, "bob").Equal(d("1400")))

	w = env.do(t, "GET", "/api/v1/audit", nil, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report model.AuditReport
	decodeBody(t, w, &report)
	assert.True(t, report.TotalCustody.IsZero())
}

func TestAdmin_Terms(t *testing.T) {
	env := newTestEnv(t)

	minDeposit := d("10")
	fee := model.Bps(100)
	w := env.do(t, "PUT", "/api/v1/admin/terms", fund.TermsRequest{MinDeposit: &minDeposit, WithdrawalFeeBps: &fee}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, "GET", "/api/v1/terms", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		MinDeposit       decimal.Decimal `json:"min_deposit"`
		MaxDeposit       decimal.Decimal `json:"max_deposit"`
		WithdrawalFeeBps model.Bps       `json:"withdrawal_fee_bps"`
	}
	decodeBody(t, w, &got)
	assert.True(t, got.MinDeposit.Equal(d("10")))
	assert.True(t, got.MaxDeposit.Equal(d("5000")), "unset fields keep their value")
	assert.Equal(t, model.Bps(100), got.WithdrawalFeeBps)

	assert.Equal(t, http.StatusBadRequest, env.deposit(t, "5").Code)
	require.Equal(t, http.StatusOK, env.deposit(t, "100").Code)
	w = env.do(t, "POST", "/api/v1/withdraw", fund.WithdrawRequest{Participant: "alice", Shares: d("100")}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res model.WithdrawalResult
	decodeBody(t, w, &res)
	assert.True(t, res.Fee.Equal(d("1")))

	soon := "soon"
	w = env.do(t, "PUT", "/api/v1/admin/terms", fund.TermsRequest{LockPeriod: &soon}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	tooHigh := model.Bps(10001)
	w = env.do(t, "PUT", "/api/v1/admin/terms", fund.TermsRequest{EarlyPenaltyBps: &tooHigh}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_Rewards(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "sponsor", "100")

	w := env.do(t, "POST", "/api/v1/admin/rewards", fund.RewardsRequest{Source: "sponsor", Amount: d("10")}, true)
	assert.Equal(t, http.StatusConflict, w.Code, "no cohort to reward yet")

	require.Equal(t, http.StatusOK, env.deposit(t, "1000").Code)
	w = env.do(t, "POST", "/api/v1/admin/rewards", fund.RewardsRequest{Source: "sponsor", Amount: d("100")}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res model.RewardResult
	decodeBody(t, w, &res)
	assert.True(t, res.Allocations["moderate"].Equal(d("100")))
	assert.True(t, env.accountBalance(t, "sponsor").IsZero())

	w = env.do(t, "GET", "/api/v1/positions/alice", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var view model.PositionView
	decodeBody(t, w, &view)
	assert.True(t, view.Value.Equal(d("1100")))

	w = env.do(t, "POST", "/api/v1/admin/rewards", fund.RewardsRequest{Source: "clearing", Amount: d("1")}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_RegisterProfile(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/admin/profiles", fund.RegisterProfileRequest{Allocations: []model.Allocation{
		{StrategyID: "BTC", Weight: 5000}, {StrategyID: "XLM", Weight: 5000},
	}}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p model.RiskProfile
	decodeBody(t, w, &p)
	assert.Equal(t, "custom-1", p.ID)

	w = env.do(t, "POST", "/api/v1/admin/profiles", fund.RegisterProfileRequest{Allocations: []model.Allocation{
		{StrategyID: "BTC", Weight: 5000},
	}}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_Rebalance(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.deposit(t, "1000").Code)

	w := env.do(t, "POST", "/api/v1/admin/rebalance", nil, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res model.RebalanceResult
	decodeBody(t, w, &res)
	assert.Equal(t, model.RebalanceApplied, res.Status)
	assert.Equal(t, uint64(1), res.Sequence)

	w = env.do(t, "POST", "/api/v1/admin/rebalance", rebalance.Trigger{Sequence: 1, Force: true}, true)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &res)
	assert.Equal(t, model.RebalanceDuplicate, res.Status)

	w = env.do(t, "POST", "/api/v1/admin/rebalance", rebalance.Trigger{Sequence: 9, Force: true}, true)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, "GET", "/api/v1/rebalances", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var runs []model.RebalanceResult
	decodeBody(t, w, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, uint64(1), runs[0].Sequence)

	env.oracle.Fail("BTC")
	w = env.do(t, "POST", "/api/v1/admin/rebalance", nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdmin_PriceOverride(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w := env.do(t, "POST", "/api/v1/admin/prices/BTC", fund.PriceOverrideRequest{Price: d("2")}, true)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	q, err := env.oracle.Read(ctx, "BTC", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, pricefeed.EmergencySource, q.Source)
	assert.True(t, q.Price.Equal(d("2")))
	assert.Equal(t, env.now.Unix(), q.Epoch)

	w = env.do(t, "POST", "/api/v1/admin/prices/KALE", fund.PriceOverrideRequest{Price: d("2")}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, "POST", "/api/v1/admin/prices/DOGE", fund.PriceOverrideRequest{Price: d("2")}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, "POST", "/api/v1/admin/prices/BTC", fund.PriceOverrideRequest{Price: d("-1")}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOverridePrice_Unsupported(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := fund.NewService(ms, nil, nil, nil)
	err := svc.OverridePrice(context.Background(), "BTC", d("1"))
	assert.True(t, errors.Is(err, fund.ErrOverrideUnsupported))
}

// --- Genesis ---

func TestDeploy_Idempotent(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	cfg := fund.DeployConfig{Strategies: seeds(), Policy: model.Policy{Mode: model.PolicyStrict}}

	ok, err := fund.Deploy(ctx, ms, cfg, time.Unix(1, 0))
	require.NoError(t, err)
	assert.True(t, ok)

	cfg.Policy.Mode = model.PolicyLenient
	ok, err = fund.Deploy(ctx, ms, cfg, time.Unix(2, 0))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ms.View(ctx, func(tx store.Tx) error {
		st, err := tx.PoolState(ctx)
		require.NoError(t, err)
		assert.True(t, st.Deployed)
		assert.Equal(t, "KALE", st.ReserveStrategy)
		assert.Equal(t, model.PolicyStrict, st.Policy.Mode, "redeploy must not touch the policy")
		return nil
	}))
}

func TestDeploy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  fund.DeployConfig
	}{
		{"no reserve", fund.DeployConfig{Strategies: []fund.StrategySeed{{ID: "BTC", Price: d("1")}}, Policy: model.Policy{Mode: model.PolicyStrict}}},
		{"two reserves", fund.DeployConfig{Strategies: []fund.StrategySeed{{ID: "KALE", Price: d("1"), Reserve: true}, {ID: "XLM", Price: d("1"), Reserve: true}}, Policy: model.Policy{Mode: model.PolicyStrict}}},
		{"bad symbol", fund.DeployConfig{Strategies: []fund.StrategySeed{{ID: "kale", Price: d("1"), Reserve: true}}, Policy: model.Policy{Mode: model.PolicyStrict}}},
		{"bad policy", fund.DeployConfig{Strategies: seeds(), Policy: model.Policy{Mode: "yolo"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fund.Deploy(context.Background(), store.NewMemoryStore(), tt.cfg, time.Unix(1, 0))
			assert.True(t, errors.Is(err, fund.ErrInvalidDeploy), "got %v", err)
		})
	}

	// Profiles referencing strategies that were not installed fail the
	// whole genesis.
	ms := store.NewMemoryStore()
	_, err := fund.Deploy(context.Background(), ms, fund.DeployConfig{
		Strategies: []fund.StrategySeed{{ID: "KALE", Price: d("1"), Reserve: true}},
		Policy:     model.Policy{Mode: model.PolicyStrict},
	}, time.Unix(1, 0))
	assert.True(t, errors.Is(err, registry.ErrInvalidWeights))
	require.NoError(t, ms.View(context.Background(), func(tx store.Tx) error {
		st, err := tx.PoolState(context.Background())
		require.NoError(t, err)
		assert.False(t, st.Deployed)
		return nil
	}))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{errors.Wrap(position.ErrInvalidAmount, "x"), http.StatusBadRequest},
		{errors.Wrap(position.ErrUnknownPosition, "x"), http.StatusNotFound},
		{errors.Wrap(position.ErrInsufficientLiquidity, "x"), http.StatusConflict},
		{errors.Wrap(rebalance.ErrSequenceGap, "x"), http.StatusConflict},
		{errors.Wrap(rebalance.ErrConcurrentRebalance, "x"), http.StatusConflict},
		{model.ErrPaused, http.StatusLocked},
		{errors.Wrap(pricefeed.ErrStalePrice, "x"), http.StatusServiceUnavailable},
		{errors.Wrap(model.ErrInvariantViolation, "x"), http.StatusInternalServerError},
		{fund.ErrUnauthorized, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, fund.StatusFor(tt.err), "%v", tt.err)
	}
}
