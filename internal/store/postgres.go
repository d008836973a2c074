package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/kalefund/fund-engine/internal/model"
)

// Schema creates the fund tables. All monetary values are NUMERIC and
// travel as TEXT so no precision is lost in either direction.
const Schema = `
CREATE TABLE IF NOT EXISTS pool_state (
	id                   SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	sequence             BIGINT NOT NULL DEFAULT 0,
	last_rebalance_epoch BIGINT NOT NULL DEFAULT 0,
	total_shares         NUMERIC NOT NULL DEFAULT 0,
	paused               BOOLEAN NOT NULL DEFAULT FALSE,
	policy_mode          TEXT NOT NULL DEFAULT 'strict',
	deadband_bps         BIGINT NOT NULL DEFAULT 0,
	trigger_interval_ms  BIGINT NOT NULL DEFAULT 0,
	profile_counter      BIGINT NOT NULL DEFAULT 0,
	reserve_strategy     TEXT NOT NULL DEFAULT '',
	deployed             BOOLEAN NOT NULL DEFAULT FALSE,
	min_rebalance_value  NUMERIC NOT NULL DEFAULT 0,
	max_transfers        BIGINT NOT NULL DEFAULT 0,
	terms                JSONB
);

ALTER TABLE pool_state ADD COLUMN IF NOT EXISTS min_rebalance_value NUMERIC NOT NULL DEFAULT 0;
ALTER TABLE pool_state ADD COLUMN IF NOT EXISTS max_transfers BIGINT NOT NULL DEFAULT 0;
ALTER TABLE pool_state ADD COLUMN IF NOT EXISTS terms JSONB;

CREATE TABLE IF NOT EXISTS positions (
	participant  TEXT PRIMARY KEY,
	profile_id   TEXT NOT NULL,
	principal    NUMERIC NOT NULL,
	shares       NUMERIC NOT NULL,
	locked_until BIGINT NOT NULL,
	created_at   BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_profiles (
	id          TEXT PRIMARY KEY,
	allocations JSONB NOT NULL,
	created_at  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS strategies (
	id              TEXT PRIMARY KEY,
	balance         NUMERIC NOT NULL,
	price           NUMERIC NOT NULL,
	valuation_epoch BIGINT NOT NULL,
	reserve         BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS cohorts (
	profile_id           TEXT PRIMARY KEY,
	shares               NUMERIC NOT NULL,
	last_rebalance_seq   BIGINT NOT NULL DEFAULT 0,
	last_rebalance_epoch BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cohort_holdings (
	profile_id  TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	units       NUMERIC NOT NULL,
	PRIMARY KEY (profile_id, strategy_id)
);

CREATE TABLE IF NOT EXISTS accounts (
	account TEXT PRIMARY KEY,
	balance NUMERIC NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Update runs at SERIALIZABLE isolation, which is what makes concurrent
// deposits, withdrawals and rebalances observe a total order.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (s *PostgresStore) run(ctx context.Context, opts pgx.TxOptions, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, participant string) (*model.Position, error) {
	return (&pgTx{tx: s.pool}).GetPosition(ctx, participant)
}

func (s *PostgresStore) ListStrategies(ctx context.Context) ([]model.StrategyEntry, error) {
	return (&pgTx{tx: s.pool}).ListStrategies(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	tx querier
}

func (t *pgTx) exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

func notFound(err error, what, key string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "%s %s", what, key)
	}
	return errors.Wrapf(err, "get %s %s", what, key)
}

// parseDecimal decodes a NUMERIC read as TEXT. A value that does not parse
// is corrupt and must never be read as zero.
func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "decode %s %q", field, s)
	}
	return d, nil
}

// --- Pool state ---

func (t *pgTx) PoolState(ctx context.Context) (model.PoolState, error) {
	var st model.PoolState
	var totalShares, mode, minValue string
	var deadband, intervalMs, maxTransfers int64
	var terms []byte

	err := t.tx.QueryRow(ctx,
		`SELECT sequence, last_rebalance_epoch, total_shares::TEXT, paused,
		        policy_mode, deadband_bps, trigger_interval_ms,
		        profile_counter, reserve_strategy, deployed,
		        min_rebalance_value::TEXT, max_transfers, terms
		 FROM pool_state WHERE id = 1`).
		Scan(&st.Sequence, &st.LastRebalanceEpoch, &totalShares, &st.Paused,
			&mode, &deadband, &intervalMs,
			&st.ProfileCounter, &st.ReserveStrategy, &st.Deployed,
			&minValue, &maxTransfers, &terms)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PoolState{TotalShares: decimal.Zero}, nil
	}
	if err != nil {
		return st, errors.Wrap(err, "get pool state")
	}
	if st.TotalShares, err = parseDecimal("pool total_shares", totalShares); err != nil {
		return st, err
	}
	st.Policy = model.Policy{
		Mode:            model.PolicyMode(mode),
		DeadbandBps:     model.Bps(deadband),
		TriggerInterval: time.Duration(intervalMs) * time.Millisecond,
		MaxTransfers:    int(maxTransfers),
	}
	if st.Policy.MinRebalanceValue, err = parseDecimal("pool min_rebalance_value", minValue); err != nil {
		return st, err
	}
	if terms != nil {
		st.Terms = &model.FundTerms{}
		if err := json.Unmarshal(terms, st.Terms); err != nil {
			return st, errors.Wrap(err, "decode pool terms")
		}
	}
	return st, nil
}

func (t *pgTx) PutPoolState(ctx context.Context, st model.PoolState) error {
	var terms *string
	if st.Terms != nil {
		raw, err := json.Marshal(st.Terms)
		if err != nil {
			return errors.Wrap(err, "encode pool terms")
		}
		s := string(raw)
		terms = &s
	}
	err := t.exec(ctx,
		`INSERT INTO pool_state (id, sequence, last_rebalance_epoch, total_shares, paused,
		                         policy_mode, deadband_bps, trigger_interval_ms,
		                         profile_counter, reserve_strategy, deployed,
		                         min_rebalance_value, max_transfers, terms)
		 VALUES (1, $1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9, $10, $11::NUMERIC, $12, $13::JSONB)
		 ON CONFLICT (id) DO UPDATE SET
		     sequence = EXCLUDED.sequence,
		     last_rebalance_epoch = EXCLUDED.last_rebalance_epoch,
		     total_shares = EXCLUDED.total_shares,
		     paused = EXCLUDED.paused,
		     policy_mode = EXCLUDED.policy_mode,
		     deadband_bps = EXCLUDED.deadband_bps,
		     trigger_interval_ms = EXCLUDED.trigger_interval_ms,
		     profile_counter = EXCLUDED.profile_counter,
		     reserve_strategy = EXCLUDED.reserve_strategy,
		     deployed = EXCLUDED.deployed,
		     min_rebalance_value = EXCLUDED.min_rebalance_value,
		     max_transfers = EXCLUDED.max_transfers,
		     terms = EXCLUDED.terms`,
		st.Sequence, st.LastRebalanceEpoch, st.TotalShares.String(), st.Paused,
		string(st.Policy.Mode), int64(st.Policy.DeadbandBps), st.Policy.TriggerInterval.Milliseconds(),
		st.ProfileCounter, st.ReserveStrategy, st.Deployed,
		st.Policy.MinRebalanceValue.String(), int64(st.Policy.MaxTransfers), terms,
	)
	return errors.Wrap(err, "put pool state")
}

// --- Positions ---

const positionColumns = `participant, profile_id, principal::TEXT, shares::TEXT, locked_until, created_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var principal, shares string
	if err := row.Scan(&p.Participant, &p.ProfileID, &principal, &shares, &p.LockedUntil, &p.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Principal, err = parseDecimal("principal of "+p.Participant, principal); err != nil {
		return nil, err
	}
	if p.Shares, err = parseDecimal("shares of "+p.Participant, shares); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) GetPosition(ctx context.Context, participant string) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE participant = $1`, participant))
	if err != nil {
		return nil, notFound(err, "position", participant)
	}
	return p, nil
}

func (t *pgTx) PutPosition(ctx context.Context, p *model.Position) error {
	err := t.exec(ctx,
		`INSERT INTO positions (participant, profile_id, principal, shares, locked_until, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)
		 ON CONFLICT (participant) DO UPDATE SET
		     profile_id = EXCLUDED.profile_id,
		     principal = EXCLUDED.principal,
		     shares = EXCLUDED.shares,
		     locked_until = EXCLUDED.locked_until`,
		p.Participant, p.ProfileID, p.Principal.String(), p.Shares.String(), p.LockedUntil, p.CreatedAt,
	)
	return errors.Wrapf(err, "put position %s", p.Participant)
}

func (t *pgTx) DeletePosition(ctx context.Context, participant string) error {
	err := t.exec(ctx, `DELETE FROM positions WHERE participant = $1`, participant)
	return errors.Wrapf(err, "delete position %s", participant)
}

func (t *pgTx) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY participant`)
	if err != nil {
		return nil, errors.Wrap(err, "list positions")
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- Risk profiles ---

func scanProfile(row pgx.Row) (*model.RiskProfile, error) {
	var p model.RiskProfile
	var raw []byte
	if err := row.Scan(&p.ID, &raw, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &p.Allocations); err != nil {
		return nil, errors.Wrapf(err, "decode allocations of %s", p.ID)
	}
	return &p, nil
}

func (t *pgTx) GetProfile(ctx context.Context, id string) (*model.RiskProfile, error) {
	p, err := scanProfile(t.tx.QueryRow(ctx,
		`SELECT id, allocations, created_at FROM risk_profiles WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "profile", id)
	}
	return p, nil
}

func (t *pgTx) PutProfile(ctx context.Context, p *model.RiskProfile) error {
	raw, err := json.Marshal(p.Allocations)
	if err != nil {
		return errors.Wrap(err, "encode allocations")
	}
	err = t.exec(ctx,
		`INSERT INTO risk_profiles (id, allocations, created_at)
		 VALUES ($1, $2::JSONB, $3)
		 ON CONFLICT (id) DO NOTHING`,
		p.ID, string(raw), p.CreatedAt,
	)
	return errors.Wrapf(err, "put profile %s", p.ID)
}

func (t *pgTx) ListProfiles(ctx context.Context) ([]model.RiskProfile, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, allocations, created_at FROM risk_profiles ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list profiles")
	}
	defer rows.Close()

	var out []model.RiskProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- Strategy Ledger ---

const strategyColumns = `id, balance::TEXT, price::TEXT, valuation_epoch, reserve`

func scanStrategy(row pgx.Row) (*model.StrategyEntry, error) {
	var e model.StrategyEntry
	var balance, price string
	if err := row.Scan(&e.ID, &balance, &price, &e.ValuationEpoch, &e.Reserve); err != nil {
		return nil, err
	}
	var err error
	if e.Balance, err = parseDecimal("balance of "+e.ID, balance); err != nil {
		return nil, err
	}
	if e.Price, err = parseDecimal("price of "+e.ID, price); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *pgTx) GetStrategy(ctx context.Context, id string) (*model.StrategyEntry, error) {
	e, err := scanStrategy(t.tx.QueryRow(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "strategy", id)
	}
	return e, nil
}

func (t *pgTx) PutStrategy(ctx context.Context, e *model.StrategyEntry) error {
	err := t.exec(ctx,
		`INSERT INTO strategies (id, balance, price, valuation_epoch, reserve)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     balance = EXCLUDED.balance,
		     price = EXCLUDED.price,
		     valuation_epoch = EXCLUDED.valuation_epoch,
		     reserve = EXCLUDED.reserve`,
		e.ID, e.Balance.String(), e.Price.String(), e.ValuationEpoch, e.Reserve,
	)
	return errors.Wrapf(err, "put strategy %s", e.ID)
}

func (t *pgTx) ListStrategies(ctx context.Context) ([]model.StrategyEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+strategyColumns+` FROM strategies ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list strategies")
	}
	defer rows.Close()

	var out []model.StrategyEntry
	for rows.Next() {
		e, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// --- Cohorts ---

const cohortColumns = `profile_id, shares::TEXT, last_rebalance_seq, last_rebalance_epoch`

func scanCohort(row pgx.Row) (*model.Cohort, error) {
	var c model.Cohort
	var shares string
	if err := row.Scan(&c.ProfileID, &shares, &c.LastRebalanceSeq, &c.LastRebalanceEpoch); err != nil {
		return nil, err
	}
	var err error
	if c.Shares, err = parseDecimal("shares of cohort "+c.ProfileID, shares); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) GetCohort(ctx context.Context, profileID string) (*model.Cohort, error) {
	c, err := scanCohort(t.tx.QueryRow(ctx,
		`SELECT `+cohortColumns+` FROM cohorts WHERE profile_id = $1`, profileID))
	if err != nil {
		return nil, notFound(err, "cohort", profileID)
	}
	return c, nil
}

func (t *pgTx) PutCohort(ctx context.Context, c *model.Cohort) error {
	err := t.exec(ctx,
		`INSERT INTO cohorts (profile_id, shares, last_rebalance_seq, last_rebalance_epoch)
		 VALUES ($1, $2::NUMERIC, $3, $4)
		 ON CONFLICT (profile_id) DO UPDATE SET
		     shares = EXCLUDED.shares,
		     last_rebalance_seq = EXCLUDED.last_rebalance_seq,
		     last_rebalance_epoch = EXCLUDED.last_rebalance_epoch`,
		c.ProfileID, c.Shares.String(), c.LastRebalanceSeq, c.LastRebalanceEpoch,
	)
	return errors.Wrapf(err, "put cohort %s", c.ProfileID)
}

func (t *pgTx) ListCohorts(ctx context.Context) ([]model.Cohort, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+cohortColumns+` FROM cohorts ORDER BY profile_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list cohorts")
	}
	defer rows.Close()

	var out []model.Cohort
	for rows.Next() {
		c, err := scanCohort(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (t *pgTx) Holdings(ctx context.Context, profileID string) (model.Holdings, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT strategy_id, units::TEXT FROM cohort_holdings WHERE profile_id = $1`, profileID)
	if err != nil {
		return nil, errors.Wrapf(err, "holdings of %s", profileID)
	}
	defer rows.Close()

	h := make(model.Holdings)
	for rows.Next() {
		var id, units string
		if err := rows.Scan(&id, &units); err != nil {
			return nil, err
		}
		d, err := parseDecimal("holding "+profileID+"/"+id, units)
		if err != nil {
			return nil, err
		}
		h[id] = d
	}
	return h, rows.Err()
}

func (t *pgTx) PutHolding(ctx context.Context, profileID, strategyID string, units decimal.Decimal) error {
	if units.IsZero() {
		err := t.exec(ctx,
			`DELETE FROM cohort_holdings WHERE profile_id = $1 AND strategy_id = $2`,
			profileID, strategyID)
		return errors.Wrapf(err, "clear holding %s/%s", profileID, strategyID)
	}
	err := t.exec(ctx,
		`INSERT INTO cohort_holdings (profile_id, strategy_id, units)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (profile_id, strategy_id) DO UPDATE SET units = EXCLUDED.units`,
		profileID, strategyID, units.String(),
	)
	return errors.Wrapf(err, "put holding %s/%s", profileID, strategyID)
}

// --- Accounts ---

func (t *pgTx) AccountBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	var balance string
	err := t.tx.QueryRow(ctx, `SELECT balance::TEXT FROM accounts WHERE account = $1`, account).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "balance of %s", account)
	}
	return parseDecimal("balance of "+account, balance)
}

func (t *pgTx) PutAccountBalance(ctx context.Context, account string, balance decimal.Decimal) error {
	err := t.exec(ctx,
		`INSERT INTO accounts (account, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (account) DO UPDATE SET balance = EXCLUDED.balance`,
		account, balance.String(),
	)
	return errors.Wrapf(err, "put balance of %s", account)
}
