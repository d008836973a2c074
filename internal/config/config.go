// Package config loads the fund engine configuration from a YAML (or JSON)
// file, a .env file and the process environment, in that order of
// precedence from lowest to highest.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/kalefund/fund-engine/internal/limits"
	"github.com/kalefund/fund-engine/internal/model"
	"github.com/kalefund/fund-engine/internal/position"
	"github.com/kalefund/fund-engine/internal/registry"
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig          `json:"server" yaml:"server"`
	Store      StoreConfig           `json:"store" yaml:"store"`
	Oracle     OracleConfig          `json:"oracle" yaml:"oracle"`
	Fund       FundConfig            `json:"fund" yaml:"fund"`
	Rebalance  RebalanceConfig       `json:"rebalance" yaml:"rebalance"`
	Journal    JournalConfig         `json:"journal" yaml:"journal"`
	Strategies []StrategyConfig      `json:"strategies" yaml:"strategies"`
	Profiles   []registry.Definition `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

// ServerConfig controls the HTTP listener and logging.
type ServerConfig struct {
	Port       int    `json:"port" yaml:"port"`
	AdminToken string `json:"admin_token,omitempty" yaml:"admin_token,omitempty"`
	LogLevel   string `json:"log_level" yaml:"log_level"` // debug, info, warn, error
	Dev        bool   `json:"dev" yaml:"dev"`
}

// StoreConfig selects the source of truth. An empty DatabaseURL runs on the
// in-memory store.
type StoreConfig struct {
	DatabaseURL string `json:"database_url,omitempty" yaml:"database_url,omitempty"`
	RedisURL    string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	CacheTTL    string `json:"cache_ttl" yaml:"cache_ttl"`
}

// OracleConfig controls price reads.
type OracleConfig struct {
	Source           string    `json:"source" yaml:"source"` // "static" or "redis"
	MaxAge           string    `json:"max_age" yaml:"max_age"`
	MinConfidenceBps model.Bps `json:"min_confidence_bps" yaml:"min_confidence_bps"`
	MaxDeviationBps  model.Bps `json:"max_deviation_bps" yaml:"max_deviation_bps"`
}

// FundConfig holds the deposit and withdrawal rules. Amounts are decimal
// strings in native units.
type FundConfig struct {
	MinDeposit       string    `json:"min_deposit" yaml:"min_deposit"`
	MaxDeposit       string    `json:"max_deposit" yaml:"max_deposit"`
	LockPeriod       string    `json:"lock_period" yaml:"lock_period"`
	WithdrawalFeeBps model.Bps `json:"withdrawal_fee_bps" yaml:"withdrawal_fee_bps"`
	EarlyPenaltyBps  model.Bps `json:"early_penalty_bps" yaml:"early_penalty_bps"`
	MaxPositionValue string    `json:"max_position_value,omitempty" yaml:"max_position_value,omitempty"`
	MaxCohortValue   string    `json:"max_cohort_value,omitempty" yaml:"max_cohort_value,omitempty"`
}

// RebalanceConfig is the genesis policy plus the scheduler settings.
type RebalanceConfig struct {
	Mode            string    `json:"mode" yaml:"mode"`
	DeadbandBps     model.Bps `json:"deadband_bps" yaml:"deadband_bps"`
	TriggerInterval string    `json:"trigger_interval" yaml:"trigger_interval"`
	MinValue        string    `json:"min_value,omitempty" yaml:"min_value,omitempty"`         // pooled value below which nothing moves
	MaxTransfers    int       `json:"max_transfers,omitempty" yaml:"max_transfers,omitempty"` // zero is unlimited
	Schedule        string    `json:"schedule" yaml:"schedule"`                               // cron with seconds; empty disables
	Timeout         string    `json:"timeout" yaml:"timeout"`
}

// JournalConfig selects where committed runs are recorded.
type JournalConfig struct {
	Type   string `json:"type" yaml:"type"` // "wal", "sqlite" or "none"
	Dir    string `json:"dir,omitempty" yaml:"dir,omitempty"`
	DBPath string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

// StrategyConfig installs one strategy at genesis.
type StrategyConfig struct {
	ID      string `json:"id" yaml:"id"`
	Price   string `json:"price" yaml:"price"`
	Reserve bool   `json:"reserve,omitempty" yaml:"reserve,omitempty"`
}

// Default returns a configuration that runs standalone on the in-memory
// store with the canonical profiles.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Store:  StoreConfig{CacheTTL: "30s"},
		Oracle: OracleConfig{
			Source:           "static",
			MaxAge:           "5m",
			MinConfidenceBps: 5000,
			MaxDeviationBps:  0,
		},
		Fund: FundConfig{
			MinDeposit: "1",
			MaxDeposit: "1000000",
			LockPeriod: "720h",
		},
		Rebalance: RebalanceConfig{
			Mode:            string(model.PolicyStrict),
			DeadbandBps:     100,
			TriggerInterval: "1h",
			Schedule:        "0 */5 * * * *",
			Timeout:         "30s",
		},
		Journal: JournalConfig{Type: "wal", Dir: "./wal/rebalance"},
		Strategies: []StrategyConfig{
			{ID: "KALE", Price: "1", Reserve: true},
			{ID: "BTC", Price: "1"},
			{ID: "USDC", Price: "1"},
			{ID: "XLM", Price: "1"},
		},
	}
}

// Load reads path (or starts from Default when path is empty), applies
// .env and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// LoadFromFile parses a config file. YAML is tried first, then JSON. Fields
// missing from the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, errors.Wrapf(jerr, "parse config (tried YAML and JSON; yaml: %v)", err)
		}
	}
	return cfg, nil
}

// SaveToFile writes the configuration as YAML for .yaml/.yml paths and as
// indented JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write config file")
	}
	return nil
}

// ApplyEnv overrides file values with PORT, DATABASE_URL, REDIS_URL,
// ADMIN_TOKEN and LOG_LEVEL when they are set.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "PORT %q", v)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	return nil
}

// Validate checks every field that later parsing depends on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("server.log_level must be debug, info, warn or error, got %q", c.Server.LogLevel)
	}
	if _, err := c.CacheTTL(); err != nil {
		return err
	}

	switch c.Oracle.Source {
	case "static":
	case "redis":
		if c.Store.RedisURL == "" {
			return errors.New("oracle.source redis requires store.redis_url")
		}
	default:
		return errors.Errorf("oracle.source must be static or redis, got %q", c.Oracle.Source)
	}
	if _, err := c.OracleMaxAge(); err != nil {
		return err
	}
	if err := checkBps("oracle.min_confidence_bps", c.Oracle.MinConfidenceBps); err != nil {
		return err
	}
	if c.Oracle.MaxDeviationBps < 0 {
		return errors.New("oracle.max_deviation_bps must not be negative")
	}

	if _, err := c.BookConfig(); err != nil {
		return err
	}
	if _, err := c.Limiter(); err != nil {
		return err
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := c.RebalanceTimeout(); err != nil {
		return err
	}

	switch c.Journal.Type {
	case "none":
	case "wal":
		if c.Journal.Dir == "" {
			return errors.New("journal.dir required for wal journal")
		}
	case "sqlite":
		if c.Journal.DBPath == "" {
			return errors.New("journal.db_path required for sqlite journal")
		}
	default:
		return errors.Errorf("journal.type must be wal, sqlite or none, got %q", c.Journal.Type)
	}

	reserves := 0
	seen := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if s.ID == "" {
			return errors.New("strategies: id is required")
		}
		if seen[s.ID] {
			return errors.Errorf("strategies: duplicate id %s", s.ID)
		}
		seen[s.ID] = true
		price, err := parseAmount("strategies."+s.ID+".price", s.Price)
		if err != nil {
			return err
		}
		if !price.IsPositive() {
			return errors.Errorf("strategies.%s.price must be positive", s.ID)
		}
		if s.Reserve {
			reserves++
			if !price.Equal(model.One) {
				return errors.Errorf("strategies.%s: reserve price is pinned to 1", s.ID)
			}
		}
	}
	if reserves != 1 {
		return errors.Errorf("strategies: exactly one reserve required, got %d", reserves)
	}
	return nil
}

// CacheTTL is the Redis read cache lifetime.
func (c *Config) CacheTTL() (time.Duration, error) {
	return parseDuration("store.cache_ttl", c.Store.CacheTTL)
}

// OracleMaxAge is the staleness bound of a price sample.
func (c *Config) OracleMaxAge() (time.Duration, error) {
	d, err := parseDuration("oracle.max_age", c.Oracle.MaxAge)
	if err == nil && d <= 0 {
		return 0, errors.New("oracle.max_age must be positive")
	}
	return d, err
}

// RebalanceTimeout bounds one scheduled run.
func (c *Config) RebalanceTimeout() (time.Duration, error) {
	return parseDuration("rebalance.timeout", c.Rebalance.Timeout)
}

// BookConfig returns the Position Book rules.
func (c *Config) BookConfig() (position.Config, error) {
	minDeposit, err := parseAmount("fund.min_deposit", c.Fund.MinDeposit)
	if err != nil {
		return position.Config{}, err
	}
	if !minDeposit.IsPositive() {
		return position.Config{}, errors.New("fund.min_deposit must be positive")
	}
	maxDeposit, err := parseAmount("fund.max_deposit", c.Fund.MaxDeposit)
	if err != nil {
		return position.Config{}, err
	}
	if maxDeposit.IsPositive() && maxDeposit.LessThan(minDeposit) {
		return position.Config{}, errors.New("fund.max_deposit must not be below fund.min_deposit")
	}
	lock, err := parseDuration("fund.lock_period", c.Fund.LockPeriod)
	if err != nil {
		return position.Config{}, err
	}
	if err := checkBps("fund.withdrawal_fee_bps", c.Fund.WithdrawalFeeBps); err != nil {
		return position.Config{}, err
	}
	if err := checkBps("fund.early_penalty_bps", c.Fund.EarlyPenaltyBps); err != nil {
		return position.Config{}, err
	}
	if c.Fund.WithdrawalFeeBps+c.Fund.EarlyPenaltyBps > model.FullWeight {
		return position.Config{}, errors.New("fund: fee plus penalty exceeds 100%")
	}
	return position.Config{
		MinDeposit:       minDeposit,
		MaxDeposit:       maxDeposit,
		LockPeriod:       lock,
		WithdrawalFeeBps: c.Fund.WithdrawalFeeBps,
		EarlyPenaltyBps:  c.Fund.EarlyPenaltyBps,
	}, nil
}

// Limiter returns the deposit limiter, or nil when no limit is set.
func (c *Config) Limiter() (*limits.DepositLimiter, error) {
	maxPosition, err := parseAmount("fund.max_position_value", c.Fund.MaxPositionValue)
	if err != nil {
		return nil, err
	}
	maxCohort, err := parseAmount("fund.max_cohort_value", c.Fund.MaxCohortValue)
	if err != nil {
		return nil, err
	}
	if maxPosition.IsZero() && maxCohort.IsZero() {
		return nil, nil
	}
	return limits.NewDepositLimiter(maxPosition, maxCohort), nil
}

// Policy returns the genesis rebalancing policy.
func (c *Config) Policy() (model.Policy, error) {
	mode := model.PolicyMode(c.Rebalance.Mode)
	if !mode.Valid() {
		return model.Policy{}, errors.Errorf("rebalance.mode must be strict or lenient, got %q", c.Rebalance.Mode)
	}
	if err := checkBps("rebalance.deadband_bps", c.Rebalance.DeadbandBps); err != nil {
		return model.Policy{}, err
	}
	interval, err := parseDuration("rebalance.trigger_interval", c.Rebalance.TriggerInterval)
	if err != nil {
		return model.Policy{}, err
	}
	minValue, err := parseAmount("rebalance.min_value", c.Rebalance.MinValue)
	if err != nil {
		return model.Policy{}, err
	}
	if c.Rebalance.MaxTransfers < 0 {
		return model.Policy{}, errors.Errorf("rebalance.max_transfers must not be negative, got %d", c.Rebalance.MaxTransfers)
	}
	return model.Policy{
		Mode:              mode,
		DeadbandBps:       c.Rebalance.DeadbandBps,
		TriggerInterval:   interval,
		MinRebalanceValue: minValue,
		MaxTransfers:      c.Rebalance.MaxTransfers,
	}, nil
}

// StrategyPrices returns the configured genesis valuation per strategy.
func (c *Config) StrategyPrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Strategies))
	for _, s := range c.Strategies {
		if p, err := decimal.NewFromString(s.Price); err == nil {
			out[s.ID] = p
		}
	}
	return out
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", field)
	}
	if d < 0 {
		return 0, errors.Errorf("%s must not be negative", field)
	}
	return d, nil
}

func parseAmount(field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "%s", field)
	}
	if d.IsNegative() {
		return decimal.Zero, errors.Errorf("%s must not be negative", field)
	}
	if !model.AtUnitScale(d) {
		return decimal.Zero, errors.Errorf("%s exceeds %d decimal places", field, model.UnitScale)
	}
	return d, nil
}

func checkBps(field string, v model.Bps) error {
	if v < 0 || v > model.FullWeight {
		return errors.Errorf("%s must be within 0..%d, got %d", field, model.FullWeight, v)
	}
	return nil
}
