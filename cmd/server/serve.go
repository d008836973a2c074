package main

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kalefund/fund-engine/internal/config"
	"github.com/kalefund/fund-engine/internal/fund"
	"github.com/kalefund/fund-engine/internal/journal"
	"github.com/kalefund/fund-engine/internal/metrics"
	"github.com/kalefund/fund-engine/internal/position"
	"github.com/kalefund/fund-engine/internal/pricefeed"
	"github.com/kalefund/fund-engine/internal/rebalance"
	"github.com/kalefund/fund-engine/internal/scheduler"
	"github.com/kalefund/fund-engine/internal/store"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the rebalance scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Server.LogLevel, cfg.Server.Dev)
			if err != nil {
				return errors.Wrap(err, "init logger")
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (YAML or JSON); defaults apply when empty")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache + oracle relay) ---
	var rdb *redis.Client
	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return errors.Wrap(err, "invalid REDIS_URL")
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Store ---
	var st store.Store
	if cfg.Store.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "database connection failed")
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return errors.Wrap(err, "migrate")
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		if rdb != nil {
			ttl, _ := cfg.CacheTTL()
			st = store.NewCachedStore(st, rdb, ttl)
			logger.Info("Redis cache enabled", zap.Duration("ttl", ttl))
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Genesis ---
	policy, _ := cfg.Policy()
	deployCfg := fund.DeployConfig{Profiles: cfg.Profiles, Policy: policy}
	prices := cfg.StrategyPrices()
	for _, s := range cfg.Strategies {
		deployCfg.Strategies = append(deployCfg.Strategies, fund.StrategySeed{ID: s.ID, Price: prices[s.ID], Reserve: s.Reserve})
	}
	now := time.Now()
	deployed, err := fund.Deploy(ctx, st, deployCfg, now)
	if err != nil {
		return errors.Wrap(err, "deploy")
	}
	if deployed {
		logger.Info("pool deployed", zap.Int("strategies", len(deployCfg.Strategies)))
		logger.Info("strategy venues settle gains from their own accounts; credit them through /api/v1/admin/accounts/venue:<ID>/credit")
	}

	// --- Price feed ---
	var (
		oracle    pricefeed.Oracle
		publisher pricefeed.Publisher
	)
	switch cfg.Oracle.Source {
	case "redis":
		ro := pricefeed.NewRedisOracle(rdb)
		oracle, publisher = ro, ro
	default:
		so := pricefeed.NewStaticOracle()
		for _, s := range cfg.Strategies {
			if !s.Reserve {
				so.Set(s.ID, pricefeed.Quote{Price: prices[s.ID], Epoch: now.Unix(), Confidence: 10000, Source: "config"})
			}
		}
		oracle, publisher = so, so
		logger.Warn("static oracle: prices go stale unless refreshed through /api/v1/admin/prices")
	}
	maxAge, _ := cfg.OracleMaxAge()
	feed := pricefeed.NewFeed(oracle,
		pricefeed.WithMaxAge(maxAge),
		pricefeed.WithMinConfidence(cfg.Oracle.MinConfidenceBps),
	)

	// --- Journal ---
	var j journal.Journal
	switch cfg.Journal.Type {
	case "wal":
		wj, err := journal.NewWALJournal(cfg.Journal.Dir)
		if err != nil {
			return err
		}
		j = wj
	case "sqlite":
		sj, err := journal.OpenSQLite(ctx, cfg.Journal.DBPath)
		if err != nil {
			return err
		}
		j = sj
	}
	if j != nil {
		cleanup = append(cleanup, func() {
			if err := j.Close(); err != nil {
				logger.Error("journal close", zap.Error(err))
			}
		})
	}

	// --- Book + engine ---
	bookCfg, _ := cfg.BookConfig()
	limiter, _ := cfg.Limiter()
	var bookOpts []position.Option
	if limiter != nil {
		bookOpts = append(bookOpts, position.WithLimiter(limiter))
	}
	book := position.NewBook(st, bookCfg, logger.Named("book"), bookOpts...)

	engineOpts := []rebalance.Option{rebalance.WithMaxDeviation(cfg.Oracle.MaxDeviationBps)}
	if j != nil {
		engineOpts = append(engineOpts, rebalance.WithJournal(j))
	}
	engine := rebalance.NewEngine(st, feed, logger.Named("rebalance"), engineOpts...)

	// --- WebSocket hub ---
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := fund.NewWSHub(logger.Named("ws"))
	go hub.Run(hubCtx)

	svcOpts := []fund.Option{
		fund.WithHub(hub),
		fund.WithPublisher(publisher),
		fund.WithAdminToken(cfg.Server.AdminToken),
	}
	if j != nil {
		svcOpts = append(svcOpts, fund.WithJournal(j))
	}
	svc := fund.NewService(st, book, engine, logger.Named("fund"), svcOpts...)
	if cfg.Server.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, governance endpoints are disabled")
	}

	// --- Scheduler ---
	sched := scheduler.New(logger)
	if cfg.Rebalance.Schedule != "" {
		timeout, _ := cfg.RebalanceTimeout()
		if err := sched.AddJob(cfg.Rebalance.Schedule, scheduler.RebalanceJob(svc, timeout)); err != nil {
			return err
		}
	}
	sched.Start()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+fund.AdminTokenHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"fund-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("fund-engine listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(err, "server error")
		}
	case <-ctx.Done():
	}

	// Graceful shutdown: stop taking requests, then let an in-flight
	// rebalance finish before the store closes. A run still going when the
	// deadline passes is cancelled and rolls back.
	logger.Info("shutting down fund-engine...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler stop", zap.Error(err))
	}
	stopHub()
	logger.Info("fund-engine stopped")
	return nil
}
