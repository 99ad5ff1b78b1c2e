package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/licensegate/internal/api"
	"github.com/technosupport/licensegate/internal/config"
	"github.com/technosupport/licensegate/internal/discovery"
	"github.com/technosupport/licensegate/internal/events"
	"github.com/technosupport/licensegate/internal/ledger"
	"github.com/technosupport/licensegate/internal/ledger/memory"
	"github.com/technosupport/licensegate/internal/ledger/postgres"
	"github.com/technosupport/licensegate/internal/ledger/sqlite"
	"github.com/technosupport/licensegate/internal/lock"
	"github.com/technosupport/licensegate/internal/logging"
	"github.com/technosupport/licensegate/internal/metrics"
	"github.com/technosupport/licensegate/internal/middleware"
	"github.com/technosupport/licensegate/internal/protocols"
	"github.com/technosupport/licensegate/internal/purchase"
	"github.com/technosupport/licensegate/internal/ratelimit"
	"github.com/technosupport/licensegate/internal/tokens"
	"github.com/technosupport/licensegate/internal/wallet"
)

const serviceName = "licensegate"

func main() {
	cfgPath := flag.String("config", envOr("LICENSEGATE_CONFIG", "config/default.yaml"), "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type pinger interface {
	Ping(ctx context.Context) error
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Auth.JWTSigningKey == "" {
		return errors.New("JWT_SIGNING_KEY (auth.jwt_signing_key) is required")
	}

	m := metrics.NewCollector()
	var ready []func(context.Context) error

	// Redis
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		ready = append(ready, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	// Ledger storage
	store, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()
	if p, ok := store.(pinger); ok {
		ready = append(ready, p.Ping)
	}
	logger.Info("ledger storage ready", "backend", cfg.Storage.Backend)

	var locker lock.Locker = lock.NewLocal()
	if rdb != nil {
		locker = lock.NewRedis(rdb, "licensegate:lock:", cfg.Storage.LockTTL)
	}
	led, err := ledger.New(store, locker, cfg.Storage.Ledger, m, logger)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	// Wallet
	var w wallet.Wallet
	if cfg.Wallet.BaseURL != "" {
		w = wallet.NewHTTPClient(cfg.Wallet, m, logger)
	} else {
		logger.Warn("wallet.base_url not set, using the in-memory wallet; balances do not persist")
		w = wallet.NewMemory()
	}

	// Events
	var pub events.Publisher = events.Noop{}
	if cfg.NATS.Enabled() {
		nc, err := events.Connect(cfg.NATS.URL, serviceName, logger)
		if err != nil {
			return err
		}
		defer drainNATS(nc, logger)
		pub = events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, cfg.NATS.MaxRetries, logger)
		logger.Info("nats connected", "url", cfg.NATS.URL)
	}

	// Pricing policy and discovery
	policy, err := config.NewPolicyStore(cfg.PricingPolicyPath, nil, logger)
	if err != nil {
		return err
	}
	policy.Watch(ctx, cfg.PricingPoll)

	tokenCache := protocols.NewTokenCache()
	go tokenCache.Run(ctx, time.Minute)
	disc := discovery.NewService(cfg.Protocols.Chain(policy, tokenCache, logger), cfg.Discovery, m, logger)
	orch := purchase.New(led, w, pub, cfg.Purchase, m, logger)

	// Background sweeps
	ledger.NewJanitor(led, cfg.Janitor, m, logger).Start(ctx)

	// HTTP
	tm := tokens.NewManager(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	var revocations tokens.Revocations
	var rl *middleware.RateLimitMiddleware
	if rdb != nil {
		revocations = tokens.NewRedisRevocations(rdb)
		rl = middleware.NewRateLimitMiddleware(ratelimit.NewLimiter(rdb, cfg.Redis.IPSalt), cfg.RateLimit, m, logger)
	}

	handler := api.NewRouter(api.Deps{
		Discovery:   disc,
		Purchases:   orch,
		Metrics:     m,
		Auth:        middleware.NewJWTAuth(tm, revocations, logger),
		RateLimit:   rl,
		CORSOrigins: cfg.Server.CORSOrigins,
		Ready: func(ctx context.Context) error {
			for _, check := range ready {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		RequestTimeout: cfg.Server.WriteTimeout,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (ledger.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.BackendSQLite:
		s, err := sqlite.Open(cfg.SQLiteDir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func drainNATS(nc *nats.Conn, logger *slog.Logger) {
	if err := nc.Drain(); err != nil {
		logger.Warn("nats drain failed", "error", err)
	}
}
