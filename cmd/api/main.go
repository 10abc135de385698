package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/identra/identra/internal/api"
	"github.com/identra/identra/internal/audit"
	"github.com/identra/identra/internal/clientauth"
	"github.com/identra/identra/internal/config"
	"github.com/identra/identra/internal/crypto"
	"github.com/identra/identra/internal/metrics"
	"github.com/identra/identra/internal/oauth"
	"github.com/identra/identra/internal/rbac"
	"github.com/identra/identra/internal/session"
	"github.com/identra/identra/internal/store"
	"github.com/identra/identra/internal/store/memory"
	"github.com/identra/identra/internal/store/postgres"
	"github.com/identra/identra/pkg/logger"
)

func main() {
	// Production (Render, Fly) injects real env vars; the files only exist
	// in dev checkouts.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.Setup(cfg.Env)
	log.Info("application_startup", "env", cfg.Env)

	if err := cfg.Validate(); err != nil {
		log.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	sentryEnabled := false
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      cfg.Env,
		})
		if err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			sentryEnabled = true
			log.Info("sentry_initialized")
		}
	}

	ctx := context.Background()

	var db store.Store
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("database_connect_failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		db = pg
		log.Info("database_connected")
	} else {
		// Validate already rejected this in production.
		log.Warn("database_url_missing", "details", "using_in_memory_store")
		db = memory.New()
	}

	var sealer *crypto.Sealer
	if cfg.KeySealSecret != "" {
		var err error
		sealer, err = crypto.NewSealer(cfg.KeySealSecret)
		if err != nil {
			log.Error("key_seal_secret_invalid", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("key_seal_secret_missing", "details", "signing_keys_stored_unsealed")
	}

	km, err := crypto.NewKeyManager(db, sealer, cfg.JWTAlgorithm)
	if err != nil {
		log.Error("key_manager_init_failed", "error", err)
		os.Exit(1)
	}
	if err := km.Load(ctx); err != nil {
		log.Error("signing_key_load_failed", "error", err)
		os.Exit(1)
	}
	log.Info("signing_keys_loaded", "kid", km.Signer().ActiveKid())

	var permCache rbac.Cache = rbac.NewMemoryCache()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("redis_url_parse_failed", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("redis_ping_failed", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		permCache = rbac.NewRedisCache(rdb, log)
		log.Info("redis_connected")
	}

	m := metrics.New()
	auditor := audit.NewDBLogger(db, log, m)
	eval := rbac.NewEvaluator(db, permCache, cfg.PermissionCacheTTL, log)
	hasher := crypto.NewBcryptHasher()

	oauthSvc := oauth.NewService(db, eval, km.Signer(), auditor, m, &cfg, log)
	sessionSvc := session.NewService(db, db, db, hasher, km.Signer(), sealer, auditor, m, &cfg)
	fetcher := clientauth.NewJWKSFetcher(nil, cfg.JWKSCacheTTL)
	clientAuth := clientauth.New(db, db, hasher, fetcher, cfg.Issuer+"/token")

	server := api.NewServer(oauthSvc, sessionSvc, clientAuth, eval, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(&cfg, auditor, m, sentryEnabled),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	go sweepExpired(sweepCtx, db, km, cfg, log)

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("server_force_close_failed", "error", err)
			}
		}
		log.Info("server_shutdown_complete")
	}
}

// sweepExpired periodically removes expired codes, tokens, sessions and
// blacklist entries, and prunes signing keys retired long enough ago that
// nothing they signed can still be live.
func sweepExpired(ctx context.Context, db store.Store, km *crypto.KeyManager, cfg config.Config, log *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()
		var total int64
		for name, sweep := range map[string]func(context.Context, time.Time) (int64, error){
			"codes":     db.DeleteExpiredCodes,
			"tokens":    db.DeleteExpiredTokens,
			"sessions":  db.DeleteExpiredSessions,
			"blacklist": db.PruneBlacklist,
		} {
			n, err := sweep(ctx, now)
			if err != nil {
				log.Error("sweep_failed", "target", name, "error", err)
				continue
			}
			total += n
		}
		if total > 0 {
			log.Info("sweep_complete", "removed", total)
		}

		maxTTL := cfg.RefreshTokenTTL
		if cfg.AccessTokenTTL > maxTTL {
			maxTTL = cfg.AccessTokenTTL
		}
		if err := km.PruneRetired(ctx, maxTTL, now); err != nil {
			log.Error("key_prune_failed", "error", err)
		}
	}
}
