package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/tarot-reading/backend/internal/billing"
	"github.com/PortNumber53/tarot-reading/backend/internal/cache"
	"github.com/PortNumber53/tarot-reading/backend/internal/config"
	"github.com/PortNumber53/tarot-reading/backend/internal/events"
	"github.com/PortNumber53/tarot-reading/backend/internal/handlers"
	"github.com/PortNumber53/tarot-reading/backend/internal/httpserver"
	"github.com/PortNumber53/tarot-reading/backend/internal/identity"
	"github.com/PortNumber53/tarot-reading/backend/internal/logging"
	"github.com/PortNumber53/tarot-reading/backend/internal/migrations"
	"github.com/PortNumber53/tarot-reading/backend/internal/store"
	"github.com/PortNumber53/tarot-reading/backend/internal/stripe"
	"github.com/PortNumber53/tarot-reading/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}
	plans, err := store.NewPlanStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create plan store")
	}
	jobs, err := store.NewJobStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create job store")
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure identity verifier")
	}

	opts := billing.Options{
		GracePeriod:            cfg.GracePeriod,
		AllowedRedirectOrigins: cfg.AllowedRedirectOrigins,
	}
	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("entitlement cache unavailable; reading through to postgres")
		} else {
			defer client.Close()
			opts.Cache = cache.New(client, cfg.EntitlementCacheTTL)
		}
	}

	svc := billing.NewService(st, plans, stripe.NewClient(cfg.StripeSecretKey, cfg.ProcessorTimeout), opts)

	var notifier worker.Notifier
	if cfg.AMQPURL != "" {
		publisher, err := events.NewPublisher(cfg.AMQPURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure entitlement publisher")
		}
		notifier = publisher
	}

	wcfg := worker.DefaultConfig()
	wcfg.MaxConcurrent = cfg.WorkerConcurrency
	wcfg.PollInterval = cfg.WorkerPollInterval
	w := worker.New(wcfg, jobs)
	worker.RegisterBillingJobs(w, notifier, svc, cfg.GraceSweepInterval)

	srv := httpserver.New(cfg, httpserver.Deps{
		Store:   st,
		Billing: handlers.NewBillingHandler(svc, verifier, cfg.StripeWebhookSecret),
		Worker:  w,
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.ServerAddress).Msg("backend starting")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

// newVerifier prefers OIDC when an issuer is configured. The provider keeps
// its context for key refreshes, so it must outlive startup.
func newVerifier(cfg config.Config) (identity.Verifier, error) {
	if cfg.OIDCIssuerURL != "" {
		return identity.NewOIDCVerifier(context.Background(), cfg.OIDCIssuerURL, cfg.OIDCClientID)
	}
	return identity.NewHMACVerifier(cfg.AuthJWTSecret), nil
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	if err := migrations.Up(db); err != nil {
		log.Warn().Err(err).Str("db", name).Msg("migrations: error detected")
		if strings.Contains(err.Error(), "Dirty database version") {
			log.Warn().Str("db", name).Msg("migrations: dirty database detected, attempting to fix")
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				log.Error().Err(fixErr).Str("db", name).Msg("migrations: failed to fix dirty database")
				return err
			}
			return migrations.Up(db)
		}
		return err
	}
	return nil
}

func logDBTarget(name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Err(err).Str("db", name).Msg("db configured (dsn parse error)")
		return
	}
	log.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("db target")
}
