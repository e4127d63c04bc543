package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// StripeSecretKey authenticates outbound calls to Stripe.
	StripeSecretKey string

	// StripeWebhookSecret is the signing secret shared with the Stripe webhook endpoint.
	StripeWebhookSecret string

	// AuthJWTSecret verifies HS256 bearer tokens issued by the identity provider.
	AuthJWTSecret string

	// OIDCIssuerURL and OIDCClientID verify ID tokens when the identity provider speaks OIDC.
	OIDCIssuerURL string
	OIDCClientID  string

	// RedisURL enables the entitlement read cache. Empty disables it.
	RedisURL string

	// AMQPURL enables entitlement-changed notifications. Empty disables them.
	AMQPURL string

	EntitlementCacheTTL time.Duration

	// GracePeriod bounds how long a past_due subscription keeps its tier. Zero keeps it indefinitely.
	GracePeriod time.Duration

	// ProcessorTimeout bounds each outbound Stripe request.
	ProcessorTimeout time.Duration

	// AllowedRedirectOrigins restricts checkout and portal return targets. Empty allows any http(s) URL.
	AllowedRedirectOrigins []string

	LogLevel  string
	LogFormat string

	WorkerConcurrency  int
	WorkerPollInterval time.Duration

	// GraceSweepInterval schedules the job that persists lapsed grace periods. Zero disables it.
	GraceSweepInterval time.Duration
}

const (
	defaultServerAddress       = ":18111"
	defaultEntitlementCacheTTL = 30 * time.Second
	defaultGracePeriodDays     = 14
	defaultProcessorTimeout    = 10 * time.Second
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultWorkerConcurrency   = 2
	defaultWorkerPollInterval  = 2 * time.Second
	defaultGraceSweepInterval  = time.Hour

	envServerAddress          = "BACKEND_ADDR"
	envDatabaseURL            = "DATABASE_URL"
	envStripeSecretKey        = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret    = "STRIPE_WEBHOOK_SECRET"
	envAuthJWTSecret          = "AUTH_JWT_SECRET"
	envOIDCIssuerURL          = "OIDC_ISSUER_URL"
	envOIDCClientID           = "OIDC_CLIENT_ID"
	envRedisURL               = "REDIS_URL"
	envAMQPURL                = "AMQP_URL"
	envEntitlementCacheTTL    = "ENTITLEMENT_CACHE_TTL"
	envGracePeriodDays        = "GRACE_PERIOD_DAYS"
	envProcessorTimeout       = "PROCESSOR_TIMEOUT"
	envAllowedRedirectOrigins = "ALLOWED_REDIRECT_ORIGINS"
	envLogLevel               = "LOG_LEVEL"
	envLogFormat              = "LOG_FORMAT"
	envWorkerConcurrency      = "WORKER_CONCURRENCY"
	envWorkerPollInterval     = "WORKER_POLL_INTERVAL"
	envGraceSweepInterval     = "GRACE_SWEEP_INTERVAL"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         os.Getenv(envDatabaseURL),
		StripeSecretKey:     os.Getenv(envStripeSecretKey),
		StripeWebhookSecret: os.Getenv(envStripeWebhookSecret),
		AuthJWTSecret:       os.Getenv(envAuthJWTSecret),
		OIDCIssuerURL:       os.Getenv(envOIDCIssuerURL),
		OIDCClientID:        os.Getenv(envOIDCClientID),
		RedisURL:            os.Getenv(envRedisURL),
		AMQPURL:             os.Getenv(envAMQPURL),
		LogLevel:            firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		LogFormat:           firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if cfg.StripeSecretKey == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeSecretKey)
	}
	if cfg.StripeWebhookSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeWebhookSecret)
	}
	if cfg.AuthJWTSecret == "" && cfg.OIDCIssuerURL == "" {
		return Config{}, fmt.Errorf("%s or %s is required", envAuthJWTSecret, envOIDCIssuerURL)
	}
	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID == "" {
		return Config{}, fmt.Errorf("%s is required when %s is set", envOIDCClientID, envOIDCIssuerURL)
	}

	var err error
	if cfg.EntitlementCacheTTL, err = durationEnv(envEntitlementCacheTTL, defaultEntitlementCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.ProcessorTimeout, err = durationEnv(envProcessorTimeout, defaultProcessorTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WorkerPollInterval, err = durationEnv(envWorkerPollInterval, defaultWorkerPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.GraceSweepInterval, err = durationEnv(envGraceSweepInterval, defaultGraceSweepInterval); err != nil {
		return Config{}, err
	}

	graceDays, err := intEnv(envGracePeriodDays, defaultGracePeriodDays)
	if err != nil {
		return Config{}, err
	}
	if graceDays < 0 {
		return Config{}, fmt.Errorf("invalid %s: must not be negative", envGracePeriodDays)
	}
	cfg.GracePeriod = time.Duration(graceDays) * 24 * time.Hour

	if cfg.WorkerConcurrency, err = intEnv(envWorkerConcurrency, defaultWorkerConcurrency); err != nil {
		return Config{}, err
	}

	origins, err := parseOrigins(os.Getenv(envAllowedRedirectOrigins))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envAllowedRedirectOrigins, err)
	}
	cfg.AllowedRedirectOrigins = origins

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func durationEnv(env string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	return d, nil
}

func intEnv(env string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	return n, nil
}

// parseOrigins normalizes a comma separated origin list to scheme://host form.
func parseOrigins(raw string) ([]string, error) {
	var origins []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		u, err := url.Parse(part)
		if err != nil {
			return nil, err
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("origin %q must include scheme and host", part)
		}
		origins = append(origins, strings.ToLower(u.Scheme+"://"+u.Host))
	}
	return origins, nil
}
