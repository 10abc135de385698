package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimit describes one token bucket: capacity and sustained refill rate.
type RateLimit struct {
	Capacity     int
	RefillPerSec float64
}

// Config is the resolved configuration snapshot for the authorization server.
// It is loaded once at startup and passed explicitly into each component;
// nothing reads the environment after Load returns.
type Config struct {
	Env  string
	Port string

	DatabaseURL string
	RedisURL    string // optional; enables the shared permission cache
	SentryDSN   string

	// Issuer is the value of the `iss` claim and the base of all discovery
	// endpoint URLs. Must be an absolute https URL in production.
	Issuer string

	// UIAudience is the `aud` claim of server-session JWTs, distinct from
	// OAuth access tokens which carry the client_id audience.
	UIAudience string

	// LoginURL and ConsentURL are the external collaborators /authorize
	// redirects to when a session or consent is missing.
	LoginURL   string
	ConsentURL string

	JWTAlgorithm string // RS256 (default), ES256 or PS256

	// KeySealSecret is the hex-encoded 32-byte AES key used to seal signing
	// key PEMs at rest. Mandatory in production.
	KeySealSecret string

	AccessTokenTTL       time.Duration // client override takes precedence
	RefreshTokenTTL      time.Duration
	AuthorizationCodeTTL time.Duration // capped at 10 minutes
	SessionTTL           time.Duration
	SessionJWTTTL        time.Duration
	JWKSCacheTTL         time.Duration // outbound JWKS caching (private_key_jwt)

	MaxLoginAttempts    int
	AccountLockDuration time.Duration

	PermissionCacheTTL time.Duration

	// RateLimits maps an endpoint name (authorize, token, introspect,
	// revoke, userinfo, login) to its bucket. Unlisted endpoints fall
	// back to DefaultRateLimit.
	RateLimits       map[string]RateLimit
	DefaultRateLimit RateLimit
}

// Load reads configuration from environment variables, applying the
// documented defaults. Validation of hard requirements (issuer, keys) is
// left to Validate so dev tooling can load partial config.
func Load() Config {
	cfg := Config{
		Env:         getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		SentryDSN:   os.Getenv("SENTRY_DSN"),

		Issuer:     getEnv("ISSUER", "http://localhost:8080"),
		UIAudience: getEnv("UI_AUDIENCE", "identra-ui"),
		LoginURL:   getEnv("LOGIN_URL", "/login"),
		ConsentURL: getEnv("CONSENT_URL", "/consent"),

		JWTAlgorithm:  getEnv("JWT_ALGORITHM", "RS256"),
		KeySealSecret: os.Getenv("KEY_SEAL_SECRET"),

		AccessTokenTTL:       getEnvAsDuration("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:      getEnvAsDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		AuthorizationCodeTTL: getEnvAsDuration("AUTHORIZATION_CODE_TTL", 10*time.Minute),
		SessionTTL:           getEnvAsDuration("SESSION_TTL", 7*24*time.Hour),
		SessionJWTTTL:        getEnvAsDuration("SESSION_JWT_TTL", 15*time.Minute),
		JWKSCacheTTL:         getEnvAsDuration("JWKS_CACHE_TTL", 10*time.Minute),

		MaxLoginAttempts:    getEnvAsInt("MAX_LOGIN_ATTEMPTS", 5),
		AccountLockDuration: getEnvAsDuration("ACCOUNT_LOCK_DURATION", 15*time.Minute),

		PermissionCacheTTL: getEnvAsDuration("PERMISSION_CACHE_TTL", time.Minute),

		DefaultRateLimit: RateLimit{Capacity: 10, RefillPerSec: 5},
		RateLimits:       loadRateLimits(),
	}

	// Authorization codes must stay short-lived regardless of operator input.
	if cfg.AuthorizationCodeTTL > 10*time.Minute {
		cfg.AuthorizationCodeTTL = 10 * time.Minute
	}

	return cfg
}

// Validate checks the hard requirements for serving protocol traffic.
func (c Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	switch c.JWTAlgorithm {
	case "RS256", "ES256", "PS256":
	default:
		return fmt.Errorf("unsupported jwt algorithm %q", c.JWTAlgorithm)
	}
	if c.Env == "production" {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.KeySealSecret == "" {
			return fmt.Errorf("KEY_SEAL_SECRET is required in production")
		}
		if !strings.HasPrefix(c.Issuer, "https://") {
			return fmt.Errorf("issuer must be https in production")
		}
	}
	return nil
}

// RateLimitFor returns the bucket for an endpoint name.
func (c Config) RateLimitFor(endpoint string) RateLimit {
	if rl, ok := c.RateLimits[endpoint]; ok {
		return rl
	}
	return c.DefaultRateLimit
}

// loadRateLimits parses RATE_LIMIT_<ENDPOINT>="capacity,refillPerSec" vars.
func loadRateLimits() map[string]RateLimit {
	limits := make(map[string]RateLimit)
	for _, endpoint := range []string{"authorize", "token", "introspect", "revoke", "userinfo", "login"} {
		raw := os.Getenv("RATE_LIMIT_" + strings.ToUpper(endpoint))
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, ",", 2)
		if len(parts) != 2 {
			continue
		}
		capacity, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		refill, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil || capacity <= 0 || refill <= 0 {
			continue
		}
		limits[endpoint] = RateLimit{Capacity: capacity, RefillPerSec: refill}
	}
	return limits
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

// getEnvAsDuration accepts either a Go duration string ("15m") or a plain
// number of seconds, matching how deployment files tend to express TTLs.
func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(valStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}
