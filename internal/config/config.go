// Package config loads and validates service configuration from the
// environment and an optional .env file.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"CUSTODIA_HTTP_ADDR"`
	// OpsGRPCAddr is the address of the gRPC health/ops listener; empty disables it.
	OpsGRPCAddr string `mapstructure:"CUSTODIA_OPS_GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN; empty keeps the in-memory stores.
	DatabaseURL string `mapstructure:"CUSTODIA_PG_DSN"`
	// SessionSecret signs portal session tokens (HS256). Required.
	SessionSecret string `mapstructure:"CUSTODIA_SESSION_SECRET"`
	// LinkSecret keys the signed-link HMAC. Required.
	LinkSecret string `mapstructure:"CUSTODIA_LINK_SECRET"`
	// SessionTTL is the portal session token lifetime (e.g. "30m").
	SessionTTL string `mapstructure:"CUSTODIA_SESSION_TTL"`
	// LinkTTL is the signed document link lifetime (e.g. "60s").
	LinkTTL string `mapstructure:"CUSTODIA_LINK_TTL"`
	// VerifierBaseURL is the base URL of the external proof verifier.
	VerifierBaseURL string `mapstructure:"CUSTODIA_VERIFIER_URL"`
	// RedirectURL is where a verified login is sent next.
	RedirectURL string `mapstructure:"CUSTODIA_LOGIN_REDIRECT"`
	// TOTPIssuer labels provisioning URIs in authenticator apps.
	TOTPIssuer string `mapstructure:"CUSTODIA_TOTP_ISSUER"`
	// RateBurst and RatePerSec tune the per-IP limiter.
	RateBurst  int `mapstructure:"CUSTODIA_RATE_BURST"`
	RatePerSec int `mapstructure:"CUSTODIA_RATE_PER_SEC"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Missing .env is ignored; env vars override .env values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore missing .env (e.g. in CI)

	v.AutomaticEnv()

	v.SetDefault("CUSTODIA_HTTP_ADDR", ":8080")
	v.SetDefault("CUSTODIA_OPS_GRPC_ADDR", "")
	v.SetDefault("CUSTODIA_PG_DSN", "")
	v.SetDefault("CUSTODIA_SESSION_SECRET", "")
	v.SetDefault("CUSTODIA_LINK_SECRET", "")
	v.SetDefault("CUSTODIA_SESSION_TTL", "30m")
	v.SetDefault("CUSTODIA_LINK_TTL", "60s")
	v.SetDefault("CUSTODIA_VERIFIER_URL", "")
	v.SetDefault("CUSTODIA_LOGIN_REDIRECT", "/dashboard")
	v.SetDefault("CUSTODIA_TOTP_ISSUER", "Custodia")
	v.SetDefault("CUSTODIA_RATE_BURST", 20)
	v.SetDefault("CUSTODIA_RATE_PER_SEC", 10)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: CUSTODIA_HTTP_ADDR must be set")
	}
	if cfg.SessionSecret == "" {
		return nil, errors.New("config: CUSTODIA_SESSION_SECRET must be set")
	}
	if cfg.LinkSecret == "" {
		return nil, errors.New("config: CUSTODIA_LINK_SECRET must be set")
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}

	return &cfg, nil
}

// SessionDuration parses SessionTTL, falling back to 30m.
func (c *Config) SessionDuration() time.Duration {
	d, err := time.ParseDuration(c.SessionTTL)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// LinkDuration parses LinkTTL, falling back to 60s.
func (c *Config) LinkDuration() time.Duration {
	d, err := time.ParseDuration(c.LinkTTL)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}
