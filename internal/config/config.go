// Package config loads service configuration from the environment and an optional file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "BIZREG"

// Config is the fully resolved service configuration.
type Config struct {
	HTTP      HTTPConfig
	Postgres  PostgresConfig
	Auth      AuthConfig
	Audit     AuditConfig
	RateLimit RateLimitConfig
	LogLevel  string
}

type HTTPConfig struct {
	Addr         string
	MaxBodyBytes int64
	// TrustedProxies are CIDRs or addresses allowed to set X-Forwarded-For.
	TrustedProxies []string
}

type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
}

// IssuerConfig describes one trusted token issuer.
type IssuerConfig struct {
	Issuer       string
	JWKSURL      string
	SubjectClaim string
	PartyClaim   string
	RolesClaim   string
	ClientClaims []string
}

type AuthConfig struct {
	Audience           string
	IssuerA            IssuerConfig
	IssuerB            IssuerConfig
	KeyTTL             time.Duration
	FetchTimeout       time.Duration
	FetchBudget        time.Duration
	FetchAttempts      int
	MinRefreshInterval time.Duration
	UsageWriteTimeout  time.Duration
}

type AuditConfig struct {
	GrantedSampleRate float64
	Persist           bool
}

type RateLimitConfig struct {
	Burst     int
	PerSecond int
}

// Load reads configuration. Values come from BIZREG_* environment variables
// (dots replaced by underscores, e.g. BIZREG_AUTH_ISSUER_A_ISSUER) and, when
// BIZREG_CONFIG names a file, from that file first.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	return FromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("pg.max_open_conns", 10)
	v.SetDefault("auth.issuer_a.subject_claim", "oid")
	v.SetDefault("auth.issuer_a.party_claim", "party_id")
	v.SetDefault("auth.issuer_a.roles_claim", "roles")
	v.SetDefault("auth.issuer_a.client_claims", []string{"azp", "client_id"})
	v.SetDefault("auth.issuer_b.client_claims", []string{"azp", "client_id"})
	v.SetDefault("auth.key_ttl", 10*time.Minute)
	v.SetDefault("auth.fetch_timeout", 3*time.Second)
	v.SetDefault("auth.fetch_budget", 4*time.Second)
	v.SetDefault("auth.fetch_attempts", 3)
	v.SetDefault("auth.min_refresh_interval", 15*time.Second)
	v.SetDefault("auth.usage_write_timeout", 2*time.Second)
	v.SetDefault("audit.granted_sample_rate", 0.0)
	v.SetDefault("audit.persist", true)
	v.SetDefault("ratelimit.burst", 40)
	v.SetDefault("ratelimit.per_second", 20)
	v.SetDefault("log.level", "info")
}

// FromViper builds and validates a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Addr:           v.GetString("http.addr"),
			MaxBodyBytes:   v.GetInt64("http.max_body_bytes"),
			TrustedProxies: v.GetStringSlice("http.trusted_proxies"),
		},
		Postgres: PostgresConfig{
			DSN:          v.GetString("pg.dsn"),
			MaxOpenConns: v.GetInt("pg.max_open_conns"),
		},
		Auth: AuthConfig{
			Audience:           v.GetString("auth.audience"),
			IssuerA:            issuerFrom(v, "auth.issuer_a"),
			IssuerB:            issuerFrom(v, "auth.issuer_b"),
			KeyTTL:             v.GetDuration("auth.key_ttl"),
			FetchTimeout:       v.GetDuration("auth.fetch_timeout"),
			FetchBudget:        v.GetDuration("auth.fetch_budget"),
			FetchAttempts:      v.GetInt("auth.fetch_attempts"),
			MinRefreshInterval: v.GetDuration("auth.min_refresh_interval"),
			UsageWriteTimeout:  v.GetDuration("auth.usage_write_timeout"),
		},
		Audit: AuditConfig{
			GrantedSampleRate: v.GetFloat64("audit.granted_sample_rate"),
			Persist:           v.GetBool("audit.persist"),
		},
		RateLimit: RateLimitConfig{
			Burst:     v.GetInt("ratelimit.burst"),
			PerSecond: v.GetInt("ratelimit.per_second"),
		},
		LogLevel: v.GetString("log.level"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func issuerFrom(v *viper.Viper, prefix string) IssuerConfig {
	return IssuerConfig{
		Issuer:       v.GetString(prefix + ".issuer"),
		JWKSURL:      v.GetString(prefix + ".jwks_url"),
		SubjectClaim: v.GetString(prefix + ".subject_claim"),
		PartyClaim:   v.GetString(prefix + ".party_claim"),
		RolesClaim:   v.GetString(prefix + ".roles_claim"),
		ClientClaims: v.GetStringSlice(prefix + ".client_claims"),
	}
}

// Validate reports missing or inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.Audience) == "" {
		errs = append(errs, errors.New("auth.audience is required"))
	}
	for name, iss := range map[string]IssuerConfig{"issuer_a": c.Auth.IssuerA, "issuer_b": c.Auth.IssuerB} {
		if iss.Issuer == "" {
			errs = append(errs, fmt.Errorf("auth.%s.issuer is required", name))
		}
		if iss.JWKSURL == "" {
			errs = append(errs, fmt.Errorf("auth.%s.jwks_url is required", name))
		}
	}
	if c.Auth.IssuerA.Issuer != "" && c.Auth.IssuerA.Issuer == c.Auth.IssuerB.Issuer {
		errs = append(errs, errors.New("auth.issuer_a and auth.issuer_b must differ"))
	}
	if c.Auth.FetchAttempts < 1 {
		errs = append(errs, errors.New("auth.fetch_attempts must be at least 1"))
	}
	if c.Auth.KeyTTL <= 0 {
		errs = append(errs, errors.New("auth.key_ttl must be positive"))
	}
	if c.Audit.GrantedSampleRate < 0 || c.Audit.GrantedSampleRate > 1 {
		errs = append(errs, errors.New("audit.granted_sample_rate must be within [0,1]"))
	}
	return errors.Join(errs...)
}
