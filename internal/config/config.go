// Package config loads the license engine configuration from the
// environment.
//
// Sources, lowest precedence first:
//   - .env in the data directory (deployment overrides)
//   - .env in the working directory (development)
//   - process environment
//
// Secrets are read once at startup. Only the tunables listed in
// Tunables are re-applied by the Watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	lerrors "github.com/rcourtman/campus-license/internal/errors"
	"github.com/rs/zerolog/log"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StoreSQLite  = "sqlite"
	StoreMongoDB = "mongodb"

	defaultDataDir          = "./data"
	defaultDurationDays     = 365
	defaultExpiringSoonDays = 30
	defaultSweepInterval    = 24 * time.Hour
	defaultHexMaxSkew       = 24 * time.Hour
	defaultKafkaTopic       = "license-notifications"
	defaultMongoDatabase    = "campus_license"
	defaultMetricsAddr      = ":9464"
)

// Config holds all engine configuration.
type Config struct {
	Env     string
	DataDir string
	EnvFile string

	// Secrets
	HashSecret           string
	TokenSecret          string
	TokenPreviousSecrets []string
	HexSecret            string
	EncryptionSecret     string
	AuditSecret          string

	DefaultDurationDays int
	TokenTTL            time.Duration

	Mode               string
	HashMode           string
	Issuer             string
	HexMaxSkew         time.Duration
	SweepInterval      time.Duration
	AuditRetentionDays int

	Store         string
	MongoURI      string
	MongoDatabase string

	WebhookURL   string
	KafkaBrokers []string
	KafkaTopic   string

	LogFormat   string
	MetricsAddr string

	Tunables
}

// Tunables are the settings that may change while the daemon runs.
type Tunables struct {
	ExpiringSoonDays int
	AdminEmails      []string
	LogLevel         string
}

// IsProduction reports whether LICENSE_ENV is production.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Load reads .env files (best effort) and the environment. Malformed
// values are reported together; missing secrets are left for Validate.
func Load() (*Config, error) {
	dataDir := defaultDataDir
	if dir := strings.TrimSpace(os.Getenv("LICENSE_DATA_DIR")); dir != "" {
		dataDir = dir
	}

	envFile := os.Getenv("LICENSE_ENV_FILE")
	if envFile == "" {
		envFile = filepath.Join(dataDir, ".env")
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Debug().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	return fromLookup(os.Getenv, dataDir, envFile)
}

// fromLookup builds a Config from a key lookup so tests can avoid the
// process environment.
func fromLookup(getenv func(string) string, dataDir, envFile string) (*Config, error) {
	p := &parser{getenv: getenv}

	cfg := &Config{
		Env:                  strings.ToLower(p.str("LICENSE_ENV", EnvDevelopment)),
		DataDir:              dataDir,
		EnvFile:              envFile,
		HashSecret:           p.secret("LICENSE_HASH_SECRET"),
		TokenSecret:          p.secret("LICENSE_TOKEN_SECRET"),
		TokenPreviousSecrets: p.list("LICENSE_TOKEN_PREVIOUS_SECRETS"),
		HexSecret:            p.secret("LICENSE_HEX_SECRET"),
		EncryptionSecret:     p.secret("LICENSE_ENCRYPTION_SECRET"),
		AuditSecret:          p.secret("LICENSE_AUDIT_SECRET"),
		Mode:                 strings.ToLower(p.str("LICENSE_MODE", "hybrid")),
		HashMode:             strings.ToLower(p.str("LICENSE_HASH_MODE", "hmac")),
		Issuer:               p.str("LICENSE_ISSUER", ""),
		HexMaxSkew:           p.duration("LICENSE_HEX_MAX_SKEW", defaultHexMaxSkew),
		SweepInterval:        p.duration("LICENSE_SWEEP_INTERVAL", defaultSweepInterval),
		AuditRetentionDays:   p.integer("LICENSE_AUDIT_RETENTION_DAYS", 0),
		Store:                strings.ToLower(p.str("LICENSE_STORE", StoreSQLite)),
		MongoURI:             p.str("LICENSE_MONGO_URI", ""),
		MongoDatabase:        p.str("LICENSE_MONGO_DATABASE", defaultMongoDatabase),
		WebhookURL:           p.str("LICENSE_WEBHOOK_URL", ""),
		KafkaBrokers:         p.list("LICENSE_KAFKA_BROKERS"),
		KafkaTopic:           p.str("LICENSE_KAFKA_TOPIC", defaultKafkaTopic),
		LogFormat:            strings.ToLower(p.str("LOG_FORMAT", "auto")),
		MetricsAddr:          p.str("METRICS_ADDR", defaultMetricsAddr),
		Tunables:             tunablesFrom(p),
	}

	// production refuses to guess lifetimes
	if cfg.IsProduction() {
		cfg.DefaultDurationDays = p.requiredInteger("LICENSE_DEFAULT_DURATION_DAYS")
		cfg.TokenTTL = p.requiredDuration("LICENSE_TOKEN_TTL")
	} else {
		cfg.DefaultDurationDays = p.integer("LICENSE_DEFAULT_DURATION_DAYS", defaultDurationDays)
		cfg.TokenTTL = p.duration("LICENSE_TOKEN_TTL", 0)
	}

	if err := p.errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func tunablesFrom(p *parser) Tunables {
	return Tunables{
		ExpiringSoonDays: p.integer("LICENSE_EXPIRING_SOON_DAYS", defaultExpiringSoonDays),
		AdminEmails:      p.list("LICENSE_ADMIN_EMAILS"),
		LogLevel:         strings.ToLower(p.str("LOG_LEVEL", "info")),
	}
}

// Validate reports every problem at once. Missing secrets are grouped
// into a single ConfigError.
func (c *Config) Validate() error {
	var result *multierror.Error

	var missing []string
	for _, s := range []struct {
		key, value string
	}{
		{"LICENSE_HASH_SECRET", c.HashSecret},
		{"LICENSE_TOKEN_SECRET", c.TokenSecret},
		{"LICENSE_HEX_SECRET", c.HexSecret},
		{"LICENSE_ENCRYPTION_SECRET", c.EncryptionSecret},
		{"LICENSE_AUDIT_SECRET", c.AuditSecret},
	} {
		if s.value == "" {
			missing = append(missing, s.key)
		}
	}
	if len(missing) > 0 {
		result = multierror.Append(result, lerrors.NewConfigError("required secret is not set", missing...))
	}

	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		result = multierror.Append(result, lerrors.NewConfigError(fmt.Sprintf("unknown environment %q", c.Env), "LICENSE_ENV"))
	}
	switch c.Mode {
	case "online", "offline", "hybrid":
	default:
		result = multierror.Append(result, lerrors.NewConfigError(fmt.Sprintf("unknown mode %q", c.Mode), "LICENSE_MODE"))
	}
	switch c.HashMode {
	case "hmac", "legacy":
	default:
		result = multierror.Append(result, lerrors.NewConfigError(fmt.Sprintf("unknown hash mode %q", c.HashMode), "LICENSE_HASH_MODE"))
	}
	switch c.Store {
	case StoreSQLite:
		if c.DataDir == "" {
			result = multierror.Append(result, lerrors.NewConfigError("data directory is required for the sqlite store", "LICENSE_DATA_DIR"))
		}
	case StoreMongoDB:
		if c.MongoURI == "" {
			result = multierror.Append(result, lerrors.NewConfigError("mongodb uri is required for the mongodb store", "LICENSE_MONGO_URI"))
		}
	default:
		result = multierror.Append(result, lerrors.NewConfigError(fmt.Sprintf("unknown store %q", c.Store), "LICENSE_STORE"))
	}

	if c.DefaultDurationDays <= 0 {
		result = multierror.Append(result, lerrors.NewConfigError("must be a positive number of days", "LICENSE_DEFAULT_DURATION_DAYS"))
	}
	if c.TokenTTL < 0 {
		result = multierror.Append(result, lerrors.NewConfigError("must not be negative", "LICENSE_TOKEN_TTL"))
	}
	if c.HexMaxSkew <= 0 {
		result = multierror.Append(result, lerrors.NewConfigError("must be positive", "LICENSE_HEX_MAX_SKEW"))
	}
	if c.SweepInterval < time.Minute {
		result = multierror.Append(result, lerrors.NewConfigError("must be at least 1m", "LICENSE_SWEEP_INTERVAL"))
	}
	if c.ExpiringSoonDays <= 0 {
		result = multierror.Append(result, lerrors.NewConfigError("must be positive", "LICENSE_EXPIRING_SOON_DAYS"))
	}
	if c.AuditRetentionDays < 0 {
		result = multierror.Append(result, lerrors.NewConfigError("must not be negative", "LICENSE_AUDIT_RETENTION_DAYS"))
	}

	return result.ErrorOrNil()
}

// DefaultDuration is DefaultDurationDays as a duration.
func (c *Config) DefaultDuration() time.Duration {
	return time.Duration(c.DefaultDurationDays) * 24 * time.Hour
}

// ExpiringSoonWindow is ExpiringSoonDays as a duration.
func (t Tunables) ExpiringSoonWindow() time.Duration {
	return time.Duration(t.ExpiringSoonDays) * 24 * time.Hour
}

type parser struct {
	getenv func(string) string
	errs   *multierror.Error
}

func (p *parser) raw(key string) string {
	// quotes survive when values are exported by hand
	return strings.Trim(strings.TrimSpace(p.getenv(key)), `'"`)
}

func (p *parser) str(key, def string) string {
	if v := p.raw(key); v != "" {
		return v
	}
	return def
}

func (p *parser) secret(key string) string {
	return strings.TrimSpace(p.getenv(key))
}

func (p *parser) list(key string) []string {
	v := p.raw(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (p *parser) integer(key string, def int) int {
	v := p.raw(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = multierror.Append(p.errs, lerrors.NewConfigError(fmt.Sprintf("invalid integer %q", v), key))
		return def
	}
	return n
}

func (p *parser) requiredInteger(key string) int {
	if p.raw(key) == "" {
		p.errs = multierror.Append(p.errs, lerrors.NewConfigError("required in production", key))
		return 0
	}
	return p.integer(key, 0)
}

// duration accepts Go durations ("36h") and bare seconds ("3600").
func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.raw(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = multierror.Append(p.errs, lerrors.NewConfigError(fmt.Sprintf("invalid duration %q", v), key))
		return def
	}
	return d
}

func (p *parser) requiredDuration(key string) time.Duration {
	if p.raw(key) == "" {
		p.errs = multierror.Append(p.errs, lerrors.NewConfigError("required in production", key))
		return 0
	}
	return p.duration(key, 0)
}
