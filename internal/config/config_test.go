package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	lerrors "github.com/rcourtman/campus-license/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(env map[string]string) func(string) string {
	return func(key string) string { return env[key] }
}

func secrets() map[string]string {
	return map[string]string{
		"LICENSE_HASH_SECRET":       "h",
		"LICENSE_TOKEN_SECRET":      "t",
		"LICENSE_HEX_SECRET":        "x",
		"LICENSE_ENCRYPTION_SECRET": "e",
		"LICENSE_AUDIT_SECRET":      "a",
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := fromLookup(lookup(secrets()), "/data", "/data/.env")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 365, cfg.DefaultDurationDays)
	assert.Equal(t, 365*24*time.Hour, cfg.DefaultDuration())
	assert.Zero(t, cfg.TokenTTL)
	assert.Equal(t, "hybrid", cfg.Mode)
	assert.Equal(t, "hmac", cfg.HashMode)
	assert.Equal(t, 24*time.Hour, cfg.HexMaxSkew)
	assert.Equal(t, 24*time.Hour, cfg.SweepInterval)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, 30, cfg.ExpiringSoonDays)
	assert.Equal(t, 30*24*time.Hour, cfg.ExpiringSoonWindow())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Nil(t, cfg.KafkaBrokers)
}

func TestOverrides(t *testing.T) {
	env := secrets()
	env["LICENSE_MODE"] = "OFFLINE"
	env["LICENSE_TOKEN_TTL"] = "3600"
	env["LICENSE_SWEEP_INTERVAL"] = "6h"
	env["LICENSE_KAFKA_BROKERS"] = "kafka-1:9092, kafka-2:9092,"
	env["LICENSE_ADMIN_EMAILS"] = `"ops@example.com,security@example.com"`
	env["LICENSE_TOKEN_PREVIOUS_SECRETS"] = "old-1,old-2"

	cfg, err := fromLookup(lookup(env), "/data", "")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "offline", cfg.Mode)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, 6*time.Hour, cfg.SweepInterval)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"ops@example.com", "security@example.com"}, cfg.AdminEmails)
	assert.Equal(t, []string{"old-1", "old-2"}, cfg.TokenPreviousSecrets)
}

func TestMalformedValuesAreCollected(t *testing.T) {
	env := secrets()
	env["LICENSE_DEFAULT_DURATION_DAYS"] = "a year"
	env["LICENSE_HEX_MAX_SKEW"] = "soon"

	_, err := fromLookup(lookup(env), "/data", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LICENSE_DEFAULT_DURATION_DAYS")
	assert.Contains(t, err.Error(), "LICENSE_HEX_MAX_SKEW")

	var cfgErr *lerrors.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestProductionRequiresLifetimes(t *testing.T) {
	env := secrets()
	env["LICENSE_ENV"] = "production"

	_, err := fromLookup(lookup(env), "/data", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LICENSE_DEFAULT_DURATION_DAYS")
	assert.Contains(t, err.Error(), "LICENSE_TOKEN_TTL")

	env["LICENSE_DEFAULT_DURATION_DAYS"] = "180"
	env["LICENSE_TOKEN_TTL"] = "24h"
	cfg, err := fromLookup(lookup(env), "/data", "")
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 180, cfg.DefaultDurationDays)
}

func TestValidateGroupsMissingSecrets(t *testing.T) {
	cfg, err := fromLookup(lookup(map[string]string{"LICENSE_HASH_SECRET": "h"}), "/data", "")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	var cfgErr *lerrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, []string{
		"LICENSE_TOKEN_SECRET",
		"LICENSE_HEX_SECRET",
		"LICENSE_ENCRYPTION_SECRET",
		"LICENSE_AUDIT_SECRET",
	}, cfgErr.Keys)
	assert.Equal(t, lerrors.KindConfig, lerrors.KindOf(err))
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"mode", "LICENSE_MODE", "sometimes"},
		{"hash mode", "LICENSE_HASH_MODE", "md5"},
		{"store", "LICENSE_STORE", "redis"},
		{"mongo without uri", "LICENSE_STORE", "mongodb"},
		{"environment", "LICENSE_ENV", "staging"},
		{"duration", "LICENSE_DEFAULT_DURATION_DAYS", "0"},
		{"negative ttl", "LICENSE_TOKEN_TTL", "-1s"},
		{"tight sweep", "LICENSE_SWEEP_INTERVAL", "10s"},
		{"negative window", "LICENSE_EXPIRING_SOON_DAYS", "-3"},
		{"zero window", "LICENSE_EXPIRING_SOON_DAYS", "0"},
		{"negative retention", "LICENSE_AUDIT_RETENTION_DAYS", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := secrets()
			env[tt.key] = tt.val
			cfg, err := fromLookup(lookup(env), "/data", "")
			require.NoError(t, err)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LICENSE_KAFKA_TOPIC=from-file\n"), 0o600))
	t.Setenv("LICENSE_DATA_DIR", dir)
	t.Setenv("LICENSE_ENV_FILE", "")
	// godotenv never overrides the process environment; make sure the
	// key is unset before loading
	t.Setenv("LICENSE_KAFKA_TOPIC", "")
	require.NoError(t, os.Unsetenv("LICENSE_KAFKA_TOPIC"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, ".env"), cfg.EnvFile)
	assert.Equal(t, "from-file", cfg.KafkaTopic)
}

type tunableRecorder struct {
	mu   sync.Mutex
	seen []Tunables
}

func (r *tunableRecorder) record(t Tunables) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, t)
}

func (r *tunableRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func (r *tunableRecorder) last() Tunables {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[len(r.seen)-1]
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("LICENSE_EXPIRING_SOON_DAYS=30\n"), 0o600))

	cfg, err := fromLookup(lookup(secrets()), dir, envFile)
	require.NoError(t, err)

	rec := &tunableRecorder{}
	w, err := NewWatcher(cfg, rec.record)
	require.NoError(t, err)
	defer w.Stop()

	// identical values do not fire the callback
	w.Reload()
	assert.Equal(t, 0, rec.count())

	require.NoError(t, os.WriteFile(envFile, []byte("LICENSE_EXPIRING_SOON_DAYS=7\nLICENSE_ADMIN_EMAILS=a@example.com\nLOG_LEVEL=DEBUG\n"), 0o600))
	w.Reload()
	require.Equal(t, 1, rec.count())
	assert.Equal(t, Tunables{ExpiringSoonDays: 7, AdminEmails: []string{"a@example.com"}, LogLevel: "debug"}, rec.last())
	assert.Equal(t, 7, w.Current().ExpiringSoonDays)

	// invalid reloads keep the previous values
	require.NoError(t, os.WriteFile(envFile, []byte("LICENSE_EXPIRING_SOON_DAYS=soon\n"), 0o600))
	w.Reload()
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 7, w.Current().ExpiringSoonDays)

	require.NoError(t, os.WriteFile(envFile, []byte("LICENSE_EXPIRING_SOON_DAYS=0\n"), 0o600))
	w.Reload()
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 7, w.Current().ExpiringSoonDays)
}

func TestWatcherDetectsFileWrites(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("LICENSE_EXPIRING_SOON_DAYS=30\n"), 0o600))

	cfg, err := fromLookup(lookup(secrets()), dir, envFile)
	require.NoError(t, err)

	rec := &tunableRecorder{}
	w, err := NewWatcher(cfg, rec.record)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(envFile, []byte("LICENSE_EXPIRING_SOON_DAYS=14\n"), 0o600))
	require.Eventually(t, func() bool {
		return rec.count() > 0 && rec.last().ExpiringSoonDays == 14
	}, 5*time.Second, 20*time.Millisecond)
}
