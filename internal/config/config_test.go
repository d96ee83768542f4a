package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))
	return file
}

func TestLoadFileAppliesYAMLOverDefaults(t *testing.T) {
	file := writeConfig(t, `
storage: memory
answer_window: 2m
max_duration_minutes: 30
notify_retry_delay: 500ms
`)
	cfg, err := LoadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage)
	assert.Equal(t, 2*time.Minute, cfg.AnswerWindow)
	assert.Equal(t, 30, cfg.MaxDurationMinutes)
	assert.Equal(t, 500*time.Millisecond, cfg.NotifyRetryDelay)
	assert.Equal(t, 5, cfg.DefaultDurationMinutes)
	assert.Equal(t, ":8300", cfg.ListenAddr)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	file := writeConfig(t, "storage: memory\nlisten_addr: \":9000\"\n")
	t.Setenv("PARTNERLOCK_LISTEN_ADDR", ":9100")
	t.Setenv("PARTNERLOCK_SWEEP_INTERVAL", "1m")

	cfg, err := LoadFile(file)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PARTNERLOCK_STORAGE", "memory")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.MaxDurationMinutes)
}

func TestDatabaseURLFallback(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/partnerlock")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/partnerlock", cfg.DBUrl)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"postgres without url": func(c *Config) { c.Storage = "postgres" },
		"unknown storage":      func(c *Config) { c.Storage = "sqlite" },
		"asynq without redis":  func(c *Config) { c.Scheduler = "asynq" },
		"half tls":             func(c *Config) { c.TLSCertFile = "cert.pem" },
		"default above max":    func(c *Config) { c.DefaultDurationMinutes = 20 },
		"zero attempts":        func(c *Config) { c.NotifyMaxAttempts = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Storage = "memory"
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Defaults()
	cfg.Storage = "memory"
	assert.NoError(t, cfg.Validate())
}
