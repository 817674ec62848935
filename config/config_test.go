package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/allowance-engine/billing"
)

func writeYAML(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// isolate runs the test from an empty directory so no stray .env or
// config.yaml is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	// t.Chdir requires Go 1.24; equivalent for the local toolchain.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("CONFIG_PATH", "")
	return dir
}

const validYAML = `
server:
  host: "127.0.0.1"
  port: 9090
  shutdown_timeout: "5s"

database:
  driver: "postgres"
  dsn: "postgres://u:p@localhost:5432/billing"
  max_conns: 10
  min_conns: 1

billing:
  compensation_rule: "billable_share"
  developer_share: "0.6"
  max_conflict_retries: 5
  timezone: "Europe/Paris"

scheduler:
  enabled: true
  interval: "15m"

log:
  level: "debug"
  format: "console"
`

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "./billing.db", cfg.Database.SQLitePath)
	assert.Equal(t, "full_duration", cfg.Billing.CompensationRule)
	assert.Equal(t, 3, cfg.Billing.MaxConflictRetries)
	assert.Equal(t, time.UTC, cfg.Billing.Location)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"*"}, cfg.CORS.Origins())
}

func TestLoad_YAML(t *testing.T) {
	dir := isolate(t)
	t.Setenv("CONFIG_PATH", writeYAML(t, dir, validYAML))

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, int32(10), cfg.Database.MaxConns)
	assert.Equal(t, 5, cfg.Billing.MaxConflictRetries)
	assert.Equal(t, "Europe/Paris", cfg.Billing.Location.String())
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)

	calc := cfg.Billing.Calculator()
	assert.Equal(t, billing.CompensateBillableShare, calc.Rule)
	assert.True(t, calc.DeveloperShare.Equal(billing.MustParseDecimal("0.6")))
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := isolate(t)
	t.Setenv("CONFIG_PATH", writeYAML(t, dir, validYAML))
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("BILLING_TIMEZONE", "America/New_York")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "America/New_York", cfg.Billing.Location.String())
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DATABASE_DRIVER=memory\n"), 0o644))
	t.Setenv("DATABASE_DRIVER", "")
	os.Unsetenv("DATABASE_DRIVER")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
}

func TestLoad_ExplicitPathMissing(t *testing.T) {
	dir := isolate(t)
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "missing.yaml"))

	_, err := Load()

	assert.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:    ServerConfig{Port: 8080},
			Database:  DatabaseConfig{Driver: DriverMemory},
			Billing:   BillingConfig{CompensationRule: "full_duration", DeveloperShare: "0.7", MaxConflictRetries: 3, Timezone: "UTC"},
			Scheduler: SchedulerConfig{Enabled: true, Interval: time.Hour},
			Log:       LogConfig{Level: "info", Format: "json"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = DriverPostgres }},
		{"unknown rule", func(c *Config) { c.Billing.CompensationRule = "bonus" }},
		{"share above one", func(c *Config) { c.Billing.DeveloperShare = "1.5" }},
		{"share not a number", func(c *Config) { c.Billing.DeveloperShare = "most" }},
		{"zero retries", func(c *Config) { c.Billing.MaxConflictRetries = 0 }},
		{"bad timezone", func(c *Config) { c.Billing.Timezone = "Mars/Olympus" }},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	base := valid()
	require.NoError(t, base.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCORSConfig_Origins(t *testing.T) {
	cfg := CORSConfig{AllowedOrigins: "https://a.example, https://b.example,,"}

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins())
}
