package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signalflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, VenuePaper, cfg.Venue.Kind)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.StaleAfter.Duration)
	assert.True(t, cfg.Execution.MaxAggregateNotional.Equal(decimal.NewFromInt(5000)))
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9090"

[store]
driver = "postgres"
dsn = "postgresql://u:p@db:5432/sf"

[orchestrator]
poll_interval = "2s"
stale_after = "15m"

[execution]
max_position = 100
max_aggregate_notional = "2500.50"
kill_switch = true

[venue]
kind = "paper"
paper_fill = "async"
paper_fill_delay = "250ms"

[[trigger]]
name = "hourly-fed"
pipeline = "daily"
cron = "0 * * * *"
timezone = "America/New_York"
enabled = true

[trigger.inputs]
market = "FED-25DEC"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgresql://u:p@db:5432/sf", cfg.Store.DSN)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.PollInterval.Duration)
	assert.Equal(t, 15*time.Minute, cfg.Orchestrator.StaleAfter.Duration)
	assert.Equal(t, 100, cfg.Orchestrator.BatchSize, "unset keys keep defaults")
	assert.Equal(t, int64(100), cfg.Execution.MaxPosition)
	assert.True(t, cfg.Execution.MaxAggregateNotional.Equal(decimal.RequireFromString("2500.50")))
	assert.True(t, cfg.Execution.KillSwitch)
	assert.Equal(t, 250*time.Millisecond, cfg.Venue.PaperFillDelay.Duration)

	require.Len(t, cfg.Triggers, 1)
	tr := cfg.Triggers[0]
	assert.Equal(t, "hourly-fed", tr.Name)
	assert.Equal(t, "0 * * * *", tr.CronExpr)
	assert.Equal(t, "America/New_York", tr.Timezone)
	assert.True(t, tr.Enabled)
	assert.Equal(t, "FED-25DEC", tr.Inputs["market"])
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
[orchestrator]
poll_interval = "soon"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_URL", "postgresql://env@db/sf")
	t.Setenv("RABBITMQ_URL", "amqp://guest:guest@mq:5672/")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("API_PORT", "7000")
	t.Setenv("SIGNALFLOW_KILL_SWITCH", "true")
	t.Setenv("PYROSCOPE_URL", "http://pyroscope:4040")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgresql://env@db/sf", cfg.Store.DSN)
	assert.Equal(t, "amqp://guest:guest@mq:5672/", cfg.MQ.URL)
	assert.Equal(t, "DEBUG", cfg.Log.Level)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.True(t, cfg.Execution.KillSwitch)
	assert.Equal(t, "http://pyroscope:4040", cfg.Profiling.URL)
}

func TestApplyEnv_BadBool(t *testing.T) {
	cfg := Default()
	env := map[string]string{"SIGNALFLOW_KILL_SWITCH": "maybe"}
	err := cfg.ApplyEnv(func(k string) string { return env[k] })
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }},
		{"unknown venue", func(c *Config) { c.Venue.Kind = "binance" }},
		{"kalshi without key", func(c *Config) { c.Venue.Kind = VenueKalshi }},
		{"bad paper fill", func(c *Config) { c.Venue.PaperFill = "sometimes" }},
		{"zero rate", func(c *Config) { c.Execution.RateLimit = 0 }},
		{"negative notional", func(c *Config) { c.Execution.MaxAggregateNotional = decimal.NewFromInt(-1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	assert.Equal(t, filepath.Join(home, "sf/db"), ExpandPath("~/sf/db"))
	assert.Equal(t, "/abs/path", ExpandPath("/abs/path"))
	assert.Equal(t, "rel", ExpandPath("rel"))
}
