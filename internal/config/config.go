// Package config загружает конфигурацию signalflow.
//
// Порядок: Default(), затем TOML-файл, затем переменные окружения.
// Имена переменных совпадают с принятыми в деплойменте (DB_URL,
// RABBITMQ_URL, LOG_LEVEL, LOG_FORMAT, PYROSCOPE_URL, API_PORT), остальные
// используют префикс SIGNALFLOW_.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"

	"github.com/shaiso/Signalflow/internal/domain"
)

// ErrInvalidConfig — конфигурация не прошла проверку.
var ErrInvalidConfig = errors.New("invalid config")

// Драйверы хранилища.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Площадки.
const (
	VenuePaper  = "paper"
	VenueKalshi = "kalshi"
)

// Config — полная конфигурация сервиса.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Log          LogConfig          `toml:"log"`
	Store        StoreConfig        `toml:"store"`
	MQ           MQConfig           `toml:"mq"`
	Pipelines    PipelinesConfig    `toml:"pipelines"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	Execution    ExecutionConfig    `toml:"execution"`
	Venue        VenueConfig        `toml:"venue"`
	Features     FeaturesConfig     `toml:"features"`
	Profiling    ProfilingConfig    `toml:"profiling"`

	// Triggers — расписания запуска pipelines ([[trigger]] в TOML).
	Triggers []domain.Trigger `toml:"trigger"`
}

// ServerConfig — HTTP control surface.
type ServerConfig struct {
	Addr string `toml:"addr"`

	// InstanceID — имя экземпляра в claimed_by. Пустое — hostname-pid.
	InstanceID string `toml:"instance_id"`

	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// LogConfig — уровень и формат slog.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// StoreConfig — хранилище runs, tasks, orders и features.
type StoreConfig struct {
	Driver   string `toml:"driver"`
	DSN      string `toml:"dsn"`
	Path     string `toml:"path"`
	MaxConns int32  `toml:"max_conns"`
}

// MQConfig — RabbitMQ. Пустой URL отключает события, orchestrator
// работает только через polling.
type MQConfig struct {
	URL string `toml:"url"`
}

// PipelinesConfig — каталог YAML-определений pipelines.
type PipelinesConfig struct {
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`
}

// OrchestratorConfig — настройки ведения runs.
type OrchestratorConfig struct {
	PollInterval  Duration `toml:"poll_interval"`
	BatchSize     int      `toml:"batch_size"`
	StaleAfter    Duration `toml:"stale_after"`
	MaxActiveRuns int      `toml:"max_active_runs"`
	SubmitTimeout Duration `toml:"submit_timeout"`
}

// SchedulerConfig — ограничения параллелизма стадий.
type SchedulerConfig struct {
	GlobalConcurrency int64 `toml:"global_concurrency"`
	RunConcurrency    int   `toml:"run_concurrency"`
}

// ExecutionConfig — отправка ордеров и риск.
type ExecutionConfig struct {
	// RateLimit — запросов в секунду к площадке.
	RateLimit float64 `toml:"rate_limit"`
	Burst     int     `toml:"burst"`

	SubmitTimeout     Duration `toml:"submit_timeout"`
	ReconcileInterval Duration `toml:"reconcile_interval"`
	PendingGrace      Duration `toml:"pending_grace"`

	KillSwitch           bool            `toml:"kill_switch"`
	MaxOrderSize         int64           `toml:"max_order_size"`
	MaxPosition          int64           `toml:"max_position"`
	MaxAggregateNotional decimal.Decimal `toml:"max_aggregate_notional"`
}

// VenueConfig — площадка исполнения.
type VenueConfig struct {
	Kind string `toml:"kind"`

	// Demo переключает Kalshi на demo-окружение.
	Demo           bool   `toml:"demo"`
	KeyID          string `toml:"key_id"`
	PrivateKeyPath string `toml:"private_key_path"`

	// Stream включает WebSocket-подписку на fill/order.
	Stream bool `toml:"stream"`

	PaperFill      string   `toml:"paper_fill"`
	PaperFillDelay Duration `toml:"paper_fill_delay"`
}

// FeaturesConfig — Feature Store.
type FeaturesConfig struct {
	MaxAge   Duration `toml:"max_age"`
	CacheTTL Duration `toml:"cache_ttl"`
}

// ProfilingConfig — Pyroscope. Пустой URL отключает профилирование.
type ProfilingConfig struct {
	URL     string `toml:"url"`
	AppName string `toml:"app_name"`
}

// Duration — time.Duration в TOML в виде строки "30s".
type Duration struct {
	time.Duration
}

// D — конструктор для литералов.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText разбирает "1m30s".
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText форматирует длительность.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default возвращает конфигурацию для локальной разработки:
// SQLite, paper-площадка, без RabbitMQ.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: D(10 * time.Second),
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "json",
		},
		Store: StoreConfig{
			Driver:   DriverSQLite,
			Path:     "signalflow.db",
			MaxConns: 10,
		},
		Pipelines: PipelinesConfig{
			Dir:   "pipelines",
			Watch: true,
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:  D(10 * time.Second),
			BatchSize:     100,
			StaleAfter:    D(10 * time.Minute),
			MaxActiveRuns: 64,
			SubmitTimeout: D(30 * time.Second),
		},
		Scheduler: SchedulerConfig{
			GlobalConcurrency: 16,
			RunConcurrency:    4,
		},
		Execution: ExecutionConfig{
			RateLimit:            10,
			Burst:                5,
			SubmitTimeout:        D(5 * time.Second),
			ReconcileInterval:    D(5 * time.Second),
			PendingGrace:         D(30 * time.Second),
			MaxOrderSize:         100,
			MaxPosition:          500,
			MaxAggregateNotional: decimal.NewFromInt(5000),
		},
		Venue: VenueConfig{
			Kind:      VenuePaper,
			Demo:      true,
			Stream:    true,
			PaperFill: "immediate",
		},
		Features: FeaturesConfig{
			MaxAge:   D(time.Hour),
			CacheTTL: D(time.Minute),
		},
		Profiling: ProfilingConfig{
			AppName: "signalflow",
		},
	}
}

// Load читает TOML-файл поверх Default(), применяет переменные
// окружения и проверяет результат. Отсутствующий файл не ошибка.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	cfg.Store.Path = ExpandPath(cfg.Store.Path)
	cfg.Pipelines.Dir = ExpandPath(cfg.Pipelines.Dir)
	cfg.Venue.PrivateKeyPath = ExpandPath(cfg.Venue.PrivateKeyPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv переопределяет поля значениями из окружения.
// DB_URL выбирает Postgres.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	setString := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	if v := getenv("DB_URL"); v != "" {
		c.Store.Driver = DriverPostgres
		c.Store.DSN = v
	}
	setString(&c.Store.Driver, "SIGNALFLOW_STORE_DRIVER")
	setString(&c.Store.Path, "SIGNALFLOW_SQLITE_PATH")
	setString(&c.MQ.URL, "RABBITMQ_URL")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Profiling.URL, "PYROSCOPE_URL")
	setString(&c.Pipelines.Dir, "SIGNALFLOW_PIPELINES_DIR")
	setString(&c.Server.InstanceID, "SIGNALFLOW_INSTANCE_ID")
	setString(&c.Venue.Kind, "SIGNALFLOW_VENUE")
	setString(&c.Venue.KeyID, "KALSHI_KEY_ID")
	setString(&c.Venue.PrivateKeyPath, "KALSHI_PRIVATE_KEY_PATH")

	if v := getenv("API_PORT"); v != "" {
		c.Server.Addr = ":" + v
	}

	if v := getenv("SIGNALFLOW_KILL_SWITCH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: SIGNALFLOW_KILL_SWITCH: %w", ErrInvalidConfig, err)
		}
		c.Execution.KillSwitch = b
	}
	if v := getenv("SIGNALFLOW_KALSHI_DEMO"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: SIGNALFLOW_KALSHI_DEMO: %w", ErrInvalidConfig, err)
		}
		c.Venue.Demo = b
	}
	return nil
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Driver {
	case DriverPostgres:
	case DriverSQLite:
		if c.Store.Path == "" {
			add("store.path is required for sqlite")
		}
	default:
		add("store.driver %q: want %s or %s", c.Store.Driver, DriverPostgres, DriverSQLite)
	}

	switch c.Venue.Kind {
	case VenuePaper:
		switch c.Venue.PaperFill {
		case "none", "immediate", "async":
		default:
			add("venue.paper_fill %q: want none, immediate or async", c.Venue.PaperFill)
		}
	case VenueKalshi:
		if c.Venue.KeyID == "" {
			add("venue.key_id is required for kalshi")
		}
		if c.Venue.PrivateKeyPath == "" {
			add("venue.private_key_path is required for kalshi")
		}
	default:
		add("venue.kind %q: want %s or %s", c.Venue.Kind, VenuePaper, VenueKalshi)
	}

	if c.Execution.RateLimit <= 0 {
		add("execution.rate_limit must be positive")
	}
	if c.Execution.MaxPosition < 0 || c.Execution.MaxOrderSize < 0 {
		add("execution limits must not be negative")
	}
	if c.Execution.MaxAggregateNotional.IsNegative() {
		add("execution.max_aggregate_notional must not be negative")
	}
	if c.Scheduler.GlobalConcurrency < 0 || c.Scheduler.RunConcurrency < 0 {
		add("scheduler concurrency must not be negative")
	}

	names := make(map[string]bool, len(c.Triggers))
	for _, t := range c.Triggers {
		if names[t.Name] {
			add("trigger %q declared twice", t.Name)
		}
		names[t.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ExpandPath раскрывает ~ в домашний каталог.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
