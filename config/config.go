// Package config loads tagflow's process configuration from an optional
// YAML file, an optional .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config is the process configuration. Every key is also read from the
// environment variable of the same name in upper case.
type Config struct {
	HTTPAddr  string `mapstructure:"http_addr" validate:"required"`
	SQLiteDSN string `mapstructure:"sqlite_dsn"`
	RedisAddr string `mapstructure:"redis_addr"`

	ScanDefaultMs          int    `mapstructure:"scan_default_ms" validate:"min=100,max=60000"`
	ScriptDefaultTimeoutMs int    `mapstructure:"script_default_timeout_ms" validate:"min=1"`
	ScriptMaxTimeoutMs     int    `mapstructure:"script_max_timeout_ms" validate:"gtefield=ScriptDefaultTimeoutMs"`
	FSSandboxRoot          string `mapstructure:"fs_sandbox_root" validate:"required"`
	FSMaxFileBytes         int64  `mapstructure:"fs_max_file_bytes" validate:"min=1"`

	LogRetentionDefaultDays int    `mapstructure:"log_retention_default_days" validate:"min=1,max=365"`
	JournalQueueSize        int    `mapstructure:"journal_queue_size" validate:"min=1"`
	RetentionSchedule       string `mapstructure:"retention_schedule" validate:"required,cronspec"`

	SessionMaxPerProcess int     `mapstructure:"session_max_per_process" validate:"min=1"`
	MemoryCeilingMB      float64 `mapstructure:"memory_ceiling_mb" validate:"min=0"`
	WriteBufferBound     int     `mapstructure:"write_buffer_bound" validate:"min=1"`
	TestAutoExitMinutes  int     `mapstructure:"test_auto_exit_minutes" validate:"min=1,max=1440"`

	LogLevel     string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat    string `mapstructure:"log_format" validate:"oneof=text json"`
	OTLPEndpoint string `mapstructure:"otel_exporter_otlp_endpoint"`
	// StreamToken guards the live log stream. Empty leaves it open.
	StreamToken string `mapstructure:"stream_token"`
}

var defaults = map[string]any{
	"http_addr":                  ":8080",
	"scan_default_ms":            1000,
	"script_default_timeout_ms":  10000,
	"script_max_timeout_ms":      60000,
	"fs_sandbox_root":            "data/fs",
	"fs_max_file_bytes":          10485760,
	"log_retention_default_days": 30,
	"journal_queue_size":         4096,
	"retention_schedule":         "@hourly",
	"session_max_per_process":    100,
	"memory_ceiling_mb":          1024,
	"write_buffer_bound":         1000,
	"test_auto_exit_minutes":     5,
	"log_level":                  "info",
	"log_format":                 "text",
}

// keys lists every configuration key, bound to its environment variable.
func keys() []string {
	t := reflect.TypeOf(Config{})
	out := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		out = append(out, t.Field(i).Tag.Get("mapstructure"))
	}
	return out
}

// LoaderConfig selects explicit files. Empty paths are discovered.
type LoaderConfig struct {
	ConfigFile string
	EnvFile    string
}

// LoaderOption is a functional option for Load.
type LoaderOption func(*LoaderConfig)

// WithConfigFile sets an explicit config file path.
func WithConfigFile(path string) LoaderOption {
	return func(lc *LoaderConfig) { lc.ConfigFile = path }
}

// WithEnvFile sets an explicit .env file path.
func WithEnvFile(path string) LoaderOption {
	return func(lc *LoaderConfig) { lc.EnvFile = path }
}

var configSearch = []string{"./tagflow.yaml", "./tagflow.yml", "./config/tagflow.yaml", "./config/tagflow.yml"}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if exists(p) {
			return p
		}
	}
	return ""
}

// Load reads the configuration. Precedence, highest first: environment,
// .env file, YAML file, defaults. The result has defaults applied and is
// validated.
func Load(opts ...LoaderOption) (Config, error) {
	var lc LoaderConfig
	for _, opt := range opts {
		opt(&lc)
	}
	if lc.ConfigFile == "" {
		lc.ConfigFile = firstExisting(configSearch...)
	}
	if lc.EnvFile == "" {
		lc.EnvFile = firstExisting("./.env", "./config/.env")
	}

	// godotenv never overrides variables already set.
	if lc.EnvFile != "" {
		if err := godotenv.Load(lc.EnvFile); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", lc.EnvFile, err)
		}
	}

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	for _, k := range keys() {
		if err := v.BindEnv(k, strings.ToUpper(k)); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", k, err)
		}
	}
	if lc.ConfigFile != "" {
		v.SetConfigFile(lc.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", lc.ConfigFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	setStr := func(dst *string, key string) {
		if *dst == "" {
			*dst = defaults[key].(string)
		}
	}
	setInt := func(dst *int, key string) {
		if *dst == 0 {
			*dst = defaults[key].(int)
		}
	}
	setStr(&c.HTTPAddr, "http_addr")
	setStr(&c.FSSandboxRoot, "fs_sandbox_root")
	setStr(&c.RetentionSchedule, "retention_schedule")
	setStr(&c.LogLevel, "log_level")
	setStr(&c.LogFormat, "log_format")
	setInt(&c.ScanDefaultMs, "scan_default_ms")
	setInt(&c.ScriptDefaultTimeoutMs, "script_default_timeout_ms")
	setInt(&c.ScriptMaxTimeoutMs, "script_max_timeout_ms")
	setInt(&c.LogRetentionDefaultDays, "log_retention_default_days")
	setInt(&c.JournalQueueSize, "journal_queue_size")
	setInt(&c.SessionMaxPerProcess, "session_max_per_process")
	setInt(&c.WriteBufferBound, "write_buffer_bound")
	setInt(&c.TestAutoExitMinutes, "test_auto_exit_minutes")
	if c.FSMaxFileBytes == 0 {
		c.FSMaxFileBytes = int64(defaults["fs_max_file_bytes"].(int))
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("mapstructure")
	})
	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cronParser.Parse(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks every key against its bounds.
func (c Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}

// ScriptTimeouts returns the default and maximum script timeouts.
func (c Config) ScriptTimeouts() (def, maxTimeout time.Duration) {
	return time.Duration(c.ScriptDefaultTimeoutMs) * time.Millisecond,
		time.Duration(c.ScriptMaxTimeoutMs) * time.Millisecond
}

// SlogLevel maps LogLevel onto slog.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
