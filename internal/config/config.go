// Package config loads daemon configuration from config/config.yaml, an
// optional .env file and PROMPTCRON_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix     = "PROMPTCRON"
	envConfigPath = "PROMPTCRON_CONFIG"
	envFile       = ".env"
)

type AppConfig struct {
	Name     string `mapstructure:"name"`
	DataDir  string `mapstructure:"data_dir"`
	Timezone string `mapstructure:"timezone"`
}

// Location returns the configured timezone, or nil to keep the host's.
func (c AppConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type SettingsConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

type LedgerConfig struct {
	Path        string `mapstructure:"path"`
	Retention   int    `mapstructure:"retention"`
	RecentLimit int    `mapstructure:"recent_limit"`
}

type SchedulerConfig struct {
	MinInitialDelay   time.Duration `mapstructure:"min_initial_delay"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	RetryMultiplier   float64       `mapstructure:"retry_multiplier"`

	ClockCheckInterval  time.Duration `mapstructure:"clock_check_interval"`
	ClockDriftThreshold time.Duration `mapstructure:"clock_drift_threshold"`
}

type ExecutorConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	ErrorLimit       int           `mapstructure:"error_limit"`
	StatusErrorLimit int           `mapstructure:"status_error_limit"`
}

type PipelineConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	ProviderName  string `mapstructure:"provider_name"`
	MaxToolRounds int    `mapstructure:"max_tool_rounds"`
	SystemPrompt  string `mapstructure:"system_prompt"`
}

type ToolsConfig struct {
	Shell     string        `mapstructure:"shell"`
	Python    string        `mapstructure:"python"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxOutput int           `mapstructure:"max_output"`
	WorkDir   string        `mapstructure:"workdir"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Embedded       bool          `mapstructure:"embedded"`
	URL            string        `mapstructure:"url"`
	StoreDir       string        `mapstructure:"store_dir"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ResultTimeout  time.Duration `mapstructure:"result_timeout"`
}

type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Subject    string `mapstructure:"subject"`
}

type MetricsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	AuthToken string `mapstructure:"auth_token"`
}

// Config holds all runtime configuration of the daemon
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Settings  SettingsConfig  `mapstructure:"settings"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "promptcron")
	v.SetDefault("app.data_dir", "data")
	v.SetDefault("app.timezone", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("settings.path", "")
	v.SetDefault("settings.watch", true)

	v.SetDefault("ledger.path", "")
	v.SetDefault("ledger.retention", 50)
	v.SetDefault("ledger.recent_limit", 200)

	v.SetDefault("scheduler.min_initial_delay", time.Minute)
	v.SetDefault("scheduler.retry_initial_delay", 10*time.Minute)
	v.SetDefault("scheduler.retry_max_delay", 5*time.Hour)
	v.SetDefault("scheduler.retry_multiplier", 2.0)
	v.SetDefault("scheduler.clock_check_interval", time.Minute)
	v.SetDefault("scheduler.clock_drift_threshold", time.Minute)

	v.SetDefault("executor.timeout", 30*time.Minute)
	v.SetDefault("executor.error_limit", 8000)
	v.SetDefault("executor.status_error_limit", 200)

	v.SetDefault("pipeline.base_url", "https://api.openai.com/v1")
	v.SetDefault("pipeline.api_key", "")
	v.SetDefault("pipeline.model", "gpt-4o-mini")
	v.SetDefault("pipeline.provider_name", "openai")
	v.SetDefault("pipeline.max_tool_rounds", 8)
	v.SetDefault("pipeline.system_prompt", "")

	v.SetDefault("tools.shell", "/bin/sh")
	v.SetDefault("tools.python", "python3")
	v.SetDefault("tools.timeout", 60*time.Second)
	v.SetDefault("tools.max_output", 16*1024)
	v.SetDefault("tools.workdir", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.embedded", true)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.store_dir", "")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.result_timeout", 35*time.Minute)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.subject", "notifications.scheduled_task")

	v.SetDefault("metrics.interval", 30*time.Second)

	v.SetDefault("http.addr", "127.0.0.1:7070")
	v.SetDefault("http.auth_token", "")
}

// Load reads configuration. A missing config/config.yaml or .env is not an
// error; a missing file named by PROMPTCRON_CONFIG is.
func Load() (*Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(envConfigPath); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolvePaths places unset storage paths under the data directory.
func (c *Config) resolvePaths() {
	if c.Settings.Path == "" {
		c.Settings.Path = filepath.Join(c.App.DataDir, "settings.json")
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.App.DataDir, "runs.db")
	}
	if c.NATS.StoreDir == "" {
		c.NATS.StoreDir = filepath.Join(c.App.DataDir, "jetstream")
	}
}

// Validate checks values that have no usable fallback
func (c *Config) Validate() error {
	if c.Ledger.Retention < 1 {
		return fmt.Errorf("ledger.retention must be at least 1, got %d", c.Ledger.Retention)
	}
	if c.Scheduler.RetryMultiplier < 1 {
		return fmt.Errorf("scheduler.retry_multiplier must be at least 1, got %v", c.Scheduler.RetryMultiplier)
	}
	if c.Metrics.Interval <= 0 {
		return fmt.Errorf("metrics.interval must be positive, got %s", c.Metrics.Interval)
	}
	if _, err := c.App.Location(); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the root logger from the log section
func NewLogger(c LogConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if c.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log level: %w", err)
		}
		zapConfig.Level = level
	}
	return zapConfig.Build()
}
