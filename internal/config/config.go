// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the root configuration for probe-cli.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Harness HarnessConfig `mapstructure:"harness" yaml:"harness"`
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
	History HistoryConfig `mapstructure:"history" yaml:"history"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Serve   ServeConfig   `mapstructure:"serve" yaml:"serve"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the browser a probe session drives.
type BrowserConfig struct {
	Headless     bool           `mapstructure:"headless" yaml:"headless"`
	DisableCache bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	ExecPath     string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args         []string       `mapstructure:"args" yaml:"args"`
	SlowMo       time.Duration  `mapstructure:"slow_mo" yaml:"slow_mo"`
	Viewport     ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
}

// ViewportConfig is the emulated page size.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// HarnessConfig controls scenario execution.
type HarnessConfig struct {
	NavigationTimeout   time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	RunTimeout          time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	ActionTimeout       time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	WaitAttempts        int           `mapstructure:"wait_attempts" yaml:"wait_attempts"`
	WaitInterval        time.Duration `mapstructure:"wait_interval" yaml:"wait_interval"`
	NetworkQuietPeriod  time.Duration `mapstructure:"network_quiet_period" yaml:"network_quiet_period"`
	ScreenshotDir       string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	ScreenshotOnFailure bool          `mapstructure:"screenshot_on_failure" yaml:"screenshot_on_failure"`
	MaxPause            time.Duration `mapstructure:"max_pause" yaml:"max_pause"`
}

// BackendConfig describes the PostgREST style endpoint probed by the backend commands.
// URL and APIKey are never defaulted; they come from the config file or the environment.
type BackendConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	DatabaseURL    string        `mapstructure:"database_url" yaml:"database_url"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries     uint64        `mapstructure:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// HistoryConfig configures the run history store used by monitor mode.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// ServeConfig configures the local static file server.
type ServeConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// NewDefaultConfig creates a new configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "probe-cli")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 7)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.slow_mo", "0s")
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 720)

	// -- Harness --
	v.SetDefault("harness.navigation_timeout", "30s")
	v.SetDefault("harness.run_timeout", "2m")
	v.SetDefault("harness.action_timeout", "10s")
	v.SetDefault("harness.wait_attempts", 5)
	v.SetDefault("harness.wait_interval", "1s")
	v.SetDefault("harness.network_quiet_period", "500ms")
	v.SetDefault("harness.screenshot_dir", "screenshots")
	v.SetDefault("harness.screenshot_on_failure", true)
	v.SetDefault("harness.max_pause", "15s")

	// -- Backend --
	v.SetDefault("backend.timeout", "10s")
	v.SetDefault("backend.max_retries", 3)
	v.SetDefault("backend.initial_backoff", "500ms")
	v.SetDefault("backend.max_backoff", "5s")
	v.SetDefault("backend.rate_limit", 5.0)

	// -- History --
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "~/.probe-cli/history.db")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9464")

	// -- Serve --
	v.SetDefault("serve.addr", "127.0.0.1:0")
}

// NewConfigFromViper unmarshals and validates a configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are only ever read from the environment or an explicit config file.
	_ = v.BindEnv("backend.url", "PROBE_BACKEND_URL")
	_ = v.BindEnv("backend.api_key", "PROBE_BACKEND_API_KEY")
	_ = v.BindEnv("backend.database_url", "PROBE_BACKEND_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.History.Path, &c.Harness.ScreenshotDir, &c.Logger.LogFile, &c.Browser.ExecPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.Viewport.Width <= 0 || c.Browser.Viewport.Height <= 0 {
		return errors.New("browser.viewport width and height must be positive integers")
	}
	if c.Browser.SlowMo < 0 {
		return errors.New("browser.slow_mo must not be negative")
	}
	if c.Harness.NavigationTimeout <= 0 {
		return errors.New("harness.navigation_timeout must be positive")
	}
	if c.Harness.RunTimeout <= 0 {
		return errors.New("harness.run_timeout must be positive")
	}
	if c.Harness.WaitAttempts <= 0 {
		return errors.New("harness.wait_attempts must be a positive integer")
	}
	if c.Harness.WaitInterval <= 0 {
		return errors.New("harness.wait_interval must be positive")
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend configuration invalid: %w", err)
	}
	if c.History.Enabled && c.History.Path == "" {
		return errors.New("history.path is required when history is enabled")
	}
	return nil
}

// Validate checks the backend configuration. An empty URL is allowed since
// only the backend commands need one; they call RequireEndpoint.
func (b *BackendConfig) Validate() error {
	if b.URL != "" && !strings.HasPrefix(b.URL, "http://") && !strings.HasPrefix(b.URL, "https://") {
		return fmt.Errorf("url must start with http:// or https://, got %q", b.URL)
	}
	if b.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if b.RateLimit < 0 {
		return errors.New("rate_limit must not be negative")
	}
	if b.MaxBackoff < b.InitialBackoff {
		return errors.New("max_backoff must be greater than or equal to initial_backoff")
	}
	return nil
}

// RequireEndpoint reports whether enough is configured to talk to the REST endpoint.
func (b *BackendConfig) RequireEndpoint() error {
	if b.URL == "" {
		return errors.New("backend.url is not set (config file or PROBE_BACKEND_URL)")
	}
	if b.APIKey == "" {
		return errors.New("backend.api_key is not set (config file or PROBE_BACKEND_API_KEY)")
	}
	return nil
}
