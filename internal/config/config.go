// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Extract     ExtractConfig     `mapstructure:"extract"`
	Images      ImagesConfig      `mapstructure:"images"`
	Events      EventsConfig      `mapstructure:"events"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SchedulerConfig governs admission control and the runtime watchdog.
type SchedulerConfig struct {
	AdmissionLimit    int `mapstructure:"admission_limit"`
	MaxRuntimeMinutes int `mapstructure:"max_runtime_minutes"`
	PausePollMs       int `mapstructure:"pause_poll_ms"`
}

// BrowserConfig configures the chromedp session manager.
type BrowserConfig struct {
	Headless           bool   `mapstructure:"headless"`
	ChromeBin          string `mapstructure:"chrome_bin"`
	UserAgent          string `mapstructure:"user_agent"`
	ProfileRoot        string `mapstructure:"profile_root"`
	NavTimeoutSec      int    `mapstructure:"nav_timeout_seconds"`
	ProductsPerSession int    `mapstructure:"products_per_session"`
	RecoveryRetries    int    `mapstructure:"recovery_retries"`
	RestartSettleMs    int    `mapstructure:"restart_settle_ms"`
}

// ExtractConfig governs the layered discovery strategies and retry budgets.
type ExtractConfig struct {
	ChallengeWaitSec    int `mapstructure:"challenge_wait_seconds"`
	ImageWaitTimeoutSec int `mapstructure:"image_wait_timeout_seconds"`
	EmptyRetries        int `mapstructure:"empty_retries"`
	ErrorRetries        int `mapstructure:"error_retries"`
	EmptyRetryDelayMs   int `mapstructure:"empty_retry_delay_ms"`
	ErrorRetryDelayMs   int `mapstructure:"error_retry_delay_ms"`
	ProductDelayMinMs   int `mapstructure:"product_delay_min_ms"`
	ProductDelayMaxMs   int `mapstructure:"product_delay_max_ms"`
}

// ImagesConfig configures the conversion fan-out and the converter process.
type ImagesConfig struct {
	Concurrency       int    `mapstructure:"concurrency"`
	Quality           int    `mapstructure:"quality"`
	ConvertTimeoutSec int    `mapstructure:"convert_timeout_seconds"`
	PythonBin         string `mapstructure:"python_bin"`
	ConvertScript     string `mapstructure:"convert_script"`
	ZipScript         string `mapstructure:"zip_script"`
}

// EventsConfig controls the broadcast layer.
type EventsConfig struct {
	HeartbeatSec    int `mapstructure:"heartbeat_seconds"`
	LogHistoryLimit int `mapstructure:"log_history_limit"`
}

// PersistenceConfig sets snapshot behavior for restart recovery.
type PersistenceConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DownloadRoot string `mapstructure:"download_root"`
	DebounceMs   int    `mapstructure:"debounce_ms"`
	MaxJobs      int    `mapstructure:"max_jobs"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("scheduler.admission_limit", 3)
	v.SetDefault("scheduler.max_runtime_minutes", 45)
	v.SetDefault("scheduler.pause_poll_ms", 2000)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/144.0.0.0 Safari/537.36")
	v.SetDefault("browser.profile_root", ".tmp/chrome-profile")
	v.SetDefault("browser.nav_timeout_seconds", 40)
	v.SetDefault("browser.products_per_session", 8)
	v.SetDefault("browser.recovery_retries", 1)
	v.SetDefault("browser.restart_settle_ms", 500)
	v.SetDefault("extract.challenge_wait_seconds", 25)
	v.SetDefault("extract.image_wait_timeout_seconds", 8)
	v.SetDefault("extract.empty_retries", 0)
	v.SetDefault("extract.error_retries", 0)
	v.SetDefault("extract.empty_retry_delay_ms", 700)
	v.SetDefault("extract.error_retry_delay_ms", 1200)
	v.SetDefault("extract.product_delay_min_ms", 50)
	v.SetDefault("extract.product_delay_max_ms", 120)
	v.SetDefault("images.concurrency", 3)
	v.SetDefault("images.quality", 85)
	v.SetDefault("images.convert_timeout_seconds", 25)
	v.SetDefault("images.convert_script", "convert_image.py")
	v.SetDefault("images.zip_script", "create_zip.py")
	v.SetDefault("events.heartbeat_seconds", 35)
	v.SetDefault("events.log_history_limit", 200)
	v.SetDefault("persistence.enabled", false)
	v.SetDefault("persistence.download_root", "downloads")
	v.SetDefault("persistence.debounce_ms", 5000)
	v.SetDefault("persistence.max_jobs", 100)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.AdmissionLimit <= 0 {
		return fmt.Errorf("scheduler.admission_limit must be > 0")
	}
	if c.Scheduler.MaxRuntimeMinutes <= 0 {
		return fmt.Errorf("scheduler.max_runtime_minutes must be > 0")
	}
	if c.Browser.NavTimeoutSec <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0")
	}
	if c.Browser.ProductsPerSession <= 0 {
		return fmt.Errorf("browser.products_per_session must be > 0")
	}
	if c.Images.Concurrency <= 0 {
		return fmt.Errorf("images.concurrency must be > 0")
	}
	if c.Extract.ProductDelayMaxMs < c.Extract.ProductDelayMinMs {
		return fmt.Errorf("extract.product_delay_max_ms must be >= extract.product_delay_min_ms")
	}
	return nil
}

// MaxRuntime returns the watchdog ceiling as a duration.
func (c Config) MaxRuntime() time.Duration {
	return time.Duration(c.Scheduler.MaxRuntimeMinutes) * time.Minute
}

// PausePoll returns the cooperative pause poll interval.
func (c Config) PausePoll() time.Duration {
	return time.Duration(c.Scheduler.PausePollMs) * time.Millisecond
}
