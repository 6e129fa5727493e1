// Package config loads and validates client configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all client configuration knobs loaded via Viper.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Polling  PollingConfig  `mapstructure:"polling"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// APIConfig locates the processing service and its endpoints. Paths may
// contain a {sessionId} placeholder.
type APIConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	UploadPath      string `mapstructure:"upload_path"`
	StatusPath      string `mapstructure:"status_path"`
	CancelPath      string `mapstructure:"cancel_path"`
	DirectoryPath   string `mapstructure:"directory_path"`
	CoordinatesPath string `mapstructure:"coordinates_path"`
	SearchPath      string `mapstructure:"search_path"`
	QualityPath     string `mapstructure:"quality_path"`
	UserAgent       string `mapstructure:"user_agent"`
}

// TimeoutsConfig holds per-call deadlines. A zero start deadline leaves the
// upload bounded only by the transport.
type TimeoutsConfig struct {
	StartSeconds     int `mapstructure:"start_seconds"`
	StatusSeconds    int `mapstructure:"status_seconds"`
	DirectorySeconds int `mapstructure:"directory_seconds"`
	SearchSeconds    int `mapstructure:"search_seconds"`
	CancelSeconds    int `mapstructure:"cancel_seconds"`
}

// PollingConfig sets the status poll cadence.
type PollingConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
}

// CatalogConfig tunes the read-only record calls.
type CatalogConfig struct {
	DirectoryRetries int     `mapstructure:"directory_retries"`
	SearchRPS        float64 `mapstructure:"search_rps"`
	SearchBurst      int     `mapstructure:"search_burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GEOLOAD")
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

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults always validate; environment overrides are the only way here.
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:3000/api")
	v.SetDefault("api.upload_path", "/subir-con-progreso")
	v.SetDefault("api.status_path", "/progreso/{sessionId}")
	v.SetDefault("api.cancel_path", "/progreso/{sessionId}/cancelar")
	v.SetDefault("api.directory_path", "/consultas/todas-direcciones")
	v.SetDefault("api.coordinates_path", "/visor/coordenadas")
	v.SetDefault("api.search_path", "/visor/buscar-mapa")
	v.SetDefault("api.quality_path", "/visor/estadisticas-calidad")
	v.SetDefault("api.user_agent", "geoload/0.1")
	v.SetDefault("timeouts.start_seconds", 0)
	v.SetDefault("timeouts.status_seconds", 120)
	v.SetDefault("timeouts.directory_seconds", 15)
	v.SetDefault("timeouts.search_seconds", 30)
	v.SetDefault("timeouts.cancel_seconds", 10)
	v.SetDefault("polling.interval_ms", 1000)
	v.SetDefault("catalog.directory_retries", 1)
	v.SetDefault("catalog.search_rps", 2)
	v.SetDefault("catalog.search_burst", 1)
	v.SetDefault("logging.development", false)
	v.SetDefault("metrics.addr", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute URL")
	}
	if !strings.Contains(c.API.StatusPath, "{sessionId}") {
		return fmt.Errorf("api.status_path must contain {sessionId}")
	}
	if !strings.Contains(c.API.CancelPath, "{sessionId}") {
		return fmt.Errorf("api.cancel_path must contain {sessionId}")
	}
	if c.API.UploadPath == "" {
		return fmt.Errorf("api.upload_path is required")
	}
	if c.Timeouts.StartSeconds < 0 {
		return fmt.Errorf("timeouts.start_seconds must be >= 0")
	}
	if c.Timeouts.StatusSeconds <= 0 || c.Timeouts.DirectorySeconds <= 0 ||
		c.Timeouts.SearchSeconds <= 0 || c.Timeouts.CancelSeconds <= 0 {
		return fmt.Errorf("timeouts.status/directory/search/cancel_seconds must be > 0")
	}
	if c.Polling.IntervalMs <= 0 {
		return fmt.Errorf("polling.interval_ms must be > 0")
	}
	if c.Catalog.DirectoryRetries < 0 {
		return fmt.Errorf("catalog.directory_retries must be >= 0")
	}
	if c.Catalog.SearchRPS < 0 {
		return fmt.Errorf("catalog.search_rps must be >= 0")
	}
	return nil
}

// PollInterval returns the poll cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Polling.IntervalMs) * time.Millisecond
}

// StartTimeout returns the upload deadline, zero meaning none.
func (t TimeoutsConfig) StartTimeout() time.Duration {
	return time.Duration(t.StartSeconds) * time.Second
}

// StatusTimeout returns the per-poll deadline.
func (t TimeoutsConfig) StatusTimeout() time.Duration {
	return time.Duration(t.StatusSeconds) * time.Second
}

// DirectoryTimeout returns the deadline for directory-style reads.
func (t TimeoutsConfig) DirectoryTimeout() time.Duration {
	return time.Duration(t.DirectorySeconds) * time.Second
}

// SearchTimeout returns the deadline for search-style reads.
func (t TimeoutsConfig) SearchTimeout() time.Duration {
	return time.Duration(t.SearchSeconds) * time.Second
}

// CancelTimeout returns the deadline for the cancellation notice.
func (t TimeoutsConfig) CancelTimeout() time.Duration {
	return time.Duration(t.CancelSeconds) * time.Second
}
