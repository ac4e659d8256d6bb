// Package config loads sessionguard settings from defaults, an optional
// YAML file, SESSIONGUARD_* environment variables and bound CLI flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "SESSIONGUARD"

// Environment selects log routing and how loudly background failures are reported.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the full application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Session    SessionConfig    `mapstructure:"session"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Platform   PlatformConfig   `mapstructure:"platform"`
	Server     ServerConfig     `mapstructure:"server"`
}

type AppConfig struct {
	Name        string      `mapstructure:"name"`
	Environment Environment `mapstructure:"environment"`
}

// LogConfig controls the secure logger.
type LogConfig struct {
	Level             string `mapstructure:"level"`
	FilePath          string `mapstructure:"file_path"` // development only; empty disables the file sink
	RotationTimeHours int    `mapstructure:"rotation_time_hours"`
	MaxAgeDays        int    `mapstructure:"max_age_days"`
	RatePerSecond     int    `mapstructure:"rate_per_second"`
	Burst             int    `mapstructure:"burst"`
	MaxDepth          int    `mapstructure:"max_depth"`
}

type EncryptionConfig struct {
	AutoRotateKeys           bool   `mapstructure:"auto_rotate_keys"`
	KeyRotationIntervalHours int    `mapstructure:"key_rotation_interval_hours"`
	Algorithm                string `mapstructure:"algorithm"`
}

// KeyRotationInterval returns the rotation interval as a duration.
func (c EncryptionConfig) KeyRotationInterval() time.Duration {
	return time.Duration(c.KeyRotationIntervalHours) * time.Hour
}

type SessionConfig struct {
	SessionTimeout     time.Duration `mapstructure:"session_timeout"`
	ActivityTimeout    time.Duration `mapstructure:"activity_timeout"`
	ValidationInterval time.Duration `mapstructure:"validation_interval"`
	ActivityThrottle   time.Duration `mapstructure:"activity_throttle"`
	SignatureMaxAge    time.Duration `mapstructure:"signature_max_age"`
}

type MonitorConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	BehaviorInterval time.Duration `mapstructure:"behavior_interval"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	MaxAlerts        int           `mapstructure:"max_alerts"`
	UICheckInterval  time.Duration `mapstructure:"ui_check_interval"`
	UIMaxAlerts      int           `mapstructure:"ui_max_alerts"`
	ReauthPath       string        `mapstructure:"reauth_path"`
}

type StorageConfig struct {
	Driver    string `mapstructure:"driver"` // memory, bbolt or postgres
	Path      string `mapstructure:"path"`
	DSN       string `mapstructure:"dsn"`
	Namespace string `mapstructure:"namespace"`
}

type PlatformConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	IPLookupURL string        `mapstructure:"ip_lookup_url"`
	IngestURL   string        `mapstructure:"ingest_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures the reference platform served by "sessionguard server".
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	RatePerSecond  float64  `mapstructure:"rate_per_second"`
	Burst          int      `mapstructure:"burst"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	// EventWebhookURL, when set, receives a copy of every security event.
	EventWebhookURL  string `mapstructure:"event_webhook_url"`
	EventWebhookAuth string `mapstructure:"event_webhook_auth"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "sessionguard", Environment: Development},
		Log: LogConfig{
			Level:             "info",
			RotationTimeHours: 24,
			MaxAgeDays:        7,
			RatePerSecond:     100,
			Burst:             200,
			MaxDepth:          5,
		},
		Encryption: EncryptionConfig{
			AutoRotateKeys:           false,
			KeyRotationIntervalHours: 24,
			Algorithm:                "AES-256-GCM",
		},
		Session: SessionConfig{
			SessionTimeout:     24 * time.Hour,
			ActivityTimeout:    30 * time.Minute,
			ValidationInterval: time.Minute,
			ActivityThrottle:   time.Minute,
			SignatureMaxAge:    5 * time.Minute,
		},
		Monitor: MonitorConfig{
			Enabled:          true,
			BehaviorInterval: time.Minute,
			CheckInterval:    30 * time.Second,
			MaxAlerts:        10,
			UICheckInterval:  30 * time.Second,
			UIMaxAlerts:      5,
			ReauthPath:       "/auth",
		},
		Storage: StorageConfig{Driver: "memory"},
		Platform: PlatformConfig{
			BaseURL:     "http://localhost:8080",
			IPLookupURL: "https://api.ipify.org?format=json",
			Timeout:     10 * time.Second,
		},
		Server: ServerConfig{
			Port:          8080,
			RatePerSecond: 20,
			Burst:         40,
		},
	}
}

// setDefaults registers every default with v so env vars and flags can
// override individual keys.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("app.name", d.App.Name)
	v.SetDefault("app.environment", string(d.App.Environment))
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file_path", d.Log.FilePath)
	v.SetDefault("log.rotation_time_hours", d.Log.RotationTimeHours)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.rate_per_second", d.Log.RatePerSecond)
	v.SetDefault("log.burst", d.Log.Burst)
	v.SetDefault("log.max_depth", d.Log.MaxDepth)
	v.SetDefault("encryption.auto_rotate_keys", d.Encryption.AutoRotateKeys)
	v.SetDefault("encryption.key_rotation_interval_hours", d.Encryption.KeyRotationIntervalHours)
	v.SetDefault("encryption.algorithm", d.Encryption.Algorithm)
	v.SetDefault("session.session_timeout", d.Session.SessionTimeout)
	v.SetDefault("session.activity_timeout", d.Session.ActivityTimeout)
	v.SetDefault("session.validation_interval", d.Session.ValidationInterval)
	v.SetDefault("session.activity_throttle", d.Session.ActivityThrottle)
	v.SetDefault("session.signature_max_age", d.Session.SignatureMaxAge)
	v.SetDefault("monitor.enabled", d.Monitor.Enabled)
	v.SetDefault("monitor.behavior_interval", d.Monitor.BehaviorInterval)
	v.SetDefault("monitor.check_interval", d.Monitor.CheckInterval)
	v.SetDefault("monitor.max_alerts", d.Monitor.MaxAlerts)
	v.SetDefault("monitor.ui_check_interval", d.Monitor.UICheckInterval)
	v.SetDefault("monitor.ui_max_alerts", d.Monitor.UIMaxAlerts)
	v.SetDefault("monitor.reauth_path", d.Monitor.ReauthPath)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("storage.namespace", d.Storage.Namespace)
	v.SetDefault("platform.base_url", d.Platform.BaseURL)
	v.SetDefault("platform.api_key", d.Platform.APIKey)
	v.SetDefault("platform.ip_lookup_url", d.Platform.IPLookupURL)
	v.SetDefault("platform.ingest_url", d.Platform.IngestURL)
	v.SetDefault("platform.timeout", d.Platform.Timeout)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.rate_per_second", d.Server.RatePerSecond)
	v.SetDefault("server.burst", d.Server.Burst)
	v.SetDefault("server.trusted_proxies", d.Server.TrustedProxies)
	v.SetDefault("server.event_webhook_url", d.Server.EventWebhookURL)
	v.SetDefault("server.event_webhook_auth", d.Server.EventWebhookAuth)
}

// Load reads configuration. path may be empty, in which case only
// defaults, environment variables and flags apply. flags may be nil; when
// set, each flag whose name matches a config key with dots replaced by
// dashes (for example "server-port") is bound.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for _, k := range v.AllKeys() {
			if f := flags.Lookup(strings.ReplaceAll(strings.ReplaceAll(k, ".", "-"), "_", "-")); f != nil {
				if err := v.BindPFlag(k, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", f.Name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.App.Environment {
	case Development, Production:
	default:
		errs = append(errs, fmt.Errorf("app.environment must be %q or %q, got %q", Development, Production, c.App.Environment))
	}
	positive := map[string]time.Duration{
		"session.session_timeout":     c.Session.SessionTimeout,
		"session.activity_timeout":    c.Session.ActivityTimeout,
		"session.validation_interval": c.Session.ValidationInterval,
		"session.activity_throttle":   c.Session.ActivityThrottle,
		"session.signature_max_age":   c.Session.SignatureMaxAge,
		"monitor.behavior_interval":   c.Monitor.BehaviorInterval,
		"monitor.check_interval":      c.Monitor.CheckInterval,
		"monitor.ui_check_interval":   c.Monitor.UICheckInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Encryption.KeyRotationIntervalHours <= 0 {
		errs = append(errs, errors.New("encryption.key_rotation_interval_hours must be positive"))
	}
	if c.Monitor.MaxAlerts <= 0 || c.Monitor.UIMaxAlerts <= 0 {
		errs = append(errs, errors.New("monitor alert caps must be positive"))
	}
	if c.Server.RatePerSecond <= 0 || c.Server.Burst <= 0 {
		errs = append(errs, errors.New("server rate limit must be positive"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "bbolt":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the bbolt driver"))
		}
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the development environment is selected.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == Development
}
