// Package config provides YAML-based configuration loading for the shop server.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, loaded from garage.yaml.
type Config struct {
	Shop     string         `yaml:"shop"`
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Orders   OrdersConfig   `yaml:"orders"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects and addresses the relational store. Driver is
// "mysql" (default) or "sqlite".
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file
}

// HTTPConfig holds the messaging API listener settings.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// WhatsAppConfig controls session orchestration. MobileMarker defaults to
// "1"; set it to "" for locales without a mobile marker.
type WhatsAppConfig struct {
	DefaultCountryCode   string        `yaml:"default_country_code"`
	MobileMarker         *string       `yaml:"mobile_marker"`
	HeartbeatIntervalSec int           `yaml:"heartbeat_interval_sec"`
	RestartDelaySec      int           `yaml:"restart_delay_sec"` // 0 disables restart-on-failure
	RestoreOnStart       *bool         `yaml:"restore_on_start"`
	SessionDir           string        `yaml:"session_dir"`
	Browser              BrowserConfig `yaml:"browser"`
}

// BrowserConfig configures the headless-browser driver.
type BrowserConfig struct {
	WebURL         string `yaml:"web_url"`
	RemoteURL      string `yaml:"remote_url"`
	Headless       *bool  `yaml:"headless"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

// OrdersConfig tunes order lookups used for routing.
type OrdersConfig struct {
	CacheTTLSec int `yaml:"cache_ttl_sec"`
}

// AlertsConfig configures staff alerts. Platform is "", "slack" or "discord".
type AlertsConfig struct {
	Platform string        `yaml:"platform"`
	Channel  string        `yaml:"channel"`
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// LogConfig controls the process logger. Format is "auto", "text" or "json".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, unmarshals YAML bytes and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" && c.Shop != "" {
			c.Database.Name = "garage_" + c.Shop
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "garage.db"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 3001
	}

	wa := &c.WhatsApp
	if wa.DefaultCountryCode == "" {
		wa.DefaultCountryCode = "52"
	}
	if wa.MobileMarker == nil {
		marker := "1"
		wa.MobileMarker = &marker
	}
	if wa.HeartbeatIntervalSec == 0 {
		wa.HeartbeatIntervalSec = 60
	}
	if wa.RestoreOnStart == nil {
		on := true
		wa.RestoreOnStart = &on
	}
	if wa.SessionDir == "" {
		wa.SessionDir = ".wa_sessions"
	}
	if wa.Browser.WebURL == "" {
		wa.Browser.WebURL = "https://web.whatsapp.com"
	}
	if wa.Browser.Headless == nil {
		on := true
		wa.Browser.Headless = &on
	}
	if wa.Browser.PollIntervalMs == 0 {
		wa.Browser.PollIntervalMs = 2000
	}

	if c.Orders.CacheTTLSec == 0 {
		c.Orders.CacheTTLSec = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Shop == "" {
		errs = append(errs, "shop is required")
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port %d is out of range", c.HTTP.Port))
	}
	if !isDigits(c.WhatsApp.DefaultCountryCode) {
		errs = append(errs, "whatsapp.default_country_code must contain only digits")
	}
	if m := *c.WhatsApp.MobileMarker; m != "" && !isDigits(m) {
		errs = append(errs, "whatsapp.mobile_marker must contain only digits")
	}
	if c.WhatsApp.HeartbeatIntervalSec < 1 {
		errs = append(errs, "whatsapp.heartbeat_interval_sec must be at least 1")
	}
	if c.WhatsApp.RestartDelaySec < 0 {
		errs = append(errs, "whatsapp.restart_delay_sec must not be negative")
	}
	switch c.Alerts.Platform {
	case "":
	case "slack":
		if c.Alerts.Slack.BotToken == "" {
			errs = append(errs, "alerts.slack.bot_token is required")
		}
		if c.Alerts.Channel == "" {
			errs = append(errs, "alerts.channel is required")
		}
	case "discord":
		if c.Alerts.Discord.BotToken == "" {
			errs = append(errs, "alerts.discord.bot_token is required")
		}
		if c.Alerts.Channel == "" {
			errs = append(errs, "alerts.channel is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("alerts.platform %q is not supported (slack, discord)", c.Alerts.Platform))
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported (auto, text, json)", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// HeartbeatInterval returns the session heartbeat period.
func (w WhatsAppConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalSec) * time.Second
}

// RestartDelay returns the restart-on-failure delay; zero means disabled.
func (w WhatsAppConfig) RestartDelay() time.Duration {
	return time.Duration(w.RestartDelaySec) * time.Second
}

// PollInterval returns how often the browser driver inspects the page.
func (b BrowserConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalMs) * time.Millisecond
}

// CacheTTL returns how long resolved orders stay cached.
func (o OrdersConfig) CacheTTL() time.Duration {
	return time.Duration(o.CacheTTLSec) * time.Second
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
