// Package config loads server configuration from an optional YAML file
// with environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/agentchat/relay/internal/access"
	"github.com/agentchat/relay/internal/captcha"
	"github.com/agentchat/relay/internal/dispute"
)

// Server holds listener settings.
type Server struct {
	Name    string `yaml:"name"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// Auth holds handshake and admission settings.
type Auth struct {
	ChallengeTTL  time.Duration `yaml:"challenge_ttl"`
	AdminKey      string        `yaml:"admin_key"`
	AllowlistMode string        `yaml:"allowlist_mode"`
}

// Captcha holds the captcha gate settings.
type Captcha struct {
	Enabled   bool               `yaml:"enabled"`
	TTL       time.Duration      `yaml:"ttl"`
	Policy    string             `yaml:"policy"`
	Questions []captcha.Question `yaml:"questions"`
}

// Limits holds abuse-control settings.
type Limits struct {
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	Burst             int           `yaml:"burst"`
	MaxCallbackDelay  time.Duration `yaml:"max_callback_delay"`
	CallbacksPerAgent int           `yaml:"callbacks_per_agent"`
}

// Config is the full server configuration.
type Config struct {
	Server   Server         `yaml:"server"`
	Auth     Auth           `yaml:"auth"`
	Captcha  Captcha        `yaml:"captcha"`
	Limits   Limits         `yaml:"limits"`
	Dispute  dispute.Config `yaml:"dispute"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: Server{
			Name: "agentchat",
			Host: "0.0.0.0",
			Port: 8080,
		},
		Auth: Auth{
			ChallengeTTL:  30 * time.Second,
			AllowlistMode: access.ModeOff,
		},
		Captcha: Captcha{
			Enabled: false,
			TTL:     30 * time.Second,
			Policy:  captcha.PolicyDisconnect,
		},
		Limits: Limits{
			MessagesPerSecond: 1,
			Burst:             1,
			MaxCallbackDelay:  24 * time.Hour,
			CallbacksPerAgent: 10,
		},
		Dispute:  dispute.DefaultConfig(),
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads the YAML file at path (missing file is fine), then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("ADMIN_KEY"); v != "" {
		c.Auth.AdminKey = v
	}
	if v := os.Getenv("ALLOWLIST_MODE"); v != "" {
		c.Auth.AllowlistMode = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TLS_CERT"); v != "" {
		c.Server.TLSCert = v
	}
	if v := os.Getenv("TLS_KEY"); v != "" {
		c.Server.TLSKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CAPTCHA_ENABLED"); v != "" {
		c.Captcha.Enabled = v == "1" || v == "true"
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	switch c.Auth.AllowlistMode {
	case access.ModeOff, access.ModeNonStrict, access.ModeStrict:
	default:
		return fmt.Errorf("unknown allowlist mode %q", c.Auth.AllowlistMode)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if c.Limits.MessagesPerSecond <= 0 {
		return fmt.Errorf("messages_per_second must be positive")
	}
	if c.Limits.Burst < 1 {
		return fmt.Errorf("burst must be at least 1")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// TLSEnabled reports whether a cert pair is configured.
func (c *Config) TLSEnabled() bool {
	return c.Server.TLSCert != "" && c.Server.TLSKey != ""
}
