// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the SMTP-to-webhook bridge.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration. It is immutable after
// Load/LoadFromFile return; components receive it by value or keep a pointer
// they never write through.
type Config struct {
	// TargetEmails is the allow-list of recipient addresses, compared
	// case-insensitively. At least one entry is required.
	TargetEmails []string `yaml:"target_emails"`

	// WebhookURL is the absolute URL every accepted message is POSTed to.
	// HTTPS is required unless Debug is set.
	WebhookURL string `yaml:"webhook_url"`

	SMTPBind   string `yaml:"smtp_bind"`
	SMTPPort   int    `yaml:"smtp_port"`
	HealthBind string `yaml:"health_bind"`
	HealthPort int    `yaml:"health_port"`

	// WebhookTimeoutSecs is the per-attempt HTTP timeout in seconds.
	WebhookTimeoutSecs int `yaml:"webhook_timeout_s"`

	// WebhookMaxRetries counts retries after the initial attempt.
	WebhookMaxRetries int `yaml:"webhook_max_retries"`

	// CBThreshold is the number of consecutive delivery failures that opens
	// the circuit breaker; CBResetSecs is the open-to-half-open wait.
	CBThreshold int `yaml:"cb_threshold"`
	CBResetSecs int `yaml:"cb_reset_s"`

	// HeaderPrefixes is an ordered list of case-insensitive header-name
	// prefixes forwarded in the payload. Empty disables passthrough.
	HeaderPrefixes []string `yaml:"header_prefixes"`

	// Debug permits a plain-HTTP webhook URL.
	Debug bool `yaml:"debug"`

	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
}

// TLSConfig holds optional certificate file paths. When both are empty a
// self-signed certificate is generated at startup.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults
// and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer, then
// overrides with environment variables. Returns an error if the specified
// file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SMTPAddr returns the SMTP listener address in host:port form.
func (c *Config) SMTPAddr() string {
	return net.JoinHostPort(c.SMTPBind, strconv.Itoa(c.SMTPPort))
}

// HealthAddr returns the health listener address in host:port form.
func (c *Config) HealthAddr() string {
	return net.JoinHostPort(c.HealthBind, strconv.Itoa(c.HealthPort))
}

// Validate checks required options and value ranges. Any error returned here
// is fatal at startup.
func (c *Config) Validate() error {
	if len(c.TargetEmails) == 0 {
		return fmt.Errorf("target_emails must contain at least one address (MAIL_LASER_TARGET_EMAILS)")
	}
	if c.WebhookURL == "" {
		return fmt.Errorf("webhook_url must be set (MAIL_LASER_WEBHOOK_URL)")
	}

	u, err := url.Parse(c.WebhookURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("webhook_url %q is not an absolute URL", c.WebhookURL)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !c.Debug {
			return fmt.Errorf("webhook_url %q must use https (plain http is permitted only with MAIL_LASER_DEBUG)", c.WebhookURL)
		}
	default:
		return fmt.Errorf("webhook_url %q has unsupported scheme %q", c.WebhookURL, u.Scheme)
	}

	if c.SMTPPort < 1 || c.SMTPPort > 65535 {
		return fmt.Errorf("smtp_port %d is out of range", c.SMTPPort)
	}
	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("health_port %d is out of range", c.HealthPort)
	}
	if c.WebhookTimeoutSecs < 1 {
		return fmt.Errorf("webhook_timeout_s must be positive")
	}
	if c.WebhookMaxRetries < 0 {
		return fmt.Errorf("webhook_max_retries must not be negative")
	}
	if c.CBThreshold < 1 {
		return fmt.Errorf("cb_threshold must be positive")
	}
	if c.CBResetSecs < 1 {
		return fmt.Errorf("cb_reset_s must be positive")
	}
	return nil
}

// applyDefaults sets default values for all optional configuration fields.
func (c *Config) applyDefaults() {
	c.SMTPBind = "0.0.0.0"
	c.SMTPPort = 2525
	c.HealthBind = "0.0.0.0"
	c.HealthPort = 8080
	c.WebhookTimeoutSecs = 30
	c.WebhookMaxRetries = 3
	c.CBThreshold = 5
	c.CBResetSecs = 60
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values. Unparseable
// numeric values are an error rather than silently ignored.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("MAIL_LASER_TARGET_EMAILS"); v != "" {
		c.TargetEmails = splitList(v)
	}
	if v := os.Getenv("MAIL_LASER_WEBHOOK_URL"); v != "" {
		c.WebhookURL = v
	}
	if v := os.Getenv("MAIL_LASER_SMTP_BIND"); v != "" {
		c.SMTPBind = v
	}
	if v := os.Getenv("MAIL_LASER_HEALTH_BIND"); v != "" {
		c.HealthBind = v
	}
	if v := os.Getenv("MAIL_LASER_HEADER_PREFIXES"); v != "" {
		c.HeaderPrefixes = splitList(v)
	}
	if v := os.Getenv("MAIL_LASER_DEBUG"); v != "" {
		c.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("MAIL_LASER_TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("MAIL_LASER_TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	ints := []struct {
		env  string
		dest *int
	}{
		{"MAIL_LASER_SMTP_PORT", &c.SMTPPort},
		{"MAIL_LASER_HEALTH_PORT", &c.HealthPort},
		{"MAIL_LASER_WEBHOOK_TIMEOUT_S", &c.WebhookTimeoutSecs},
		{"MAIL_LASER_WEBHOOK_MAX_RETRIES", &c.WebhookMaxRetries},
		{"MAIL_LASER_CB_THRESHOLD", &c.CBThreshold},
		{"MAIL_LASER_CB_RESET_S", &c.CBResetSecs},
	}
	for _, opt := range ints {
		v := os.Getenv(opt.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s (%q) must be an integer: %w", opt.env, v, err)
		}
		*opt.dest = n
	}
	return nil
}

// splitList parses a comma-separated value into trimmed, non-empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
