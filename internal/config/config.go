// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	Web     WebConfig     `yaml:"web"`
	Store   StoreConfig   `yaml:"store"`
	Notify  string        `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds the capture endpoint configuration.
type SMTPConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Domain      string        `yaml:"domain"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// WebConfig holds the HTTP query interface configuration.
type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StoreConfig selects and locates the message store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
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
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports every setting that would prevent the service from
// starting.
func (c *Config) Validate() error {
	var errs []error

	if c.SMTP.Username == "" || c.SMTP.Password == "" {
		errs = append(errs, errors.New("smtp username and password must be set"))
	}
	if !validPort(c.SMTP.Port) {
		errs = append(errs, fmt.Errorf("smtp port %d out of range", c.SMTP.Port))
	}
	if !validPort(c.Web.Port) {
		errs = append(errs, fmt.Errorf("web port %d out of range", c.Web.Port))
	}
	if c.SMTP.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("smtp idle timeout %s must be positive", c.SMTP.IdleTimeout))
	}
	switch c.Store.Driver {
	case "json", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store path must be set"))
	}
	switch c.Notify {
	case "stdout", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown notify mode %q", c.Notify))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// SMTPAddr returns the host:port the SMTP server listens on.
func (c *Config) SMTPAddr() string {
	return net.JoinHostPort(c.SMTP.Host, strconv.Itoa(c.SMTP.Port))
}

// WebAddr returns the host:port the HTTP query interface listens on.
func (c *Config) WebAddr() string {
	return net.JoinHostPort(c.Web.Host, strconv.Itoa(c.Web.Port))
}

// SubmitAddr returns an address clients on this machine can dial to reach
// the SMTP server. Wildcard listen hosts map to loopback.
func (c *Config) SubmitAddr() string {
	host := c.SMTP.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.SMTP.Port))
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Host = "0.0.0.0"
	c.SMTP.Port = 2525
	c.SMTP.Domain = "ghostmail.local"
	c.SMTP.Username = "ghost"
	c.SMTP.Password = "ghostmail"
	c.SMTP.IdleTimeout = 5 * time.Minute
	c.Web.Host = "0.0.0.0"
	c.Web.Port = 3002
	c.Store.Driver = "json"
	c.Store.Path = "data/emails.json"
	c.Notify = "stdout"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; numbers
// and durations that do not parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_DOMAIN"); v != "" {
		c.SMTP.Domain = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.IdleTimeout = d
		}
	}

	if v := os.Getenv("WEB_HOST"); v != "" {
		c.Web.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Web.Port = port
		}
	}

	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("EMAIL_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if v := os.Getenv("NOTIFY"); v != "" {
		c.Notify = strings.ToLower(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
}
