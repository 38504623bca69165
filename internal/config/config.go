package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mixelka/verifymail/internal/email"
)

const defaultPort = 993

// Config application configuration
type Config struct {
	// Mailbox
	EmailUser          string        `env:"EMAIL_USER,required,notEmpty"`
	EmailPassword      string        `env:"EMAIL_PASSWORD,required,notEmpty"`
	EmailHost          string        `env:"EMAIL_HOST"` // resolved from EMAIL_USER when empty
	EmailPort          int           `env:"EMAIL_PORT"` // 993, or the resolved provider port
	EmailTLS           bool          `env:"EMAIL_TLS" envDefault:"true"` // off by default for a resolved loopback bridge
	EmailTLSSkipVerify bool          `env:"EMAIL_TLS_SKIP_VERIFY" envDefault:"false"`
	EmailAuthTimeout   time.Duration `env:"EMAIL_AUTH_TIMEOUT" envDefault:"10s"`

	// Polling
	Sender       string        `env:"VERIFY_SENDER" envDefault:"info@crewsforge.com"`
	MaxWait      time.Duration `env:"VERIFY_MAX_WAIT" envDefault:"30s"`
	PollInterval time.Duration `env:"VERIFY_POLL_INTERVAL" envDefault:"3s"`
	RecentWindow time.Duration `env:"VERIFY_RECENT_WINDOW" envDefault:"2m"`

	// Audit log, disabled when empty
	DatabasePath string `env:"DATABASE_PATH"`

	Logging
}

// Logging logger configuration
type Logging struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// LoadLogging reads only the logging settings, for commands that do not touch the mailbox
func LoadLogging() Logging {
	_ = godotenv.Load()

	var l Logging
	if err := env.Parse(&l); err != nil {
		return Logging{LogLevel: "info", LogFormat: "text"}
	}
	return l
}

// HistoryEnabled returns true if the audit log is configured
func (c *Config) HistoryEnabled() bool {
	return c.DatabasePath != ""
}

// ClientConfig returns the IMAP session parameters
func (c *Config) ClientConfig() email.ClientConfig {
	return email.ClientConfig{
		User:               c.EmailUser,
		Password:           c.EmailPassword,
		Host:               c.EmailHost,
		Port:               c.EmailPort,
		TLS:                c.EmailTLS,
		InsecureSkipVerify: c.EmailTLSSkipVerify,
		DialTimeout:        c.EmailAuthTimeout,
	}
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	return Parse()
}

// Parse reads configuration from the process environment only
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.EmailHost == "" {
		host, port, err := email.ResolveIMAPServer(c.EmailUser)
		if err != nil {
			return fmt.Errorf("EMAIL_HOST not set and cannot be resolved: %w", err)
		}
		c.EmailHost = host
		if c.EmailPort == 0 {
			c.EmailPort = port
		}
		// Local bridges such as ProtonMail Bridge speak plain IMAP on loopback
		if _, set := os.LookupEnv("EMAIL_TLS"); !set && isLoopback(host) {
			c.EmailTLS = false
		}
	}
	if c.EmailPort == 0 {
		c.EmailPort = defaultPort
	}

	if c.EmailPort <= 0 || c.EmailPort > 65535 {
		return fmt.Errorf("EMAIL_PORT must be between 1 and 65535, got %d", c.EmailPort)
	}
	if c.MaxWait <= 0 {
		return fmt.Errorf("VERIFY_MAX_WAIT must be positive, got %s", c.MaxWait)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("VERIFY_POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.RecentWindow <= 0 {
		return fmt.Errorf("VERIFY_RECENT_WINDOW must be positive, got %s", c.RecentWindow)
	}

	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
