package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultBindAddress         = "0.0.0.0"
	DefaultPort                = 2525
	DefaultDomain              = "localhost"
	DefaultMaxConnections      = 1000
	DefaultMaxConnectionsPerIP = 20
	DefaultMaxLineLength       = 1000
	DefaultMaxMessageSize      = "25mb"
	DefaultCommandTimeout      = 5 * time.Minute
	DefaultWriteTimeout        = time.Minute
	DefaultListenBacklog       = 1024
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// SMTPServerConfig holds the submission listener configuration.
type SMTPServerConfig struct {
	Name                string `toml:"name"`
	BindAddress         string `toml:"bind_address"`
	Port                int    `toml:"port"`
	Domain              string `toml:"domain"`                 // Name used in the banner and HELO/EHLO replies
	MaxConnections      int    `toml:"max_connections"`        // Maximum concurrent connections (0 = unlimited)
	MaxConnectionsPerIP int    `toml:"max_connections_per_ip"` // Maximum connections per IP address (0 = unlimited)
	MaxLineLength       int    `toml:"max_line_length"`        // Maximum bytes per protocol line, excluding CRLF
	MaxMessageSize      string `toml:"max_message_size"`       // e.g. "25mb"
	CommandTimeout      string `toml:"command_timeout"`        // Idle read timeout per command
	WriteTimeout        string `toml:"write_timeout"`
	ListenBacklog       int    `toml:"listen_backlog"`
}

// HTTPConfig holds the liveness/health endpoint configuration.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig    `toml:"logging"`
	SMTP    SMTPServerConfig `toml:"smtp"`
	HTTP    HTTPConfig       `toml:"http"`
	Metrics MetricsConfig    `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		SMTP: SMTPServerConfig{
			Name:                "smtp",
			BindAddress:         DefaultBindAddress,
			Port:                DefaultPort,
			Domain:              DefaultDomain,
			MaxConnections:      DefaultMaxConnections,
			MaxConnectionsPerIP: DefaultMaxConnectionsPerIP,
			MaxLineLength:       DefaultMaxLineLength,
			MaxMessageSize:      DefaultMaxMessageSize,
			CommandTimeout:      DefaultCommandTimeout.String(),
			WriteTimeout:        DefaultWriteTimeout.String(),
			ListenBacklog:       DefaultListenBacklog,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Addr returns the host:port the SMTP listener binds to.
func (s *SMTPServerConfig) Addr() string {
	return net.JoinHostPort(s.BindAddress, strconv.Itoa(s.Port))
}

// GetMaxMessageSize parses the maximum message size
func (s *SMTPServerConfig) GetMaxMessageSize() (int64, error) {
	if s.MaxMessageSize == "" {
		return ParseSize(DefaultMaxMessageSize)
	}
	return ParseSize(s.MaxMessageSize)
}

// GetCommandTimeout parses the idle read timeout
func (s *SMTPServerConfig) GetCommandTimeout() (time.Duration, error) {
	if s.CommandTimeout == "" {
		return DefaultCommandTimeout, nil
	}
	return ParseDuration(s.CommandTimeout)
}

// GetWriteTimeout parses the write timeout
func (s *SMTPServerConfig) GetWriteTimeout() (time.Duration, error) {
	if s.WriteTimeout == "" {
		return DefaultWriteTimeout, nil
	}
	return ParseDuration(s.WriteTimeout)
}

// GetMaxMessageSizeWithDefault returns the max message size, falling back to the default on parse errors.
func (s *SMTPServerConfig) GetMaxMessageSizeWithDefault() int64 {
	size, err := s.GetMaxMessageSize()
	if err != nil {
		log.Printf("WARNING: invalid max_message_size '%s': %v. Using default %s", s.MaxMessageSize, err, DefaultMaxMessageSize)
		size, _ = ParseSize(DefaultMaxMessageSize)
	}
	return size
}

// GetCommandTimeoutWithDefault returns the command timeout, falling back to the default on parse errors.
func (s *SMTPServerConfig) GetCommandTimeoutWithDefault() time.Duration {
	timeout, err := s.GetCommandTimeout()
	if err != nil {
		log.Printf("WARNING: invalid command_timeout '%s': %v. Using default %v", s.CommandTimeout, err, DefaultCommandTimeout)
		return DefaultCommandTimeout
	}
	return timeout
}

// GetWriteTimeoutWithDefault returns the write timeout, falling back to the default on parse errors.
func (s *SMTPServerConfig) GetWriteTimeoutWithDefault() time.Duration {
	timeout, err := s.GetWriteTimeout()
	if err != nil {
		log.Printf("WARNING: invalid write_timeout '%s': %v. Using default %v", s.WriteTimeout, err, DefaultWriteTimeout)
		return DefaultWriteTimeout
	}
	return timeout
}

// Validate checks the SMTP server configuration
func (s *SMTPServerConfig) Validate() error {
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d, must be between 1 and 65535", s.Port)
	}
	if s.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if strings.ContainsAny(s.Domain, " \r\n") {
		return fmt.Errorf("domain %q must not contain whitespace", s.Domain)
	}
	if s.MaxConnections < 0 || s.MaxConnectionsPerIP < 0 {
		return fmt.Errorf("connection limits must not be negative")
	}
	if s.MaxLineLength < 0 {
		return fmt.Errorf("max_line_length must not be negative")
	}
	if _, err := s.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("invalid max_message_size: %w", err)
	}
	if _, err := s.GetCommandTimeout(); err != nil {
		return fmt.Errorf("invalid command_timeout: %w", err)
	}
	if _, err := s.GetWriteTimeout(); err != nil {
		return fmt.Errorf("invalid write_timeout: %w", err)
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.SMTP.Validate(); err != nil {
		return fmt.Errorf("smtp: %w", err)
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http: addr is required when enabled")
	}
	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return fmt.Errorf("metrics: addr is required when enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics: path %q must start with '/'", c.Metrics.Path)
		}
	}
	return nil
}

// ApplyEnv overrides configuration values from the process environment.
// Recognized variables: BIND_ADDRESS, PORT, SMTP_DOMAIN, HTTP_ADDR, LOG_LEVEL.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("BIND_ADDRESS")); v != "" {
		c.SMTP.BindAddress = v
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.SMTP.Port = port
	}
	if v := strings.TrimSpace(getenv("SMTP_DOMAIN")); v != "" {
		c.SMTP.Domain = v
	}
	if v := strings.TrimSpace(getenv("HTTP_ADDR")); v != "" {
		c.HTTP.Addr = v
	}
	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// LoadConfigFromFile decodes a TOML file over cfg. Keys absent from the file
// keep the values already present in cfg.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please remove or comment out the duplicate entry", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "incompatible types") {
		return fmt.Errorf("%w\n\nHINT: A value has the wrong type. Ports and limits are integers, "+
			"durations and sizes are quoted strings (e.g. \"5m\", \"25mb\")", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
