// Package config provides configuration parsing and validation for unisock.
package config

import (
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/unisock/internal/transport"
)

// Config represents the complete server configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Echo      EchoConfig      `yaml:"echo"`
	Health    HealthConfig    `yaml:"health"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TransportConfig selects and tunes the backend.
type TransportConfig struct {
	Type    string `yaml:"type"`
	Address string `yaml:"address"`

	// MaxDatagramSize is a human size such as "64KiB" or "1500".
	MaxDatagramSize string `yaml:"max_datagram_size"`

	QueueSize     int     `yaml:"queue_size"`
	BatchSize     int     `yaml:"batch_size"`
	AcceptBacklog int     `yaml:"accept_backlog"`
	AcceptRate    float64 `yaml:"accept_rate"`
	AcceptBurst   int     `yaml:"accept_burst"`
	WSPath        string  `yaml:"ws_path"`

	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig defines certificate settings for the ws and quic transports.
type TLSConfig struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	SelfSigned         bool   `yaml:"self_signed"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// HasCertAndKey reports whether both certificate paths are set.
func (t TLSConfig) HasCertAndKey() bool {
	return t.Cert != "" && t.Key != ""
}

// EchoConfig configures the echo service.
type EchoConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxConns    int           `yaml:"max_conns"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool            `yaml:"enabled"`
	Address      string          `yaml:"address"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	BasicAuth    BasicAuthConfig `yaml:"basic_auth"`
}

// BasicAuthConfig holds the credentials for the health endpoints.
// PasswordHash is a bcrypt hash.
type BasicAuthConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Transport: TransportConfig{
			Type:            string(transport.TransportUDPMux),
			Address:         "0.0.0.0:9000",
			MaxDatagramSize: "65507",
			QueueSize:       transport.DefaultQueueSize,
			BatchSize:       transport.DefaultReadBatchSize,
			AcceptBacklog:   transport.DefaultAcceptBacklog,
			WSPath:          transport.DefaultWSPath,
		},
		Echo: EchoConfig{
			Enabled:     true,
			MaxConns:    1024,
			IdleTimeout: 60 * time.Second,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are left as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	errs = append(errs, c.Transport.validate()...)

	if c.Echo.MaxConns < 0 {
		errs = append(errs, "echo.max_conns must not be negative")
	}
	if c.Echo.IdleTimeout < 0 {
		errs = append(errs, "echo.idle_timeout must not be negative")
	}

	if c.Health.Enabled {
		if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("invalid health.address: %s", c.Health.Address))
		}
		auth := c.Health.BasicAuth
		if (auth.Username == "") != (auth.PasswordHash == "") {
			errs = append(errs, "health.basic_auth needs both username and password_hash")
		}
		if auth.PasswordHash != "" && !strings.HasPrefix(auth.PasswordHash, "$2") {
			errs = append(errs, "health.basic_auth.password_hash must be a bcrypt hash")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func (t TransportConfig) validate() []string {
	var errs []string

	typ, err := transport.ParseType(t.Type)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid transport.type: %s (must be one of %s)", t.Type, typeList()))
	}
	if _, err := netip.ParseAddrPort(t.Address); err != nil {
		errs = append(errs, fmt.Sprintf("invalid transport.address: %s (must be ip:port)", t.Address))
	}
	if size, err := t.DatagramSize(); err != nil {
		errs = append(errs, fmt.Sprintf("invalid transport.max_datagram_size: %v", err))
	} else if size < 1 || size > transport.DefaultMaxDatagramSize {
		errs = append(errs, fmt.Sprintf("transport.max_datagram_size must be between 1 and %d", transport.DefaultMaxDatagramSize))
	}
	if t.QueueSize < 0 || t.BatchSize < 0 || t.AcceptBacklog < 0 || t.AcceptBurst < 0 {
		errs = append(errs, "transport queue, batch, backlog and burst sizes must not be negative")
	}
	if t.AcceptRate < 0 {
		errs = append(errs, "transport.accept_rate must not be negative")
	}
	if typ == transport.TransportWebSocket && !strings.HasPrefix(t.WSPath, "/") {
		errs = append(errs, "transport.ws_path must start with /")
	}
	if (t.TLS.Cert == "") != (t.TLS.Key == "") {
		errs = append(errs, "transport.tls.cert and transport.tls.key must be set together")
	}
	return errs
}

func typeList() string {
	names := make([]string, 0, len(transport.Types()))
	for _, t := range transport.Types() {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// DatagramSize parses MaxDatagramSize. An empty value is the default.
func (t TransportConfig) DatagramSize() (int, error) {
	if t.MaxDatagramSize == "" {
		return transport.DefaultMaxDatagramSize, nil
	}
	n, err := humanize.ParseBytes(t.MaxDatagramSize)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%s is too large", t.MaxDatagramSize)
	}
	return int(n), nil
}

// BindAddr returns the parsed transport address.
func (t TransportConfig) BindAddr() (netip.AddrPort, error) {
	return netip.ParseAddrPort(t.Address)
}

// Options converts the transport section into backend options. Logger,
// metrics and registry are left for the caller.
func (t TransportConfig) Options() (transport.Options, error) {
	size, err := t.DatagramSize()
	if err != nil {
		return transport.Options{}, err
	}

	var tlsConf *tls.Config
	switch {
	case t.TLS.HasCertAndKey():
		tlsConf, err = transport.LoadTLSConfig(t.TLS.Cert, t.TLS.Key)
	case t.TLS.SelfSigned:
		tlsConf, err = transport.SelfSignedTLSConfig("localhost")
	}
	if err != nil {
		return transport.Options{}, fmt.Errorf("failed to load TLS config: %w", err)
	}

	return transport.Options{
		MaxDatagramSize:    size,
		QueueSize:          t.QueueSize,
		AcceptBacklog:      t.AcceptBacklog,
		ReadBatchSize:      t.BatchSize,
		AcceptRate:         t.AcceptRate,
		AcceptBurst:        t.AcceptBurst,
		TLSConfig:          tlsConf,
		InsecureSkipVerify: t.TLS.InsecureSkipVerify,
		WSPath:             t.WSPath,
	}, nil
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.Transport.TLS.Key != "" {
		redacted.Transport.TLS.Key = redactedValue
	}
	if redacted.Health.BasicAuth.PasswordHash != "" {
		redacted.Health.BasicAuth.PasswordHash = redactedValue
	}
	return &redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Transport.TLS.Key != "" || c.Health.BasicAuth.PasswordHash != ""
}
