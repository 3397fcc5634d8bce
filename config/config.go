package config

import (
	"net"
	"strconv"
	"time"
)

// Config represents the complete relay configuration
type Config struct {
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"` // legacy alias for http.port
	HTTP      HTTPConfig      `yaml:"http"`
	Socks     SocksConfig     `yaml:"socks"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Transport TransportConfig `yaml:"transport"`

	// MatchAbsolutePathsByReferer routes requests that match no rule by the
	// path of their Referer header.
	MatchAbsolutePathsByReferer bool `yaml:"match_absolute_paths_by_referer"`

	// Watch reloads the rules when the config file changes.
	Watch bool `yaml:"watch"`

	Rules []Rule `yaml:"rules"`

	// Path is the file this configuration was loaded from, if any.
	Path string `yaml:"-"`
}

// HTTPConfig configures the inbound HTTP listener. A zero port disables it.
type HTTPConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"` // 0 = unlimited
}

// SocksConfig configures the SOCKS5 listener.
type SocksConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// AdminConfig configures the admin endpoint. An empty address disables it.
type AdminConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Format   string            `yaml:"format"` // "pretty" or "json"
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // "stdout", "stderr" or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// TracingConfig defines OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// TransportConfig tunes the outbound HTTP client.
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	DisableKeepAlives     bool          `yaml:"disable_keep_alives"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	CAFile                string        `yaml:"ca_file"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Host: "localhost",
		HTTP: HTTPConfig{
			Port:              8000,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Socks: SocksConfig{
			Enabled: true,
			Port:    1080,
		},
		Logging: LoggingConfig{
			Format: "pretty",
			Level:  "info",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			ServiceName: "relay",
			SampleRate:  1.0,
		},
		MatchAbsolutePathsByReferer: true,
	}
}

// ListenHost is the host the HTTP listener binds to.
func (c *Config) ListenHost() string {
	if c.HTTP.Host != "" {
		return c.HTTP.Host
	}
	return c.Host
}

// ListenPort is the HTTP port, honoring the legacy top-level port.
func (c *Config) ListenPort() int {
	if c.HTTP.Port != 0 {
		return c.HTTP.Port
	}
	return c.Port
}

// HTTPAddress is the listen address of the HTTP transport, or "" when the
// transport is disabled.
func (c *Config) HTTPAddress() string {
	port := c.ListenPort()
	if port == 0 {
		return ""
	}
	return net.JoinHostPort(c.ListenHost(), strconv.Itoa(port))
}

// SocksAddress is the listen address of the SOCKS transport.
func (c *Config) SocksAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Socks.Port))
}
