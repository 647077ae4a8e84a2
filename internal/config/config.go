// Package config loads hfwd configuration from YAML files and HFWD_*
// environment variables.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nickman/hfwd/internal/circuitbreaker"
	"github.com/nickman/hfwd/internal/constants"
	"github.com/nickman/hfwd/internal/forward"
	"github.com/nickman/hfwd/internal/metrics"
	"github.com/nickman/hfwd/internal/retry"
	"github.com/nickman/hfwd/internal/socks5"
	"github.com/nickman/hfwd/internal/transport"
	"github.com/nickman/hfwd/pkg/logger"
)

// EnvPrefix prefixes environment overrides, e.g. HFWD_TRANSPORT_ADDRESS.
const EnvPrefix = "HFWD"

// Config is the complete hfwd configuration.
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Forward   ForwardConfig   `mapstructure:"forward"`
	// Forwards holds port numbers, forward strings or maps; see ParseForwards.
	Forwards []interface{} `mapstructure:"forwards"`
	Dynamic  DynamicConfig `mapstructure:"dynamic"`
	Serve    ServeConfig   `mapstructure:"serve"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
	Stats    StatsConfig   `mapstructure:"stats"`
	Logging  LoggingConfig `mapstructure:"logging"`
}

// TransportConfig selects the multiplexer channels are opened through.
type TransportConfig struct {
	// Type is ssh, yamux, socks5 or direct.
	Type              string          `mapstructure:"type"`
	Address           string          `mapstructure:"address"`
	DialTimeout       time.Duration   `mapstructure:"dial_timeout"`
	KeepAliveInterval time.Duration   `mapstructure:"keepalive_interval"`
	SSH               SSHConfig       `mapstructure:"ssh"`
	WebSocket         WebSocketConfig `mapstructure:"websocket"`
	SOCKS             SOCKSConfig     `mapstructure:"socks"`
	Retry             RetryConfig     `mapstructure:"retry"`
	Breaker           BreakerConfig   `mapstructure:"breaker"`
}

// SSHConfig holds SSH credentials and host verification.
type SSHConfig struct {
	User                  string `mapstructure:"user"`
	Password              string `mapstructure:"password"`
	PrivateKeyFile        string `mapstructure:"private_key_file"`
	Passphrase            string `mapstructure:"passphrase"`
	Agent                 bool   `mapstructure:"agent"`
	KnownHosts            string `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool   `mapstructure:"insecure_ignore_host_key"`
}

// WebSocketConfig carries yamux over a WebSocket when enabled.
type WebSocketConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	URL                string        `mapstructure:"url"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

// SOCKSConfig holds SOCKS5 proxy credentials.
type SOCKSConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// RetryConfig is the transport dial backoff.
type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       float64       `mapstructure:"jitter"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// BreakerConfig configures the per-endpoint circuit breaker.
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxFailures         int           `mapstructure:"max_failures"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxHalfOpenRequests int           `mapstructure:"max_half_open_requests"`
}

// ForwardConfig holds session settings shared by all forwards.
type ForwardConfig struct {
	CloseGrace  time.Duration `mapstructure:"close_grace"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	BufferSize  int           `mapstructure:"buffer_size"`
}

// DynamicConfig configures the SOCKS5 dynamic forward. An empty Listen
// disables it.
type DynamicConfig struct {
	Listen   string `mapstructure:"listen"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ServeConfig configures the yamux channel server run by "hfwd serve".
type ServeConfig struct {
	Listen      string        `mapstructure:"listen"`
	WebSocket   bool          `mapstructure:"websocket"`
	Path        string        `mapstructure:"path"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// StatsConfig controls the periodic stats log.
type StatsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	rc := retry.DefaultConfig()
	bc := circuitbreaker.DefaultConfig()
	return &Config{
		Transport: TransportConfig{
			Type:              transport.TypeSSH,
			DialTimeout:       constants.DefaultDialTimeout,
			KeepAliveInterval: constants.DefaultKeepAliveInterval,
			WebSocket: WebSocketConfig{
				HandshakeTimeout: 10 * time.Second,
			},
			Retry: RetryConfig{
				InitialDelay: rc.InitialDelay,
				MaxDelay:     rc.MaxDelay,
				Multiplier:   rc.Multiplier,
				Jitter:       rc.Jitter,
				MaxAttempts:  rc.MaxAttempts,
			},
			Breaker: BreakerConfig{
				Enabled:             false,
				MaxFailures:         bc.MaxFailures,
				Timeout:             bc.Timeout,
				MaxHalfOpenRequests: bc.MaxHalfOpenRequests,
			},
		},
		Forward: ForwardConfig{
			CloseGrace:  constants.DefaultCloseGrace,
			OpenTimeout: constants.DefaultOpenTimeout,
			BufferSize:  constants.DefaultBufferSize,
		},
		Forwards: []interface{}{},
		Serve: ServeConfig{
			Listen:      "0.0.0.0:7000",
			Path:        "/hfwd",
			DialTimeout: constants.DefaultDialTimeout,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9090",
			Path:    "/metrics",
		},
		Stats: StatsConfig{
			Enabled:  true,
			Interval: constants.DefaultStatsInterval,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "",
		},
	}
}

// Load loads configuration from configPath, or from hfwd.yaml in the
// standard locations when configPath is empty. A missing file in the
// standard locations is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("hfwd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hfwd/")
		v.AddConfigPath("$HOME/.hfwd/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a file that must exist.
func LoadFromFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	return Load(path)
}

// setDefaults sets default values in viper.
func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("transport.type", defaults.Transport.Type)
	v.SetDefault("transport.address", defaults.Transport.Address)
	v.SetDefault("transport.dial_timeout", defaults.Transport.DialTimeout)
	v.SetDefault("transport.keepalive_interval", defaults.Transport.KeepAliveInterval)
	v.SetDefault("transport.ssh.user", defaults.Transport.SSH.User)
	v.SetDefault("transport.ssh.password", defaults.Transport.SSH.Password)
	v.SetDefault("transport.ssh.private_key_file", defaults.Transport.SSH.PrivateKeyFile)
	v.SetDefault("transport.ssh.passphrase", defaults.Transport.SSH.Passphrase)
	v.SetDefault("transport.ssh.agent", defaults.Transport.SSH.Agent)
	v.SetDefault("transport.ssh.known_hosts", defaults.Transport.SSH.KnownHosts)
	v.SetDefault("transport.ssh.insecure_ignore_host_key", defaults.Transport.SSH.InsecureIgnoreHostKey)
	v.SetDefault("transport.websocket.enabled", defaults.Transport.WebSocket.Enabled)
	v.SetDefault("transport.websocket.url", defaults.Transport.WebSocket.URL)
	v.SetDefault("transport.websocket.handshake_timeout", defaults.Transport.WebSocket.HandshakeTimeout)
	v.SetDefault("transport.websocket.insecure_skip_verify", defaults.Transport.WebSocket.InsecureSkipVerify)
	v.SetDefault("transport.socks.user", defaults.Transport.SOCKS.User)
	v.SetDefault("transport.socks.password", defaults.Transport.SOCKS.Password)
	v.SetDefault("transport.retry.initial_delay", defaults.Transport.Retry.InitialDelay)
	v.SetDefault("transport.retry.max_delay", defaults.Transport.Retry.MaxDelay)
	v.SetDefault("transport.retry.multiplier", defaults.Transport.Retry.Multiplier)
	v.SetDefault("transport.retry.jitter", defaults.Transport.Retry.Jitter)
	v.SetDefault("transport.retry.max_attempts", defaults.Transport.Retry.MaxAttempts)
	v.SetDefault("transport.breaker.enabled", defaults.Transport.Breaker.Enabled)
	v.SetDefault("transport.breaker.max_failures", defaults.Transport.Breaker.MaxFailures)
	v.SetDefault("transport.breaker.timeout", defaults.Transport.Breaker.Timeout)
	v.SetDefault("transport.breaker.max_half_open_requests", defaults.Transport.Breaker.MaxHalfOpenRequests)

	v.SetDefault("forward.close_grace", defaults.Forward.CloseGrace)
	v.SetDefault("forward.open_timeout", defaults.Forward.OpenTimeout)
	v.SetDefault("forward.buffer_size", defaults.Forward.BufferSize)

	v.SetDefault("forwards", defaults.Forwards)

	v.SetDefault("dynamic.listen", defaults.Dynamic.Listen)
	v.SetDefault("dynamic.username", defaults.Dynamic.Username)
	v.SetDefault("dynamic.password", defaults.Dynamic.Password)

	v.SetDefault("serve.listen", defaults.Serve.Listen)
	v.SetDefault("serve.websocket", defaults.Serve.WebSocket)
	v.SetDefault("serve.path", defaults.Serve.Path)
	v.SetDefault("serve.dial_timeout", defaults.Serve.DialTimeout)

	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.listen", defaults.Metrics.Listen)
	v.SetDefault("metrics.path", defaults.Metrics.Path)

	v.SetDefault("stats.enabled", defaults.Stats.Enabled)
	v.SetDefault("stats.interval", defaults.Stats.Interval)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Transport.Type {
	case transport.TypeSSH:
		if c.Transport.Address == "" {
			return fmt.Errorf("transport.address is required for ssh")
		}
		if c.Transport.SSH.User == "" {
			return fmt.Errorf("transport.ssh.user is required")
		}
	case transport.TypeYamux:
		if c.Transport.WebSocket.Enabled {
			if c.Transport.WebSocket.URL == "" {
				return fmt.Errorf("transport.websocket.url is required when websocket is enabled")
			}
		} else if c.Transport.Address == "" {
			return fmt.Errorf("transport.address is required for yamux")
		}
	case transport.TypeSOCKS:
		if c.Transport.Address == "" {
			return fmt.Errorf("transport.address is required for socks5")
		}
	case transport.TypeDirect:
	default:
		return fmt.Errorf("invalid transport type: %q (use ssh, yamux, socks5 or direct)", c.Transport.Type)
	}

	if c.Transport.Retry.Multiplier < 1 {
		return fmt.Errorf("transport.retry.multiplier must be at least 1, got %v", c.Transport.Retry.Multiplier)
	}
	if c.Transport.Retry.Jitter < 0 || c.Transport.Retry.Jitter > 1 {
		return fmt.Errorf("transport.retry.jitter must be between 0 and 1, got %v", c.Transport.Retry.Jitter)
	}

	if c.Forward.CloseGrace < 0 {
		return fmt.Errorf("forward.close_grace must not be negative")
	}
	if c.Forward.OpenTimeout < 0 {
		return fmt.Errorf("forward.open_timeout must not be negative")
	}
	if c.Forward.BufferSize != 0 && (c.Forward.BufferSize < constants.MinBufferSize || c.Forward.BufferSize > constants.MaxBufferSize) {
		return fmt.Errorf("forward.buffer_size must be between %d and %d, got %d",
			constants.MinBufferSize, constants.MaxBufferSize, c.Forward.BufferSize)
	}

	if _, err := c.ForwardSpecs(); err != nil {
		return fmt.Errorf("invalid forwards: %w", err)
	}

	if (c.Dynamic.Username == "") != (c.Dynamic.Password == "") {
		return fmt.Errorf("dynamic.username and dynamic.password must be set together")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %q (use json or console)", c.Logging.Format)
	}
	return nil
}

// ForwardSpecs parses Forwards into session specs.
func (c *Config) ForwardSpecs() ([]forward.Spec, error) {
	forwards, err := ParseForwards(c.Forwards)
	if err != nil {
		return nil, err
	}
	specs := make([]forward.Spec, 0, len(forwards))
	for _, f := range forwards {
		specs = append(specs, f.Spec())
	}
	return specs, nil
}

// TransportOptions converts the transport section for transport.New.
func (c *Config) TransportOptions() transport.Config {
	t := c.Transport
	tc := transport.Config{
		Type:        t.Type,
		Address:     t.Address,
		DialTimeout: t.DialTimeout,
		SSH: transport.SSHConfig{
			User:                  t.SSH.User,
			Password:              t.SSH.Password,
			PrivateKeyPath:        t.SSH.PrivateKeyFile,
			Passphrase:            t.SSH.Passphrase,
			UseAgent:              t.SSH.Agent,
			KnownHostsPath:        t.SSH.KnownHosts,
			InsecureIgnoreHostKey: t.SSH.InsecureIgnoreHostKey,
			KeepAliveInterval:     t.KeepAliveInterval,
		},
		Yamux: transport.YamuxConfig{
			KeepAliveInterval: t.KeepAliveInterval,
		},
		SOCKS: transport.SOCKSConfig{
			User:     t.SOCKS.User,
			Password: t.SOCKS.Password,
		},
		Retry: &retry.Config{
			InitialDelay: t.Retry.InitialDelay,
			MaxDelay:     t.Retry.MaxDelay,
			Multiplier:   t.Retry.Multiplier,
			Jitter:       t.Retry.Jitter,
			MaxAttempts:  t.Retry.MaxAttempts,
		},
		UseBreaker: t.Breaker.Enabled,
		Breaker: &circuitbreaker.Config{
			MaxFailures:         t.Breaker.MaxFailures,
			Timeout:             t.Breaker.Timeout,
			MaxHalfOpenRequests: t.Breaker.MaxHalfOpenRequests,
		},
	}
	if t.WebSocket.Enabled {
		ws := transport.DefaultWebSocketConfig(t.WebSocket.URL)
		if t.WebSocket.HandshakeTimeout > 0 {
			ws.HandshakeTimeout = t.WebSocket.HandshakeTimeout
		}
		if t.WebSocket.InsecureSkipVerify {
			ws.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
		tc.Yamux.WebSocket = ws
	}
	return tc
}

// SOCKSServerConfig converts the dynamic section for socks5.NewServer.
func (c *Config) SOCKSServerConfig() socks5.Config {
	return socks5.Config{
		Username:   c.Dynamic.Username,
		Password:   c.Dynamic.Password,
		BufferSize: c.Forward.BufferSize,
	}
}

// ManagerConfig converts the forward section for forward.NewManager.
func (c *Config) ManagerConfig() *forward.Config {
	return &forward.Config{
		OpenTimeout: c.Forward.OpenTimeout,
		BufferSize:  c.Forward.BufferSize,
	}
}

// LoggerConfig converts the logging section for logger.New.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// MetricsServerConfig converts the metrics section for metrics.NewServer.
func (c *Config) MetricsServerConfig() *metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	if c.Metrics.Listen != "" {
		cfg.Addr = c.Metrics.Listen
	}
	if c.Metrics.Path != "" {
		cfg.Path = c.Metrics.Path
	}
	return cfg
}
