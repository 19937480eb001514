// Package courier is an asynchronous HTTP/1.x server and client built on a
// single-threaded event loop.
package courier

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/albertbausili/courier/internal/buffer"
)

// Config holds the server configuration.
type Config struct {
	Addr           string `yaml:"addr"`            // Address to bind to
	Multicore      bool   `yaml:"multicore"`       // Run gnet with one event loop per core
	NumEventLoop   int    `yaml:"num_event_loop"`  // Number of gnet event loops (0 for auto-detect)
	ReusePort      bool   `yaml:"reuse_port"`      // Enable SO_REUSEPORT
	MaxConnections uint32 `yaml:"max_connections"` // Connections beyond this get a 503 (0 for no limit)

	ReadTimeout        time.Duration `yaml:"read_timeout"`          // Maximum wait for a complete request
	ReadBufferSize     int           `yaml:"read_buffer_size"`      // Upper bound on one request
	WriteBufferSize    int           `yaml:"write_buffer_size"`     // Upper bound on one response
	MaxRequestsPerConn int           `yaml:"max_requests_per_conn"` // Requests per connection (0 for no limit)
	DisableKeepAlive   bool          `yaml:"disable_keep_alive"`    // Close after every response

	Workers         int           `yaml:"workers"`          // Size of the handler pool
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Budget for Stop when the caller gives none

	Logger hclog.Logger `yaml:"-"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		Multicore:       true,
		ReusePort:       true,
		ReadTimeout:     30 * time.Second,
		ReadBufferSize:  buffer.DefaultCapacity,
		WriteBufferSize: buffer.DefaultCapacity,
		Workers:         1024,
		ShutdownTimeout: 10 * time.Second,
		Logger:          hclog.NewNullLogger(),
	}
}

// Validate normalizes zero values and reports settings that cannot work.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = buffer.DefaultCapacity
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = buffer.DefaultCapacity
	}
	if c.Workers == 0 {
		c.Workers = 1024
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}

	if c.NumEventLoop < 0 {
		result = multierror.Append(result, fmt.Errorf("num_event_loop must not be negative, got %d", c.NumEventLoop))
	}
	if c.ReadTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("read_timeout must not be negative, got %s", c.ReadTimeout))
	}
	if c.ReadBufferSize < minBufferSize {
		result = multierror.Append(result, fmt.Errorf("read_buffer_size must be at least %d, got %d", minBufferSize, c.ReadBufferSize))
	}
	if c.WriteBufferSize < minBufferSize {
		result = multierror.Append(result, fmt.Errorf("write_buffer_size must be at least %d, got %d", minBufferSize, c.WriteBufferSize))
	}
	if c.MaxRequestsPerConn < 0 {
		result = multierror.Append(result, fmt.Errorf("max_requests_per_conn must not be negative, got %d", c.MaxRequestsPerConn))
	}
	if c.Workers < 0 {
		result = multierror.Append(result, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	return result.ErrorOrNil()
}

// minBufferSize fits the longest error response the server writes.
const minBufferSize = 256

// ClientConfig holds the client configuration.
type ClientConfig struct {
	// KeepAlive reuses one connection across requests to the same address.
	KeepAlive       bool          `yaml:"keep_alive"`
	UserAgent       string        `yaml:"user_agent"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	// Workers bounds the goroutines doing blocking socket I/O.
	Workers int `yaml:"workers"`

	Logger hclog.Logger `yaml:"-"`
}

// DefaultClientConfig returns a ClientConfig with sensible default values.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		KeepAlive:       true,
		UserAgent:       "courier",
		ConnectTimeout:  10 * time.Second,
		ReadBufferSize:  buffer.DefaultCapacity,
		WriteBufferSize: buffer.DefaultCapacity,
		Workers:         64,
		Logger:          hclog.NewNullLogger(),
	}
}

// Validate normalizes zero values and reports settings that cannot work.
func (c *ClientConfig) Validate() error {
	var result *multierror.Error
	if c.UserAgent == "" {
		c.UserAgent = "courier"
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = buffer.DefaultCapacity
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = buffer.DefaultCapacity
	}
	if c.Workers == 0 {
		c.Workers = 64
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}

	if c.ConnectTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("connect_timeout must not be negative, got %s", c.ConnectTimeout))
	}
	if c.ReadBufferSize < minBufferSize {
		result = multierror.Append(result, fmt.Errorf("read_buffer_size must be at least %d, got %d", minBufferSize, c.ReadBufferSize))
	}
	if c.WriteBufferSize < minBufferSize {
		result = multierror.Append(result, fmt.Errorf("write_buffer_size must be at least %d, got %d", minBufferSize, c.WriteBufferSize))
	}
	if c.Workers < 0 {
		result = multierror.Append(result, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	return result.ErrorOrNil()
}

// FileConfig is the layout of a YAML configuration file.
type FileConfig struct {
	LogLevel string       `yaml:"log_level"`
	Server   Config       `yaml:"server"`
	Client   ClientConfig `yaml:"client"`
}

// DefaultFileConfig returns the configuration used for keys a file leaves out.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		LogLevel: "info",
		Server:   DefaultConfig(),
		Client:   DefaultClientConfig(),
	}
}

// ParseConfig decodes YAML from r over the defaults. Unknown keys are an
// error.
func ParseConfig(r io.Reader) (FileConfig, error) {
	cfg := DefaultFileConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return FileConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if hclog.LevelFromString(cfg.LogLevel) == hclog.NoLevel {
		return FileConfig{}, fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	var result *multierror.Error
	if err := cfg.Server.Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("server: %w", err))
	}
	if err := cfg.Client.Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("client: %w", err))
	}
	if err := result.ErrorOrNil(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(bytes.NewReader(data))
}
