package courier

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, ":8080", config.Addr)
	assert.True(t, config.Multicore)
	assert.True(t, config.ReusePort)
	assert.Equal(t, 30*time.Second, config.ReadTimeout)
	assert.Equal(t, 64<<10, config.ReadBufferSize)
	assert.Equal(t, 64<<10, config.WriteBufferSize)
	assert.Equal(t, 1024, config.Workers)
	assert.NotNil(t, config.Logger)
	assert.False(t, config.DisableKeepAlive)
	require.NoError(t, config.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
		check   func(*testing.T, Config)
	}{
		{
			name:   "zero values get defaults",
			config: Config{},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, ":8080", c.Addr)
				assert.Equal(t, 64<<10, c.ReadBufferSize)
				assert.Equal(t, 1024, c.Workers)
				assert.Equal(t, 10*time.Second, c.ShutdownTimeout)
				assert.NotNil(t, c.Logger)
			},
		},
		{
			name:    "tiny read buffer",
			config:  Config{ReadBufferSize: 16},
			wantErr: "read_buffer_size must be at least 256",
		},
		{
			name:    "negative values",
			config:  Config{NumEventLoop: -1, ReadTimeout: -time.Second, MaxRequestsPerConn: -2},
			wantErr: "max_requests_per_conn must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, tt.config)
		})
	}
}

func TestClientConfig_Validate(t *testing.T) {
	var c ClientConfig
	require.NoError(t, c.Validate())
	assert.Equal(t, "courier", c.UserAgent)
	assert.Equal(t, 64, c.Workers)

	bad := ClientConfig{ConnectTimeout: -time.Second, WriteBufferSize: 10}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect_timeout")
	assert.Contains(t, err.Error(), "write_buffer_size")
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(`
log_level: debug
server:
  addr: 127.0.0.1:9000
  read_timeout: 5s
  max_requests_per_conn: 100
  disable_keep_alive: true
client:
  keep_alive: false
  connect_timeout: 250ms
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 100, cfg.Server.MaxRequestsPerConn)
	assert.True(t, cfg.Server.DisableKeepAlive)
	// Keys left out keep their defaults.
	assert.True(t, cfg.Server.Multicore)
	assert.Equal(t, 64<<10, cfg.Server.ReadBufferSize)
	assert.False(t, cfg.Client.KeepAlive)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.ConnectTimeout)
	assert.Equal(t, "courier", cfg.Client.UserAgent)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"unknown key", "server:\n  bogus: 1\n", "failed to decode config"},
		{"bad duration", "server:\n  read_timeout: soon\n", "failed to decode config"},
		{"bad log level", "log_level: loud\n", "unknown log_level"},
		{"invalid value", "server:\n  workers: -1\n", "server: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseConfig_Empty(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: :7000\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
