package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":19090", cfg.Server.AdminAddress)
	assert.Equal(t, ":8090", cfg.Server.DataAddress)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, uint32(1), cfg.Filter.RootID)
	assert.True(t, cfg.Filter.Watch)
	assert.Equal(t, "polis-limitsize", cfg.Telemetry.ServiceName)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
server:
  admin_address: ":9901"
  data_address: ":10000"
  upstream_url: "http://backend:8080"
  read_timeout: 5s
filter:
  root_id: 7
  config_file: " limits.json "
  watch: false
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
logging:
  level: "DEBUG"
  pretty: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9901", cfg.Server.AdminAddress)
	assert.Equal(t, ":10000", cfg.Server.DataAddress)
	assert.Equal(t, "http://backend:8080", cfg.Server.UpstreamURL)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, uint32(7), cfg.Filter.RootID)
	assert.Equal(t, "limits.json", cfg.Filter.ConfigFile)
	assert.False(t, cfg.Filter.Watch)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
server:
  upstream_url: "http://from-file:80"
`)
	t.Setenv("PROXY_ADMIN_ADDR", ":1")
	t.Setenv("PROXY_DATA_ADDR", ":2")
	t.Setenv("PROXY_UPSTREAM_URL", "https://from-env:443")
	t.Setenv("PROXY_FILTER_CONFIG", "/etc/limits.json")
	t.Setenv("PROXY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("PROXY_OTLP_INSECURE", "true")
	t.Setenv("PROXY_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":1", cfg.Server.AdminAddress)
	assert.Equal(t, ":2", cfg.Server.DataAddress)
	assert.Equal(t, "https://from-env:443", cfg.Server.UpstreamURL)
	assert.Equal(t, "/etc/limits.json", cfg.Filter.ConfigFile)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "address conflict",
			content: "server:\n  admin_address: \":80\"\n  data_address: \":80\"\n",
			wantErr: "conflicts with data_address",
		},
		{
			name:    "bad upstream scheme",
			content: "server:\n  upstream_url: \"ftp://host\"\n",
			wantErr: "http or https",
		},
		{
			name:    "upstream without host",
			content: "server:\n  upstream_url: \"http://\"\n",
			wantErr: "has no host",
		},
		{
			name:    "negative timeout",
			content: "server:\n  idle_timeout: -1s\n",
			wantErr: "idle_timeout must not be negative",
		},
		{
			name:    "bad log level",
			content: "logging:\n  level: \"chatty\"\n",
			wantErr: "invalid log level",
		},
		{
			name:    "malformed yaml",
			content: "server: [\n",
			wantErr: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "config.yaml", tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
