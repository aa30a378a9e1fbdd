package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	data       map[string]any
	sourceType SourceType
}

func (m *mockSource) Load() (map[string]any, error) { return m.data, nil }
func (m *mockSource) Type() SourceType              { return m.sourceType }

func TestLoader_Load(t *testing.T) {
	t.Run("Should load default configuration when no sources provided", func(t *testing.T) {
		cfg, err := NewService().Load(t.Context())

		require.NoError(t, err)
		assert.Equal(t, TransportStdio, cfg.Server.Transport)
		assert.Equal(t, "/mcp", cfg.Server.BasePath)
		assert.Equal(t, 3, cfg.Query.MaxRetries)
		assert.Equal(t, time.Second, cfg.Query.RetryDelay)
		assert.Zero(t, cfg.Query.QueryTimeout)
		assert.Equal(t, "info", cfg.Runtime.LogLevel)
		assert.False(t, cfg.Monitoring.Enabled)
	})

	t.Run("Should let environment variables override defaults", func(t *testing.T) {
		t.Setenv("MSSQL_MCP_QUERY_MAX_RETRIES", "5")
		t.Setenv("MSSQL_MCP_QUERY_RETRY_DELAY", "250ms")
		t.Setenv("MSSQL_MCP_LOG_LEVEL", "debug")
		t.Setenv("MSSQL_MCP_UNKNOWN_SETTING", "ignored")
		service := NewService()

		cfg, err := service.Load(t.Context())

		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Query.MaxRetries)
		assert.Equal(t, 250*time.Millisecond, cfg.Query.RetryDelay)
		assert.Equal(t, "debug", cfg.Runtime.LogLevel)
		assert.Equal(t, SourceEnv, service.GetSource("query.max_retries"))
		assert.Equal(t, SourceDefault, service.GetSource("server.host"))
	})

	t.Run("Should give CLI flags precedence over environment and files", func(t *testing.T) {
		t.Setenv("MSSQL_MCP_SERVER_PORT", "9000")
		dir := t.TempDir()
		path := filepath.Join(dir, "mssql-mcp.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  host: 0.0.0.0\n  port: 7000\n"), 0o600))
		service := NewService()

		cfg, err := service.Load(t.Context(),
			NewCLIProvider(map[string]any{"port": 9100, "transport": "http"}),
			NewYAMLProvider(path),
		)

		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9100, cfg.Server.Port)
		assert.Equal(t, TransportHTTP, cfg.Server.Transport)
		assert.Equal(t, SourceYAML, service.GetSource("server.host"))
		assert.Equal(t, SourceCLI, service.GetSource("server.port"))
	})

	t.Run("Should keep lower layers for keys a source omits", func(t *testing.T) {
		cfg, err := NewService().Load(t.Context(), &mockSource{
			data:       map[string]any{"pool": map[string]any{"max_open_conns": 20}},
			sourceType: SourceYAML,
		})

		require.NoError(t, err)
		assert.Equal(t, 20, cfg.Pool.MaxOpenConns)
		assert.Equal(t, 2, cfg.Pool.MaxIdleConns)
	})

	t.Run("Should reject an unknown transport", func(t *testing.T) {
		_, err := NewService().Load(t.Context(), NewCLIProvider(map[string]any{"transport": "sse"}))

		assert.ErrorContains(t, err, "configuration validation failed")
	})

	t.Run("Should reject monitoring on the stdio transport", func(t *testing.T) {
		_, err := NewService().Load(t.Context(), NewCLIProvider(map[string]any{"metrics": true}))

		assert.ErrorContains(t, err, "monitoring requires the http transport")
	})

	t.Run("Should reject more idle than open connections", func(t *testing.T) {
		t.Setenv("MSSQL_MCP_POOL_MAX_OPEN_CONNS", "2")
		t.Setenv("MSSQL_MCP_POOL_MAX_IDLE_CONNS", "4")

		_, err := NewService().Load(t.Context())

		assert.ErrorContains(t, err, "max_idle_conns cannot exceed max_open_conns")
	})
}

func TestProviders(t *testing.T) {
	t.Run("Should ignore flags without a config path", func(t *testing.T) {
		data, err := NewCLIProvider(map[string]any{"env-file": ".env", "log-json": true}).Load()

		require.NoError(t, err)
		assert.Equal(t, map[string]any{"runtime": map[string]any{"log_json": true}}, data)
	})

	t.Run("Should return an empty layer for a missing YAML file", func(t *testing.T) {
		data, err := NewYAMLProvider(filepath.Join(t.TempDir(), "missing.yaml")).Load()

		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("Should drop null values from YAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cfg.yaml")
		require.NoError(t, os.WriteFile(path, []byte("query:\n  max_retries:\n  retry_delay: 2s\n"), 0o600))

		data, err := NewYAMLProvider(path).Load()

		require.NoError(t, err)
		assert.Equal(t, map[string]any{"query": map[string]any{"retry_delay": "2s"}}, data)
	})

	t.Run("Should report a conflicting nested path", func(t *testing.T) {
		m := map[string]any{"server": "flat"}
		assert.ErrorContains(t, setNested(m, "server.port", 1), "is not a map")
	})
}

func TestEnvMappings(t *testing.T) {
	t.Run("Should map env vars from struct tags", func(t *testing.T) {
		assert.Equal(t, "MSSQL_MCP_SERVER_TRANSPORT", GetEnvVarForConfigPath("server.transport"))
		assert.Equal(t, "query.query_timeout", GenerateEnvToConfigMap()["MSSQL_MCP_QUERY_TIMEOUT"])
		assert.Empty(t, GetEnvVarForConfigPath("server.nope"))
	})
}

func TestFromContext(t *testing.T) {
	t.Run("Should fall back to defaults", func(t *testing.T) {
		assert.Equal(t, Default(), FromContext(t.Context()))
	})

	t.Run("Should return the attached config", func(t *testing.T) {
		cfg := Default()
		cfg.Server.Port = 1234
		assert.Same(t, cfg, FromContext(ContextWithConfig(t.Context(), cfg)))
	})
}
