package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/compozy/mssql-mcp/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestVersionCmd(t *testing.T) {
	t.Run("Should print build information as JSON", func(t *testing.T) {
		cmd := RootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"version", "--json"})

		require.NoError(t, cmd.Execute())

		assert.Equal(t, "unknown", gjson.Get(out.String(), "version").String())
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("Should apply only flags that were set", func(t *testing.T) {
		t.Setenv("MSSQL_MCP_SERVER_PORT", "9000")
		cmd := ServeCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--transport", "http", "--log-json"}))

		cfg, err := loadConfig(cmd)

		require.NoError(t, err)
		assert.Equal(t, config.TransportHTTP, cfg.Server.Transport)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.True(t, cfg.Runtime.LogJSON)
	})

	t.Run("Should turn --debug into the debug log level", func(t *testing.T) {
		cmd := ServeCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--debug"}))
		require.NoError(t, applyDebugFlag(cmd, nil))

		cfg, err := loadConfig(cmd)

		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Runtime.LogLevel)
	})

	t.Run("Should read the YAML config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mssql-mcp.yaml")
		require.NoError(t, os.WriteFile(path, []byte("query:\n  max_retries: 5\n"), 0o600))
		cmd := ServeCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--config", path}))

		cfg, err := loadConfig(cmd)

		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Query.MaxRetries)
	})

	t.Run("Should fail on an invalid transport flag", func(t *testing.T) {
		cmd := ServeCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--transport", "grpc"}))

		_, err := loadConfig(cmd)

		assert.ErrorContains(t, err, "failed to load configuration")
	})
}

func TestLoadEnvFile(t *testing.T) {
	t.Run("Should load variables from a file in the working directory", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MSSQL_MCP_TEST_VALUE=from-file\n"), 0o600))
		t.Setenv("MSSQL_MCP_TEST_VALUE", "")
		require.NoError(t, os.Unsetenv("MSSQL_MCP_TEST_VALUE"))
		cmd := ServeCmd()

		path, err := loadEnvFile(cmd)

		require.NoError(t, err)
		assert.Equal(t, "from-file", os.Getenv("MSSQL_MCP_TEST_VALUE"))
		assert.True(t, filepath.IsAbs(path))
	})

	t.Run("Should ignore a missing file", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cmd := ServeCmd()

		_, err := loadEnvFile(cmd)

		assert.NoError(t, err)
	})

	t.Run("Should refuse files outside the working directory", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cmd := ServeCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--env-file", "../outside.env"}))

		_, err := loadEnvFile(cmd)

		assert.ErrorContains(t, err, "outside the working directory")
	})
}
