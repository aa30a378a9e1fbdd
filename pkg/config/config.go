package config

import (
	"context"
	"time"
)

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config represents the complete configuration for the mssql-mcp server.
// Connection details for the database itself are not part of it: they arrive
// through the configure_connection tool or the MSSQL_* bootstrap variables.
type Config struct {
	Server     ServerConfig     `koanf:"server"     validate:"required"`
	Runtime    RuntimeConfig    `koanf:"runtime"    validate:"required"`
	Query      QueryConfig      `koanf:"query"      validate:"required"`
	Pool       PoolConfig       `koanf:"pool"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
}

// ServerConfig selects the MCP transport and, for http, where to listen.
type ServerConfig struct {
	Transport       string        `koanf:"transport"        validate:"oneof=stdio http" env:"MSSQL_MCP_SERVER_TRANSPORT"        flag:"transport"`
	Host            string        `koanf:"host"             validate:"required"         env:"MSSQL_MCP_SERVER_HOST"             flag:"host"`
	Port            int           `koanf:"port"             validate:"min=1,max=65535"  env:"MSSQL_MCP_SERVER_PORT"             flag:"port"`
	BasePath        string        `koanf:"base_path"        validate:"startswith=/"     env:"MSSQL_MCP_SERVER_BASE_PATH"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=0"            env:"MSSQL_MCP_SERVER_SHUTDOWN_TIMEOUT"`
}

type RuntimeConfig struct {
	LogLevel  string `koanf:"log_level"  validate:"oneof=debug info warn error disabled" env:"MSSQL_MCP_LOG_LEVEL"  flag:"log-level"`
	LogJSON   bool   `koanf:"log_json"                                                    env:"MSSQL_MCP_LOG_JSON"   flag:"log-json"`
	LogSource bool   `koanf:"log_source"                                                  env:"MSSQL_MCP_LOG_SOURCE" flag:"log-source"`
}

// QueryConfig tunes the retry policy of the query executor.
type QueryConfig struct {
	MaxRetries   int           `koanf:"max_retries"   validate:"min=1" env:"MSSQL_MCP_QUERY_MAX_RETRIES"`
	RetryDelay   time.Duration `koanf:"retry_delay"   validate:"min=0" env:"MSSQL_MCP_QUERY_RETRY_DELAY"`
	QueryTimeout time.Duration `koanf:"query_timeout" validate:"min=0" env:"MSSQL_MCP_QUERY_TIMEOUT"`
}

// PoolConfig sizes the database/sql pool behind the managed connection.
type PoolConfig struct {
	MaxOpenConns    int           `koanf:"max_open_conns"     validate:"min=0" env:"MSSQL_MCP_POOL_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `koanf:"max_idle_conns"     validate:"min=0" env:"MSSQL_MCP_POOL_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"  validate:"min=0" env:"MSSQL_MCP_POOL_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time" validate:"min=0" env:"MSSQL_MCP_POOL_CONN_MAX_IDLE_TIME"`
	PingTimeout     time.Duration `koanf:"ping_timeout"       validate:"min=0" env:"MSSQL_MCP_POOL_PING_TIMEOUT"`
}

type MonitoringConfig struct {
	Enabled bool   `koanf:"enabled" env:"MSSQL_MCP_MONITORING_ENABLED" flag:"metrics"`
	Path    string `koanf:"path"    env:"MSSQL_MCP_MONITORING_PATH"`
}

// Service loads and validates configuration from layered sources.
type Service interface {
	Load(ctx context.Context, sources ...Source) (*Config, error)
	Validate(config *Config) error
	GetSource(key string) SourceType
}

// Source supplies one layer of configuration as a nested map.
type Source interface {
	Load() (map[string]any, error)
	Type() SourceType
}

type SourceType string

const (
	SourceDefault SourceType = "default"
	SourceYAML    SourceType = "yaml"
	SourceEnv     SourceType = "env"
	SourceCLI     SourceType = "cli"
)

// Metadata records where each loaded key came from.
type Metadata struct {
	Sources  map[string]SourceType
	LoadedAt time.Time
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Transport:       TransportStdio,
			Host:            "127.0.0.1",
			Port:            8080,
			BasePath:        "/mcp",
			ShutdownTimeout: 10 * time.Second,
		},
		Runtime: RuntimeConfig{
			LogLevel: "info",
		},
		Query: QueryConfig{
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		Pool: PoolConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxIdleTime: 30 * time.Second,
			PingTimeout:     15 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Enabled: false,
			Path:    "/metrics",
		},
	}
}
