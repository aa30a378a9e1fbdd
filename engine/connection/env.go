package connection

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "MSSQL_"

// Environment keys, relative to EnvPrefix.
const (
	envConnectionString       = "connection_string"
	envServer                 = "server"
	envDatabase               = "database"
	envUser                   = "user"
	envPassword               = "password"
	envPort                   = "port"
	envEncrypt                = "encrypt"
	envTrustServerCertificate = "trust_server_certificate"
)

// EnvSource reads a connection config from MSSQL_* environment variables:
// MSSQL_CONNECTION_STRING, or MSSQL_SERVER, MSSQL_DATABASE, MSSQL_USER and
// MSSQL_PASSWORD with optional MSSQL_PORT, MSSQL_ENCRYPT and
// MSSQL_TRUST_SERVER_CERTIFICATE.
type EnvSource struct {
	Prefix string
}

func NewEnvSource() *EnvSource {
	return &EnvSource{Prefix: EnvPrefix}
}

func (s *EnvSource) Load(_ context.Context) (*Config, error) {
	prefix := s.Prefix
	if prefix == "" {
		prefix = EnvPrefix
	}
	k := koanf.New(".")
	err := k.Load(env.Provider(".", env.Opt{
		Prefix: prefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, prefix)), value
		},
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s environment: %w", prefix, err)
	}
	if connStr := strings.TrimSpace(k.String(envConnectionString)); connStr != "" {
		return &Config{ConnectionString: connStr}, nil
	}
	cfg := &Config{
		Server:   k.String(envServer),
		Database: k.String(envDatabase),
		User:     k.String(envUser),
		Password: k.String(envPassword),
	}
	if cfg.Server == "" || cfg.Database == "" || cfg.User == "" || cfg.Password == "" {
		return nil, nil
	}
	if raw := k.String(envPort); raw != "" {
		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %s%s: %w", ErrConfigValidation, prefix, strings.ToUpper(envPort), err)
		}
		cfg.Port = port
	}
	if raw := k.String(envEncrypt); raw != "" {
		cfg.Encrypt = Bool(strings.EqualFold(strings.TrimSpace(raw), "true"))
	}
	if raw := k.String(envTrustServerCertificate); raw != "" {
		cfg.TrustServerCertificate = Bool(strings.EqualFold(strings.TrimSpace(raw), "true"))
	}
	return cfg, nil
}
