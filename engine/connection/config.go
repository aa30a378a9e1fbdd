package connection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/mohae/deepcopy"
)

const DefaultPort = 1433

// Config describes how to reach the database. Exactly one shape is used:
// ConnectionString when non-empty, otherwise the structured fields.
type Config struct {
	ConnectionString       string         `json:"connectionString,omitempty"       mapstructure:"connectionString"`
	Server                 string         `json:"server,omitempty"                 mapstructure:"server"                 validate:"required_without=ConnectionString"`
	Database               string         `json:"database,omitempty"               mapstructure:"database"               validate:"required_without=ConnectionString"`
	User                   string         `json:"user,omitempty"                   mapstructure:"user"                   validate:"required_without=ConnectionString"`
	Password               string         `json:"password,omitempty"               mapstructure:"password"               validate:"required_without=ConnectionString"`
	Port                   int            `json:"port,omitempty"                   mapstructure:"port"                   validate:"omitempty,min=1,max=65535"`
	Encrypt                *bool          `json:"encrypt,omitempty"                mapstructure:"encrypt"`
	TrustServerCertificate *bool          `json:"trustServerCertificate,omitempty" mapstructure:"trustServerCertificate"`
	Options                map[string]any `json:"options,omitempty"                mapstructure:"options"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the config shape without touching the network.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: configuration is required", ErrConfigValidation)
	}
	if strings.TrimSpace(c.ConnectionString) != "" {
		return nil
	}
	structured := *c
	structured.ConnectionString = ""
	structured.Server = strings.TrimSpace(c.Server)
	structured.Database = strings.TrimSpace(c.Database)
	structured.User = strings.TrimSpace(c.User)
	structured.Password = strings.TrimSpace(c.Password)
	if err := validate.Struct(&structured); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			missing := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				missing = append(missing, strings.ToLower(fe.Field()))
			}
			return fmt.Errorf(
				"%w: either connectionString or (server, database, user, password) must be provided; invalid: %s",
				ErrConfigValidation,
				strings.Join(missing, ", "),
			)
		}
		return fmt.Errorf("%w: %w", ErrConfigValidation, err)
	}
	return nil
}

// UsesConnectionString reports whether the raw connection string shape is in use.
func (c *Config) UsesConnectionString() bool {
	return c != nil && strings.TrimSpace(c.ConnectionString) != ""
}

// Clone returns a deep copy so callers never share the stored config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Encrypt != nil {
		v := *c.Encrypt
		clone.Encrypt = &v
	}
	if c.TrustServerCertificate != nil {
		v := *c.TrustServerCertificate
		clone.TrustServerCertificate = &v
	}
	if c.Options != nil {
		if opts, ok := deepcopy.Copy(c.Options).(map[string]any); ok {
			clone.Options = opts
		}
	}
	return &clone
}

// Redacted returns a copy safe for logs and status output.
func (c *Config) Redacted() *Config {
	clone := c.Clone()
	if clone == nil {
		return nil
	}
	if clone.Password != "" {
		clone.Password = redactedValue
	}
	if clone.ConnectionString != "" {
		clone.ConnectionString = redactConnectionString(clone.ConnectionString)
	}
	return clone
}

// DecodeConfig builds a Config from a loosely typed argument bag, such as the
// arguments of an MCP tool call.
func DecodeConfig(args map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create config decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidation, err)
	}
	return cfg, nil
}

// Bool is a helper for the optional flags of Config.
func Bool(v bool) *bool {
	return &v
}
