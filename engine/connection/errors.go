package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigValidation is returned before any I/O when a config has neither
	// a connection string nor the complete structured tuple.
	ErrConfigValidation = errors.New("invalid connection configuration")
	// ErrNotConfigured is returned when no config is stored and no bootstrap
	// source could provide one.
	ErrNotConfigured = errors.New(
		"database not connected: configure a connection first or set MSSQL environment variables",
	)
	// ErrNoConfig is returned by a reconnect attempted without a stored config.
	ErrNoConfig = errors.New("no configuration available for reconnection")
)

// ConnectError wraps a failed configure attempt.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to database: %v", e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ReconnectError wraps a failed reconnect, including the no-config case.
type ReconnectError struct {
	Err error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("failed to reconnect to database: %v", e.Err)
}

func (e *ReconnectError) Unwrap() error {
	return e.Err
}
