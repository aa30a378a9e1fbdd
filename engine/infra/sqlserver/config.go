package sqlserver

import "time"

// Config holds database/sql pool settings applied to every pool the Opener
// creates. Zero values fall back to the defaults.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}
