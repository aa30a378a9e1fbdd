package query

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/compozy/mssql-mcp/engine/connection"
	mssql "github.com/microsoft/go-mssqldb"
)

// FailureKind classifies an execution error for the retry policy.
type FailureKind string

const (
	FailureNone            FailureKind = "none"
	FailureConnectionReset FailureKind = "connection_reset"
	FailureTimeout         FailureKind = "timeout"
	FailureConnectionLost  FailureKind = "connection_lost"
	FailureConnectFailed   FailureKind = "connect_failed"
	FailureOther           FailureKind = "other"
)

// Transient reports whether the kind is worth another attempt.
func (k FailureKind) Transient() bool {
	return k != FailureNone && k != FailureOther
}

// ConnectionLevel reports whether the kind means the underlying connection
// can no longer be trusted.
func (k FailureKind) ConnectionLevel() bool {
	return k == FailureConnectionReset || k == FailureConnectionLost || k == FailureConnectFailed
}

// SQL Server error numbers reported for network and availability failures.
var sqlErrorKinds = map[int32]FailureKind{
	-2:    FailureTimeout,
	64:    FailureConnectionLost,
	121:   FailureTimeout,
	233:   FailureConnectionLost,
	10053: FailureConnectionReset,
	10054: FailureConnectionReset,
	10060: FailureTimeout,
	10928: FailureConnectionLost,
	10929: FailureConnectionLost,
	40197: FailureConnectionLost,
	40501: FailureConnectionLost,
	40613: FailureConnectionLost,
	49918: FailureConnectionLost,
	49919: FailureConnectionLost,
	49920: FailureConnectionLost,
}

// messageMatchers is the fallback for drivers that only surface text. The
// first match wins.
var messageMatchers = []struct {
	phrase string
	kind   FailureKind
}{
	{"socket hang up", FailureConnectionReset},
	{"econnreset", FailureConnectionReset},
	{"connection reset", FailureConnectionReset},
	{"broken pipe", FailureConnectionReset},
	{"etimedout", FailureTimeout},
	{"timeout", FailureTimeout},
	{"timed out", FailureTimeout},
	{"connection lost", FailureConnectionLost},
	{"failed to connect", FailureConnectFailed},
	{"failed to reconnect", FailureConnectFailed},
}

// Classify maps an error to a FailureKind. Structured inspection runs first,
// message matching last.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if kind, ok := classifyStructured(err); ok {
		return kind
	}
	msg := strings.ToLower(err.Error())
	for _, m := range messageMatchers {
		if strings.Contains(msg, m.phrase) {
			return m.kind
		}
	}
	return FailureOther
}

func classifyStructured(err error) (FailureKind, bool) {
	switch {
	case errors.Is(err, context.Canceled):
		return FailureOther, true
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout, true
	case errors.Is(err, connection.ErrConfigValidation),
		errors.Is(err, connection.ErrNotConfigured),
		errors.Is(err, connection.ErrNoConfig):
		return FailureOther, true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return FailureConnectionReset, true
	case errors.Is(err, syscall.ETIMEDOUT):
		return FailureTimeout, true
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, io.ErrUnexpectedEOF):
		return FailureConnectionLost, true
	}
	// Server error numbers outrank the connect wrappers so login failures
	// are not retried.
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		kind, ok := sqlErrorKinds[sqlErr.SQLErrorNumber()]
		if !ok {
			return FailureOther, true
		}
		return kind, true
	}
	var connErr *connection.ConnectError
	var reErr *connection.ReconnectError
	if errors.As(err, &connErr) || errors.As(err, &reErr) {
		return FailureConnectFailed, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		var opErr *net.OpError
		switch {
		case netErr.Timeout():
			return FailureTimeout, true
		case errors.As(err, &opErr) && opErr.Op == "dial":
			return FailureConnectFailed, true
		default:
			return FailureConnectionLost, true
		}
	}
	return FailureNone, false
}
