package timeseries

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// Lifecycle violations. These are detected before any statement reaches the store.
	ErrNotInitialized        = errors.New("timeseries: storage manager not initialized")
	ErrAlreadyInitialized    = errors.New("timeseries: storage manager already initialized")
	ErrClosed                = errors.New("timeseries: storage manager closed")
	ErrDuplicateRegistration = errors.New("timeseries: table already registered")
	ErrNotRegistered         = errors.New("timeseries: table not registered")

	// Configuration and argument errors.
	ErrExtensionUnavailable = errors.New("timeseries: timescaledb extension unavailable")
	ErrInvalidOptions       = errors.New("timeseries: invalid registration options")
	ErrInvalidQuery         = errors.New("timeseries: invalid time range query")
	ErrNoDownsampledView    = errors.New("timeseries: no down-sampled view for interval")
	ErrInvalidPayload       = errors.New("timeseries: invalid payload")
	ErrNoRows               = errors.New("timeseries: no rows for symbol")

	// Store failures. They wrap the driver error inside an *OpError.
	ErrPolicyApplication = errors.New("timeseries: policy application failed")
	ErrQuery             = errors.New("timeseries: query failed")
	ErrUpsert            = errors.New("timeseries: upsert failed")
	ErrTimeout           = errors.New("timeseries: deadline exceeded")
)

// OpError carries the failing operation, its target and the underlying store error.
// errors.Is matches both the Kind sentinel and anything in the Err chain.
type OpError struct {
	Op        string
	Table     string
	Detail    string
	Kind      error
	Err       error
	Retryable bool
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	b.WriteString(": ")
	b.WriteString(e.Op)
	if e.Table != "" {
		b.WriteString(" table=")
		b.WriteString(e.Table)
	}
	if e.Detail != "" {
		b.WriteString(" ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether err is transient and may succeed if the caller retries.
// The storage layer never retries on its own.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Retryable
	}
	return transient(err)
}

// IsDataError reports whether err was caused by the records themselves: a payload the
// entity rejected, or a store data exception (SQLSTATE class 22) or integrity violation
// (class 23). Permission, schema and connection failures are not data errors.
func IsDataError(err error) bool {
	if err == nil || IsRetryable(err) {
		return false
	}
	if errors.Is(err, ErrInvalidPayload) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
	}
	return false
}

// wrapStoreErr converts a driver failure into an *OpError. ctx is the deadline-bounded
// context of the call, so an expired deadline is reported as ErrTimeout whatever the
// driver returned.
func wrapStoreErr(ctx context.Context, kind error, op, table, detail string, err error) error {
	if err == nil {
		return nil
	}
	opErr := &OpError{Op: op, Table: table, Detail: detail, Kind: kind, Err: err}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		opErr.Err = fmt.Errorf("%w: %v", ErrTimeout, err)
		opErr.Retryable = true
		return opErr
	}
	opErr.Retryable = transient(err)
	return opErr
}

func transient(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableSQLState(pgErr.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

func retryableSQLState(code string) bool {
	if strings.HasPrefix(code, "08") {
		return true
	}
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"53300", // too_many_connections
		"57P01", // admin_shutdown
		"57P02", // crash_shutdown
		"57P03", // cannot_connect_now
		"57014": // query_canceled (statement_timeout)
		return true
	}
	return false
}
