package timeseries

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpError(t *testing.T) {
	cause := &pgconn.PgError{Severity: "ERROR", Code: "42P01", Message: `relation "ticks" does not exist`}
	err := wrapStoreErr(context.Background(), ErrQuery, "query", "public.ticks", "range=[a, b)", cause)

	require.ErrorIs(t, err, ErrQuery)
	assert.NotErrorIs(t, err, ErrUpsert)
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "42P01", pgErr.Code)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "public.ticks", opErr.Table)
	assert.False(t, opErr.Retryable)
	assert.Equal(t, `timeseries: query failed: query table=public.ticks range=[a, b): ERROR: relation "ticks" does not exist (SQLSTATE 42P01)`, err.Error())

	assert.Nil(t, wrapStoreErr(context.Background(), ErrQuery, "query", "", "", nil))
}

func TestWrapStoreErrDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := wrapStoreErr(ctx, ErrUpsert, "upsert", "public.ticks", "", errors.New("canceling query due to user request"))
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, ErrUpsert)
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		&pgconn.PgError{Code: "40001"},
		&pgconn.PgError{Code: "40P01"},
		&pgconn.PgError{Code: "08006"},
		&pgconn.PgError{Code: "57014"},
		driver.ErrBadConn,
		fmt.Errorf("exec: %w", context.DeadlineExceeded),
		ErrTimeout,
	}
	for _, err := range retryable {
		assert.True(t, IsRetryable(err), "%v", err)
	}

	fatal := []error{
		nil,
		&pgconn.PgError{Code: "23505"},
		&pgconn.PgError{Code: "42601"},
		context.Canceled,
		ErrInvalidPayload,
		ErrNotRegistered,
	}
	for _, err := range fatal {
		assert.False(t, IsRetryable(err), "%v", err)
	}

	wrapped := wrapStoreErr(context.Background(), ErrQuery, "query", "", "", &pgconn.PgError{Code: "53300"})
	assert.True(t, IsRetryable(fmt.Errorf("ingest: %w", wrapped)))
}

func TestIsDataError(t *testing.T) {
	upsertErr := func(code string) error {
		return wrapStoreErr(context.Background(), ErrUpsert, "upsert", "public.trades", "", &pgconn.PgError{Code: code})
	}

	data := []error{
		fmt.Errorf("%w: payload 3: missing CCSEQ", ErrInvalidPayload),
		upsertErr("22P02"), // invalid_text_representation
		upsertErr("22003"), // numeric_value_out_of_range
		upsertErr("23502"), // not_null_violation
		upsertErr("23505"), // unique_violation
		fmt.Errorf("record: %w", upsertErr("23514")),
	}
	for _, err := range data {
		assert.True(t, IsDataError(err), "%v", err)
	}

	other := []error{
		nil,
		upsertErr("42501"), // insufficient_privilege
		upsertErr("42P01"), // undefined_table
		upsertErr("42703"), // undefined_column
		upsertErr("40001"),
		&OpError{Op: "upsert", Kind: ErrUpsert, Err: errors.New("conn closed")},
		ErrNotRegistered,
		context.Canceled,
	}
	for _, err := range other {
		assert.False(t, IsDataError(err), "%v", err)
	}
}
