package timeseries

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tickRangeSQL = `SELECT payload FROM "public"."ticks" WHERE "market" = $1 AND "instrument" = $2 AND "ts" >= $3 AND "ts" < $4 ORDER BY "ts" ASC, "seq" ASC, id ASC`

func registeredTicks(t *testing.T, opts ...Option) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	m, mock := initializedManager(t, opts...)
	expectPolicies(mock, "ticks", "1 hour", false, "", 0)
	require.NoError(t, m.RegisterEntity(context.Background(), tickEntity{}, RegistrationOptions{
		TableName:     "ticks",
		ChunkInterval: "1 hour",
	}))
	return m, mock
}

func registeredBars(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	m, mock := initializedManager(t)
	expectPolicies(mock, "bars", "1 day", false, "", 2)
	require.NoError(t, m.RegisterEntity(context.Background(), barEntity{}, RegistrationOptions{
		TableName:  "bars",
		Resolution: "1 minute",
		Rollups: []RollupOptions{
			{Interval: "1 hour", View: "bars_1h"},
			{Interval: "1 day", View: "analytics.bars_1d"},
		},
	}))
	return m, mock
}

func TestQueryTimeRange(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("half-open range in deterministic order", func(t *testing.T) {
		m, mock := registeredTicks(t)
		rows := sqlmock.NewRows([]string{"payload"}).
			AddRow([]byte(tickPayload("X", "BTC-USD", base.Unix(), 1))).
			AddRow([]byte(tickPayload("X", "BTC-USD", base.Unix()+60, 2)))
		mock.ExpectQuery(q(tickRangeSQL)).
			WithArgs("X", "BTC-USD", base, base.Add(90*time.Second)).
			WillReturnRows(rows)

		cur, err := m.QueryTimeRange(context.Background(), "ticks", TimeRangeQuery{
			Market:     "X",
			Instrument: "BTC-USD",
			Start:      base,
			End:        base.Add(90 * time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, "public.ticks", cur.Source())
		got, err := cur.All()
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.JSONEq(t, string(tickPayload("X", "BTC-USD", base.Unix(), 1)), string(got[0]))
		assert.JSONEq(t, string(tickPayload("X", "BTC-USD", base.Unix()+60, 2)), string(got[1]))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cursor is one-shot", func(t *testing.T) {
		m, mock := registeredTicks(t)
		mock.ExpectQuery(q(tickRangeSQL)).
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`{"m":"X"}`)))

		cur, err := m.QueryTimeRange(context.Background(), "ticks", TimeRangeQuery{
			Market: "X", Instrument: "BTC-USD", Start: base, End: base.Add(time.Hour),
		})
		require.NoError(t, err)
		require.True(t, cur.Next())
		require.False(t, cur.Next())
		require.False(t, cur.Next(), "exhausted cursor stays exhausted")
		require.NoError(t, cur.Err())
		require.NoError(t, cur.Close())
		require.NoError(t, cur.Close())
	})

	t.Run("close stops iteration early", func(t *testing.T) {
		m, mock := registeredTicks(t)
		mock.ExpectQuery(q(tickRangeSQL)).
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`{}`)).AddRow([]byte(`{}`)))

		cur, err := m.QueryTimeRange(context.Background(), "ticks", TimeRangeQuery{
			Market: "X", Instrument: "BTC-USD", Start: base, End: base.Add(time.Hour),
		})
		require.NoError(t, err)
		require.True(t, cur.Next())
		require.NoError(t, cur.Close())
		assert.False(t, cur.Next())
	})

	t.Run("invalid queries", func(t *testing.T) {
		m, mock := registeredTicks(t)
		cases := map[string]TimeRangeQuery{
			"missing market":     {Instrument: "BTC-USD", Start: base, End: base.Add(time.Hour)},
			"missing start":      {Market: "X", Instrument: "BTC-USD", End: base},
			"end before start":   {Market: "X", Instrument: "BTC-USD", Start: base, End: base.Add(-time.Second)},
			"malformed interval": {Market: "X", Instrument: "BTC-USD", Start: base, End: base.Add(time.Hour), Interval: "1 fortnight"},
		}
		for name, tq := range cases {
			_, err := m.QueryTimeRange(context.Background(), "ticks", tq)
			assert.ErrorIs(t, err, ErrInvalidQuery, name)
		}
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unregistered table", func(t *testing.T) {
		m, _ := registeredTicks(t)
		_, err := m.QueryTimeRange(context.Background(), "trades", TimeRangeQuery{
			Market: "X", Instrument: "BTC-USD", Start: base, End: base.Add(time.Hour),
		})
		require.ErrorIs(t, err, ErrNotRegistered)
	})

	t.Run("store failure carries the range", func(t *testing.T) {
		m, mock := registeredTicks(t)
		mock.ExpectQuery(q(tickRangeSQL)).WillReturnError(errors.New("relation does not exist"))

		_, err := m.QueryTimeRange(context.Background(), "ticks", TimeRangeQuery{
			Market: "X", Instrument: "BTC-USD", Start: base, End: base.Add(time.Hour),
		})
		require.ErrorIs(t, err, ErrQuery)
		assert.Contains(t, err.Error(), "public.ticks")
		assert.Contains(t, err.Error(), "2024-03-01T00:00:00Z")
		assert.False(t, IsRetryable(err))
	})

	t.Run("row error surfaces through Err", func(t *testing.T) {
		m, mock := registeredTicks(t)
		rows := sqlmock.NewRows([]string{"payload"}).
			AddRow([]byte(`{}`)).
			RowError(0, errors.New("connection reset"))
		mock.ExpectQuery(q(tickRangeSQL)).WillReturnRows(rows)

		cur, err := m.QueryTimeRange(context.Background(), "ticks", TimeRangeQuery{
			Market: "X", Instrument: "BTC-USD", Start: base, End: base.Add(time.Hour),
		})
		require.NoError(t, err)
		got, err := cur.All()
		require.ErrorIs(t, err, ErrQuery)
		assert.Empty(t, got)
	})

	t.Run("query deadline", func(t *testing.T) {
		m, mock := registeredTicks(t, WithTimeouts(Timeouts{ExtensionCheck: time.Second, DDL: time.Second, Query: 20 * time.Millisecond}))
		mock.ExpectQuery(q(tickRangeSQL)).
			WillDelayFor(time.Second).
			WillReturnRows(sqlmock.NewRows([]string{"payload"}))

		_, err := m.QueryTimeRange(context.Background(), "ticks", TimeRangeQuery{
			Market: "X", Instrument: "BTC-USD", Start: base, End: base.Add(time.Hour),
		})
		require.ErrorIs(t, err, ErrTimeout)
		require.ErrorIs(t, err, ErrQuery)
		assert.True(t, IsRetryable(err))
	})
}

func TestQueryTimeRangeRouting(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bq := func(interval string) TimeRangeQuery {
		return TimeRangeQuery{Market: "X", Instrument: "BTC-USD", Start: base, End: base.Add(24 * time.Hour), Interval: interval}
	}

	t.Run("native resolution reads the table", func(t *testing.T) {
		m, mock := registeredBars(t)
		for _, iv := range []string{"", "1 minute", "1m"} {
			mock.ExpectQuery(q(`SELECT payload FROM "public"."bars" WHERE`) + ".*" + q(`ORDER BY "ts" ASC, id ASC`)).
				WillReturnRows(sqlmock.NewRows([]string{"payload"}))
			cur, err := m.QueryTimeRange(context.Background(), "bars", bq(iv))
			require.NoError(t, err, iv)
			assert.Equal(t, "public.bars", cur.Source())
			require.NoError(t, cur.Close())
		}
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("coarser interval reads the view", func(t *testing.T) {
		m, mock := registeredBars(t)
		mock.ExpectQuery(q(`SELECT payload FROM "public"."bars_1h" WHERE "market" = $1 AND "instrument" = $2 AND "ts" >= $3 AND "ts" < $4 ORDER BY "ts" ASC`)).
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`{"n":60}`)))

		cur, err := m.QueryTimeRange(context.Background(), "bars", bq("1 hour"))
		require.NoError(t, err)
		assert.Equal(t, "public.bars_1h", cur.Source())
		got, err := cur.All()
		require.NoError(t, err)
		assert.Len(t, got, 1)

		// equivalent spellings of a view's interval route to the same view
		for _, iv := range []string{"1 day", "1d", "24h"} {
			mock.ExpectQuery(q(`SELECT payload FROM "analytics"."bars_1d"`)).
				WillReturnRows(sqlmock.NewRows([]string{"payload"}))
			cur, err = m.QueryTimeRange(context.Background(), "bars", bq(iv))
			require.NoError(t, err, iv)
			assert.Equal(t, "analytics.bars_1d", cur.Source())
			require.NoError(t, cur.Close())
		}
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("interval without a view is reported", func(t *testing.T) {
		m, mock := registeredBars(t)
		_, err := m.QueryTimeRange(context.Background(), "bars", bq("1 week"))
		require.ErrorIs(t, err, ErrNoDownsampledView)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("finer than resolution is invalid", func(t *testing.T) {
		m, _ := registeredBars(t)
		_, err := m.QueryTimeRange(context.Background(), "bars", bq("1 second"))
		require.ErrorIs(t, err, ErrInvalidQuery)
	})

	t.Run("raw events need a view for any interval", func(t *testing.T) {
		m, _ := registeredTicks(t)
		_, err := m.QueryTimeRange(context.Background(), "ticks", bq("1 minute"))
		require.ErrorIs(t, err, ErrNoDownsampledView)
	})
}

func TestLatest(t *testing.T) {
	const latestSQL = `SELECT payload FROM "public"."ticks" WHERE "market" = $1 AND "instrument" = $2 ORDER BY "ts" DESC, "seq" DESC, id DESC LIMIT 1`

	t.Run("newest row", func(t *testing.T) {
		m, mock := registeredTicks(t)
		p := tickPayload("X", "BTC-USD", 1700000000, 9)
		mock.ExpectQuery(q(latestSQL)).
			WithArgs("X", "BTC-USD").
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(string(p)))

		got, err := m.Latest(context.Background(), "ticks", "X", "BTC-USD")
		require.NoError(t, err)
		assert.JSONEq(t, string(p), string(got))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no rows", func(t *testing.T) {
		m, mock := registeredTicks(t)
		mock.ExpectQuery(q(latestSQL)).WillReturnRows(sqlmock.NewRows([]string{"payload"}))

		_, err := m.Latest(context.Background(), "ticks", "X", "BTC-USD")
		require.ErrorIs(t, err, ErrNoRows)
	})

	t.Run("store failure", func(t *testing.T) {
		m, mock := registeredTicks(t)
		mock.ExpectQuery(q(latestSQL)).WillReturnError(assert.AnError)

		_, err := m.Latest(context.Background(), "ticks", "X", "BTC-USD")
		require.ErrorIs(t, err, ErrQuery)
	})

	t.Run("symbol required", func(t *testing.T) {
		m, _ := registeredTicks(t)
		_, err := m.Latest(context.Background(), "ticks", "", "BTC-USD")
		require.ErrorIs(t, err, ErrInvalidQuery)
	})
}
