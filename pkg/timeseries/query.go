package timeseries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// TimeRangeQuery selects one symbol's rows with Start <= time < End. Consecutive
// queries sharing a boundary tile the timeline without gaps or overlap.
type TimeRangeQuery struct {
	Market     string
	Instrument string
	Start      time.Time
	End        time.Time
	// Interval requests a granularity. Empty or equal to the table's resolution reads
	// the table itself; a coarser interval reads the matching continuous view.
	Interval string
}

func (q TimeRangeQuery) validate() error {
	switch {
	case strings.TrimSpace(q.Market) == "" || strings.TrimSpace(q.Instrument) == "":
		return fmt.Errorf("%w: market and instrument are required", ErrInvalidQuery)
	case q.Start.IsZero() || q.End.IsZero():
		return fmt.Errorf("%w: start and end are required", ErrInvalidQuery)
	case q.End.Before(q.Start):
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidQuery,
			q.End.Format(time.RFC3339), q.Start.Format(time.RFC3339))
	}
	return nil
}

// queryShape holds the quoted column names a table is queried with.
type queryShape struct {
	market     string
	instrument string
	time       string
	sequence   string
}

func newQueryShape(s Schema) queryShape {
	shape := queryShape{
		market:     quoteIdent(s.MarketColumn),
		instrument: quoteIdent(s.InstrumentColumn),
		time:       quoteIdent(s.TimeColumn),
	}
	if s.SequenceColumn != "" {
		shape.sequence = quoteIdent(s.SequenceColumn)
	}
	return shape
}

// sql renders the range select. Base tables break timestamp ties by sequence, then by
// insertion order; views hold one row per bucket and symbol so time alone is total.
func (s queryShape) sql(relation string, view bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT payload FROM %s WHERE %s = $1 AND %s = $2 AND %s >= $3 AND %s < $4 ORDER BY %s ASC",
		relation, s.market, s.instrument, s.time, s.time, s.time)
	if !view {
		if s.sequence != "" {
			fmt.Fprintf(&b, ", %s ASC", s.sequence)
		}
		b.WriteString(", id ASC")
	}
	return b.String()
}

// latestSQL reverses the base table order and keeps the first row.
func (s queryShape) latestSQL(relation string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT payload FROM %s WHERE %s = $1 AND %s = $2 ORDER BY %s DESC",
		relation, s.market, s.instrument, s.time)
	if s.sequence != "" {
		fmt.Fprintf(&b, ", %s DESC", s.sequence)
	}
	b.WriteString(", id DESC LIMIT 1")
	return b.String()
}

// QueryExecutor builds and runs time-range queries against registered tables.
type QueryExecutor struct {
	m *Manager
}

func NewQueryExecutor(m *Manager) *QueryExecutor {
	return &QueryExecutor{m: m}
}

// QueryTimeRange returns a lazy cursor over the matching payloads in ascending time
// order. The cursor must be closed; its deadline runs until Close.
func (e *QueryExecutor) QueryTimeRange(ctx context.Context, table string, q TimeRangeQuery) (*Cursor, error) {
	b, err := e.m.Binding(table)
	if err != nil {
		return nil, err
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	relation, source, view, err := route(b, q.Interval)
	if err != nil {
		return nil, err
	}
	db, err := e.m.conn.RawDB()
	if err != nil {
		return nil, &OpError{Op: "query", Table: b.Table.Qualified(), Kind: ErrQuery, Err: err, Retryable: transient(err)}
	}

	stmt := b.query.sql(relation, view)
	ctx, cancel := withDeadline(ctx, e.m.timeouts.Query)
	start := time.Now()
	rows, err := db.QueryContext(ctx, stmt, q.Market, q.Instrument, q.Start.UTC(), q.End.UTC())
	if err != nil {
		err = wrapStoreErr(ctx, ErrQuery, "query", b.Table.Qualified(), describeRange(q, source), err)
		cancel()
		queryErrors.Inc(b.Table.Qualified(), boolLabel(IsRetryable(err)))
		logx.WithContext(ctx).Errorf("timeseries: %v", err)
		return nil, err
	}
	return &Cursor{
		ctx:    ctx,
		cancel: cancel,
		rows:   rows,
		table:  b.Table.Qualified(),
		source: source,
		detail: describeRange(q, source),
		start:  start,
	}, nil
}

// Latest returns the newest payload stored for one symbol in the base table, or
// ErrNoRows when the symbol has none.
func (e *QueryExecutor) Latest(ctx context.Context, table, market, instrument string) (Payload, error) {
	b, err := e.m.Binding(table)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(market) == "" || strings.TrimSpace(instrument) == "" {
		return nil, fmt.Errorf("%w: market and instrument are required", ErrInvalidQuery)
	}
	ctx, cancel := withDeadline(ctx, e.m.timeouts.Query)
	defer cancel()

	start := time.Now()
	var raw string
	err = e.m.conn.QueryRowCtx(ctx, &raw, b.query.latestSQL(b.Table.Sanitize()), market, instrument)
	queryDuration.Observe(time.Since(start).Milliseconds(), b.Table.Qualified(), "latest")
	switch {
	case errors.Is(err, sqlx.ErrNotFound):
		return nil, fmt.Errorf("%w: %s %s/%s", ErrNoRows, b.Table.Qualified(), market, instrument)
	case err != nil:
		err = wrapStoreErr(ctx, ErrQuery, "latest", b.Table.Qualified(), "market="+market+" instrument="+instrument, err)
		queryErrors.Inc(b.Table.Qualified(), boolLabel(IsRetryable(err)))
		logx.WithContext(ctx).Errorf("timeseries: %v", err)
		return nil, err
	}
	return Payload(raw), nil
}

// route picks the relation serving the requested interval.
func route(b *Binding, raw string) (relation, source string, view bool, err error) {
	base := b.Table.Sanitize()
	if strings.TrimSpace(raw) == "" {
		return base, b.Table.Qualified(), false, nil
	}
	iv, err := ParseInterval(raw)
	if err != nil {
		return "", "", false, fmt.Errorf("%w: interval %q", ErrInvalidQuery, raw)
	}
	res := b.plan.resolution
	if !res.IsZero() {
		switch {
		case iv.Approx() == res.Approx():
			return base, b.Table.Qualified(), false, nil
		case iv.Approx() < res.Approx():
			return "", "", false, fmt.Errorf("%w: interval %s is finer than %s resolution %s",
				ErrInvalidQuery, iv, b.Table.Qualified(), res)
		}
	}
	r, ok := b.plan.rollupFor(iv)
	if !ok {
		return "", "", false, fmt.Errorf("%w: %s has no view for %s", ErrNoDownsampledView, b.Table.Qualified(), iv)
	}
	return r.view.Sanitize(), r.view.Qualified(), true, nil
}

func describeRange(q TimeRangeQuery, source string) string {
	return fmt.Sprintf("source=%s market=%s instrument=%s range=[%s, %s)", source, q.Market, q.Instrument,
		q.Start.UTC().Format(time.RFC3339Nano), q.End.UTC().Format(time.RFC3339Nano))
}

// Cursor is a one-shot, forward-only sequence of payloads. Rows are read from the
// server as Next is called, so large ranges are never held in memory at once.
type Cursor struct {
	ctx    context.Context
	cancel context.CancelFunc
	rows   *sql.Rows
	table  string
	source string
	detail string
	start  time.Time

	cur    Payload
	err    error
	closed bool
	count  int
}

// Next advances to the next payload. It returns false at the end of the range, on
// error, or once the cursor is closed.
func (c *Cursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			c.fail(err)
		}
		c.Close()
		return false
	}
	var raw []byte
	if err := c.rows.Scan(&raw); err != nil {
		c.fail(err)
		c.Close()
		return false
	}
	c.cur = Payload(raw)
	c.count++
	return true
}

// Payload returns the payload at the current position.
func (c *Cursor) Payload() Payload { return c.cur }

// Err reports the error that ended iteration, if any.
func (c *Cursor) Err() error { return c.err }

// Source is the relation the cursor reads from, the table or one of its views.
func (c *Cursor) Source() string { return c.source }

// Close releases the underlying rows and deadline. It is safe to call more than once.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.rows.Close()
	queryDuration.Observe(time.Since(c.start).Milliseconds(), c.table, c.source)
	c.cancel()
	if err != nil && c.err == nil {
		c.fail(err)
	}
	return err
}

// All drains the cursor and closes it.
func (c *Cursor) All() ([]Payload, error) {
	defer c.Close()
	var out []Payload
	for c.Next() {
		out = append(out, c.Payload())
	}
	return out, c.Err()
}

func (c *Cursor) fail(err error) {
	c.err = wrapStoreErr(c.ctx, ErrQuery, "query", c.table, c.detail, err)
	queryErrors.Inc(c.table, boolLabel(IsRetryable(c.err)))
	logx.WithContext(c.ctx).Errorf("timeseries: %v", c.err)
}
