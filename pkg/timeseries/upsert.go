package timeseries

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// UpsertEngine writes payload batches as one conflict-aware insert keyed by the
// entity's natural key.
type UpsertEngine struct {
	m *Manager
}

func NewUpsertEngine(m *Manager) *UpsertEngine {
	return &UpsertEngine{m: m}
}

// BulkUpsert inserts or updates payloads atomically and returns the rows affected.
// Payloads sharing a natural key collapse to the last one. Batches larger than the
// manager's row limit are split across statements inside one transaction.
func (u *UpsertEngine) BulkUpsert(ctx context.Context, table string, payloads []Payload) (int64, error) {
	return u.upsert(ctx, nil, table, payloads)
}

// BulkUpsertTx is BulkUpsert on a caller-owned session, typically the transaction
// passed to sqlx.SqlConn.TransactCtx. The engine never commits or rolls it back.
func (u *UpsertEngine) BulkUpsertTx(ctx context.Context, session sqlx.Session, table string, payloads []Payload) (int64, error) {
	if session == nil {
		return 0, fmt.Errorf("%w: nil session", ErrUpsert)
	}
	return u.upsert(ctx, session, table, payloads)
}

func (u *UpsertEngine) upsert(ctx context.Context, session sqlx.Session, table string, payloads []Payload) (int64, error) {
	b, err := u.m.Binding(table)
	if err != nil {
		return 0, err
	}
	rows, err := Dedupe(b.Entity, payloads)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	ctx, cancel := withDeadline(ctx, u.m.timeouts.Write)
	defer cancel()
	start := time.Now()
	limit := u.m.maxBatchRows
	var affected int64
	switch {
	case session != nil:
		affected, err = execChunks(ctx, session, b, rows, limit)
	case len(rows) <= limit:
		affected, err = execChunk(ctx, u.m.conn, b, rows)
	default:
		err = u.m.conn.TransactCtx(ctx, func(ctx context.Context, tx sqlx.Session) error {
			var txErr error
			affected, txErr = execChunks(ctx, tx, b, rows, limit)
			return txErr
		})
	}
	upsertDuration.Observe(time.Since(start).Milliseconds(), b.Table.Qualified())
	if err != nil {
		err = wrapStoreErr(ctx, ErrUpsert, "upsert", b.Table.Qualified(), fmt.Sprintf("rows=%d", len(rows)), err)
		upsertErrors.Inc(b.Table.Qualified(), boolLabel(IsRetryable(err)))
		logx.WithContext(ctx).Errorf("timeseries: %v", err)
		return 0, err
	}
	upsertRows.Add(float64(affected), b.Table.Qualified())
	return affected, nil
}

// Dedupe validates payloads and keeps the last payload per natural key. The position of
// a key's first occurrence is preserved.
func Dedupe(entity Entity, payloads []Payload) ([]Payload, error) {
	out := make([]Payload, 0, len(payloads))
	index := make(map[NaturalKey]int, len(payloads))
	for i, p := range payloads {
		if !gjson.ValidBytes(p) {
			return nil, fmt.Errorf("%w: payload %d is not a JSON document", ErrInvalidPayload, i)
		}
		key, err := entity.NaturalKey(p)
		if err != nil {
			return nil, fmt.Errorf("%w: payload %d: %v", ErrInvalidPayload, i, err)
		}
		if at, ok := index[key]; ok {
			out[at] = p
			continue
		}
		index[key] = len(out)
		out = append(out, p)
	}
	return out, nil
}

func execChunks(ctx context.Context, session sqlx.Session, b *Binding, rows []Payload, limit int) (int64, error) {
	var total int64
	for len(rows) > 0 {
		n := min(limit, len(rows))
		affected, err := execChunk(ctx, session, b, rows[:n])
		if err != nil {
			return total, err
		}
		total += affected
		rows = rows[n:]
	}
	return total, nil
}

func execChunk(ctx context.Context, session sqlx.Session, b *Binding, rows []Payload) (int64, error) {
	stmt, args := upsertStatement(b, rows)
	res, err := session.ExecCtx(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func upsertStatement(b *Binding, rows []Payload) (string, []any) {
	keys := b.Entity.Schema().KeyColumns
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = quoteIdent(k)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (payload, created_at, updated_at) VALUES ", b.Table.Sanitize())
	args := make([]any, len(rows))
	for i, p := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d::jsonb, NOW(), NOW())", i+1)
		args[i] = string(p)
	}
	fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()",
		strings.Join(quoted, ", "))
	return sb.String(), args
}
