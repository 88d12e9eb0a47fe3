package timeseries

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// Payload is the opaque provider document stored in the payload column. The storage
// layer reads it only through the owning entity's accessors.
type Payload = json.RawMessage

// NaturalKey identifies one logical market event. It is comparable so it can key maps.
type NaturalKey struct {
	Market     string
	Instrument string
	UnixNano   int64
	Sequence   int64
	Sequenced  bool
}

// Time returns the key's timestamp in UTC.
func (k NaturalKey) Time() time.Time { return time.Unix(0, k.UnixNano).UTC() }

func (k NaturalKey) String() string {
	if k.Sequenced {
		return fmt.Sprintf("%s/%s@%s#%d", k.Market, k.Instrument, k.Time().Format(time.RFC3339Nano), k.Sequence)
	}
	return fmt.Sprintf("%s/%s@%s", k.Market, k.Instrument, k.Time().Format(time.RFC3339Nano))
}

// Column is a stored generated column computed by the database from the payload.
type Column struct {
	Name    string
	Type    string
	Expr    string
	NotNull bool
}

// Schema describes the columns an entity adds next to id, payload, created_at and updated_at.
type Schema struct {
	TimeColumn       string
	MarketColumn     string
	InstrumentColumn string
	// SequenceColumn is empty when the entity has no monotonically increasing sequence.
	SequenceColumn string
	Generated      []Column
	// KeyColumns back the natural-key unique index and the upsert conflict target. The
	// time column must be part of it because the table is partitioned on time.
	KeyColumns []string
}

func (s Schema) hasColumn(name string) bool {
	switch name {
	case "id", "payload", "created_at", "updated_at":
		return true
	}
	for _, c := range s.Generated {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Validate checks that the schema only names allow-listed identifiers and that the
// key includes the time column.
func (s Schema) Validate() error {
	for _, name := range []string{s.TimeColumn, s.MarketColumn, s.InstrumentColumn} {
		if !ValidIdentifier(name) || !s.hasColumn(name) {
			return fmt.Errorf("%w: schema column %q", ErrInvalidOptions, name)
		}
	}
	if s.SequenceColumn != "" && (!ValidIdentifier(s.SequenceColumn) || !s.hasColumn(s.SequenceColumn)) {
		return fmt.Errorf("%w: sequence column %q", ErrInvalidOptions, s.SequenceColumn)
	}
	for _, c := range s.Generated {
		if !ValidIdentifier(c.Name) {
			return fmt.Errorf("%w: generated column %q", ErrInvalidOptions, c.Name)
		}
		if _, ok := columnTypes[c.Type]; !ok {
			return fmt.Errorf("%w: column %s has type %q", ErrInvalidOptions, c.Name, c.Type)
		}
	}
	hasTime := false
	for _, k := range s.KeyColumns {
		if !s.hasColumn(k) {
			return fmt.Errorf("%w: key column %q", ErrInvalidOptions, k)
		}
		hasTime = hasTime || k == s.TimeColumn
	}
	if !hasTime {
		return fmt.Errorf("%w: natural key must include time column %q", ErrInvalidOptions, s.TimeColumn)
	}
	return nil
}

var columnTypes = map[string]struct{}{
	"TEXT":             {},
	"BIGINT":           {},
	"INTEGER":          {},
	"NUMERIC":          {},
	"DOUBLE PRECISION": {},
	"TIMESTAMPTZ":      {},
}

// Entity is the capability set every storable record type implements. Implementations
// are stateless values; the Manager is passed to them explicitly, never held.
type Entity interface {
	// Name identifies the entity kind in logs and configuration, e.g. "candle".
	Name() string
	Schema() Schema
	// InitSchema creates the table and its indexes. It must be idempotent.
	InitSchema(ctx context.Context, session sqlx.Session, table TableSpec) error
	NaturalKey(p Payload) (NaturalKey, error)
	TimeOf(p Payload) (time.Time, error)
}

// Sequencer is implemented by entities with a per-symbol sequence number. Queries use it
// to break ties between rows sharing a timestamp.
type Sequencer interface {
	SequenceOf(p Payload) (int64, bool)
}

// Downsampler is implemented by entities that can be rolled up into continuous views.
// RollupPayload returns an aggregate SQL expression producing the bucket's payload
// document; bucket is the rendered time_bucket(...) expression.
type Downsampler interface {
	RollupPayload(bucket string) string
}

// CreateTable issues the standard table layout for an entity schema: surrogate id,
// payload document, generated columns, timestamps, the natural-key unique index and a
// per-symbol time index.
func CreateTable(ctx context.Context, session sqlx.Session, table TableSpec, schema Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	stmts, err := renderTableDDL(table, schema)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := session.ExecCtx(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
