package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"tickstore/pkg/timeseries"
)

// Trade is a single trade tick. Exchanges stamp trades with a per-instrument sequence
// (CCSEQ) which, with the trade time, identifies the tick and orders ties.
type Trade struct{}

var (
	_ timeseries.Entity      = Trade{}
	_ timeseries.Sequencer   = Trade{}
	_ timeseries.Downsampler = Trade{}
)

func (Trade) Name() string { return "trade" }

func (Trade) Schema() timeseries.Schema {
	cols := append([]timeseries.Column{}, symbolColumns...)
	cols = append(cols,
		timeseries.Column{
			Name:    ColumnSequence,
			Type:    "BIGINT",
			Expr:    "((payload->>'" + FieldSequence + "')::bigint)",
			NotNull: true,
		},
		timeseries.Column{
			Name:    ColumnTime,
			Type:    "TIMESTAMPTZ",
			Expr:    epochTimeExpr(FieldTimestamp, FieldTimestampNS),
			NotNull: true,
		},
	)
	return timeseries.Schema{
		TimeColumn:       ColumnTime,
		MarketColumn:     ColumnMarket,
		InstrumentColumn: ColumnInstrument,
		SequenceColumn:   ColumnSequence,
		Generated:        cols,
		KeyColumns:       []string{ColumnMarket, ColumnInstrument, ColumnSequence, ColumnTime},
	}
}

func (t Trade) InitSchema(ctx context.Context, session sqlx.Session, table timeseries.TableSpec) error {
	return timeseries.CreateTable(ctx, session, table, t.Schema())
}

func (t Trade) NaturalKey(p timeseries.Payload) (timeseries.NaturalKey, error) {
	market, instrument, err := symbolOf(p)
	if err != nil {
		return timeseries.NaturalKey{}, err
	}
	seq, ok := t.SequenceOf(p)
	if !ok {
		return timeseries.NaturalKey{}, fmt.Errorf("missing %s", FieldSequence)
	}
	ts, err := t.TimeOf(p)
	if err != nil {
		return timeseries.NaturalKey{}, err
	}
	return timeseries.NaturalKey{
		Market:     market,
		Instrument: instrument,
		UnixNano:   ts.UnixNano(),
		Sequence:   seq,
		Sequenced:  true,
	}, nil
}

// TimeOf combines TIMESTAMP (seconds) with the optional TIMESTAMP_NS nanosecond part,
// floored to microseconds.
func (Trade) TimeOf(p timeseries.Payload) (time.Time, error) {
	return epochTime(p, FieldTimestamp, FieldTimestampNS)
}

func (Trade) SequenceOf(p timeseries.Payload) (int64, bool) {
	v := gjson.GetBytes(p, FieldSequence)
	if v.Type != gjson.Number {
		return 0, false
	}
	return v.Int(), true
}

// RollupPayload turns ticks into OHLCV bars, keeping the sequence range covered.
func (Trade) RollupPayload(bucket string) string {
	return fmt.Sprintf(`jsonb_build_object(
    '%[2]s', %[3]s,
    '%[4]s', %[5]s,
    '%[6]s', extract(epoch FROM %[1]s)::bigint,
    'OPEN', first((payload->>'PRICE')::numeric, %[7]s),
    'HIGH', max((payload->>'PRICE')::numeric),
    'LOW', min((payload->>'PRICE')::numeric),
    'CLOSE', last((payload->>'PRICE')::numeric, %[7]s),
    'VOLUME', sum((payload->>'QUANTITY')::numeric),
    'QUOTE_VOLUME', sum((payload->>'QUOTE_QUANTITY')::numeric),
    'TOTAL_TRADES', count(*),
    'FIRST_CCSEQ', min(%[8]s),
    'LAST_CCSEQ', max(%[8]s))`,
		bucket, FieldMarket, ColumnMarket, FieldInstrument, ColumnInstrument, FieldTimestamp, ColumnTime, ColumnSequence)
}
