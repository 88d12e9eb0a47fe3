package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"tickstore/pkg/timeseries"
)

// Candle is an OHLCV bar. Its natural key is (market, instrument, bar open time), so a
// re-delivered or corrected bar replaces the stored one.
type Candle struct{}

var (
	_ timeseries.Entity      = Candle{}
	_ timeseries.Downsampler = Candle{}
)

func (Candle) Name() string { return "candle" }

func (Candle) Schema() timeseries.Schema {
	cols := append([]timeseries.Column{}, symbolColumns...)
	cols = append(cols, timeseries.Column{
		Name:    ColumnTime,
		Type:    "TIMESTAMPTZ",
		Expr:    epochTimeExpr(FieldTimestamp, ""),
		NotNull: true,
	})
	return timeseries.Schema{
		TimeColumn:       ColumnTime,
		MarketColumn:     ColumnMarket,
		InstrumentColumn: ColumnInstrument,
		Generated:        cols,
		KeyColumns:       []string{ColumnMarket, ColumnInstrument, ColumnTime},
	}
}

func (c Candle) InitSchema(ctx context.Context, session sqlx.Session, table timeseries.TableSpec) error {
	return timeseries.CreateTable(ctx, session, table, c.Schema())
}

func (c Candle) NaturalKey(p timeseries.Payload) (timeseries.NaturalKey, error) {
	market, instrument, err := symbolOf(p)
	if err != nil {
		return timeseries.NaturalKey{}, err
	}
	ts, err := c.TimeOf(p)
	if err != nil {
		return timeseries.NaturalKey{}, err
	}
	return timeseries.NaturalKey{Market: market, Instrument: instrument, UnixNano: ts.UnixNano()}, nil
}

func (Candle) TimeOf(p timeseries.Payload) (time.Time, error) {
	return epochTime(p, FieldTimestamp, "")
}

// RollupPayload aggregates bars into a coarser bar with the same field names.
func (Candle) RollupPayload(bucket string) string {
	return fmt.Sprintf(`jsonb_build_object(
    '%[2]s', %[3]s,
    '%[4]s', %[5]s,
    '%[6]s', extract(epoch FROM %[1]s)::bigint,
    'OPEN', first((payload->>'OPEN')::numeric, %[7]s),
    'HIGH', max((payload->>'HIGH')::numeric),
    'LOW', min((payload->>'LOW')::numeric),
    'CLOSE', last((payload->>'CLOSE')::numeric, %[7]s),
    'VOLUME', sum((payload->>'VOLUME')::numeric),
    'QUOTE_VOLUME', sum((payload->>'QUOTE_VOLUME')::numeric),
    'TOTAL_TRADES', sum((payload->>'TOTAL_TRADES')::bigint),
    'CANDLES', count(*))`,
		bucket, FieldMarket, ColumnMarket, FieldInstrument, ColumnInstrument, FieldTimestamp, ColumnTime)
}
