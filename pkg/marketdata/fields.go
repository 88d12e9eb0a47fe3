// Package marketdata implements the storable market-data entities: OHLCV candles and
// trade ticks. Payloads are CryptoCompare-style documents with upper-case field names;
// they are stored as-is and read only through gjson paths.
package marketdata

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"tickstore/pkg/timeseries"
)

// Payload field names shared by every entity.
const (
	FieldMarket      = "MARKET"
	FieldInstrument  = "INSTRUMENT"
	FieldTimestamp   = "TIMESTAMP"
	FieldTimestampNS = "TIMESTAMP_NS"
	FieldSequence    = "CCSEQ"
)

// Generated column names.
const (
	ColumnTime       = "ts"
	ColumnMarket     = "market"
	ColumnInstrument = "instrument"
	ColumnSequence   = "ccseq"
)

var symbolColumns = []timeseries.Column{
	{Name: ColumnMarket, Type: "TEXT", Expr: "(payload->>'" + FieldMarket + "')", NotNull: true},
	{Name: ColumnInstrument, Type: "TEXT", Expr: "(payload->>'" + FieldInstrument + "')", NotNull: true},
}

func symbolOf(p timeseries.Payload) (market, instrument string, err error) {
	res := gjson.GetManyBytes(p, FieldMarket, FieldInstrument)
	market, instrument = res[0].String(), res[1].String()
	if res[0].Type != gjson.String || strings.TrimSpace(market) == "" {
		return "", "", fmt.Errorf("missing %s", FieldMarket)
	}
	if res[1].Type != gjson.String || strings.TrimSpace(instrument) == "" {
		return "", "", fmt.Errorf("missing %s", FieldInstrument)
	}
	return market, instrument, nil
}

// epochTimeExpr is the generated time column: epoch seconds plus an optional nanosecond
// field, floored to whole microseconds in exact numeric arithmetic. epochTime computes
// the same instant in Go; the two must stay in step or natural keys and range bounds
// disagree with the store.
func epochTimeExpr(secField, nsField string) string {
	micros := "(payload->>'" + secField + "')::numeric * 1000000"
	if nsField != "" {
		micros += " + COALESCE((payload->>'" + nsField + "')::numeric, 0) / 1000"
	}
	return "((TIMESTAMP '1970-01-01 00:00:00' + floor(" + micros + ")::bigint * INTERVAL '1 microsecond') AT TIME ZONE 'UTC')"
}

func epochTime(p timeseries.Payload, secField, nsField string) (time.Time, error) {
	sec, err := decimalField(p, secField)
	if err != nil {
		return time.Time{}, err
	}
	micros := sec.Shift(6)
	if nsField != "" {
		if v := gjson.GetBytes(p, nsField); v.Exists() && v.Type != gjson.Null {
			if v.Type != gjson.Number {
				return time.Time{}, fmt.Errorf("%s is not numeric", nsField)
			}
			ns, err := decimal.NewFromString(v.Raw)
			if err != nil {
				return time.Time{}, fmt.Errorf("%s is not numeric: %s", nsField, v.Raw)
			}
			micros = micros.Add(ns.Shift(-3))
		}
	}
	whole := micros.Floor().BigInt()
	if !whole.IsInt64() {
		return time.Time{}, fmt.Errorf("%s out of range", secField)
	}
	return time.UnixMicro(whole.Int64()).UTC(), nil
}

// decimalField reads a numeric field exactly. Numeric strings are accepted because the
// generated column casts the text value.
func decimalField(p timeseries.Payload, field string) (decimal.Decimal, error) {
	v := gjson.GetBytes(p, field)
	var raw string
	switch v.Type {
	case gjson.Number:
		raw = v.Raw
	case gjson.String:
		raw = strings.TrimSpace(v.Str)
	default:
		return decimal.Decimal{}, fmt.Errorf("missing %s", field)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s is not numeric: %q", field, raw)
	}
	return d, nil
}

// Stamp fills MARKET and INSTRUMENT when the payload does not carry them, for feeds
// that publish one symbol per topic. Existing values are never overwritten.
func Stamp(p timeseries.Payload, market, instrument string) (timeseries.Payload, error) {
	out := []byte(p)
	var err error
	for _, f := range []struct{ path, value string }{{FieldMarket, market}, {FieldInstrument, instrument}} {
		if f.value == "" || gjson.GetBytes(out, f.path).String() != "" {
			continue
		}
		if out, err = sjson.SetBytes(out, f.path, f.value); err != nil {
			return nil, fmt.Errorf("stamp %s: %w", f.path, err)
		}
	}
	return timeseries.Payload(out), nil
}

// Symbol returns the payload's market and instrument, empty when absent.
func Symbol(p timeseries.Payload) (market, instrument string) {
	res := gjson.GetManyBytes(p, FieldMarket, FieldInstrument)
	return res[0].String(), res[1].String()
}
