package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"tickstore/pkg/timeseries"
)

const (
	formatJSON    = "json"
	formatMsgpack = "msgpack"
)

// payloadSource is satisfied by *timeseries.Cursor.
type payloadSource interface {
	Next() bool
	Payload() timeseries.Payload
	Err() error
}

// export streams every payload of src to w, one NDJSON line or one MessagePack map per
// row, and returns the number written.
func export(w io.Writer, src payloadSource, format string) (int, error) {
	bw := bufio.NewWriter(w)
	var write func(timeseries.Payload) error
	switch format {
	case formatJSON:
		write = func(p timeseries.Payload) error {
			if _, err := bw.Write(p); err != nil {
				return err
			}
			return bw.WriteByte('\n')
		}
	case formatMsgpack:
		enc := msgpack.NewEncoder(bw)
		enc.SetSortMapKeys(true)
		write = func(p timeseries.Payload) error {
			dec := json.NewDecoder(bytes.NewReader(p))
			dec.UseNumber()
			var doc any
			if err := dec.Decode(&doc); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
			return enc.Encode(exactNumbers(doc))
		}
	default:
		return 0, fmt.Errorf("unknown format %q (want %s or %s)", format, formatJSON, formatMsgpack)
	}

	n := 0
	for src.Next() {
		if err := write(src.Payload()); err != nil {
			return n, err
		}
		n++
	}
	if err := src.Err(); err != nil {
		return n, err
	}
	return n, bw.Flush()
}

// exactNumbers replaces JSON numbers with int64 when integral and float64 when the
// float holds the decimal exactly. Anything else stays a string so sequences above 2^53
// and long decimal prices survive the conversion.
func exactNumbers(v any) any {
	switch v := v.(type) {
	case map[string]any:
		for k, e := range v {
			v[k] = exactNumbers(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = exactNumbers(e)
		}
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return v.String()
		}
		if f, exact := d.Float64(); exact {
			return f
		}
		return v.String()
	default:
		return v
	}
}

// readPayloads reads one JSON document per line, skipping blank lines.
func readPayloads(r io.Reader) ([]timeseries.Payload, error) {
	var out []timeseries.Payload
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if !json.Valid([]byte(text)) {
			return nil, fmt.Errorf("line %d: not a JSON document", line)
		}
		out = append(out, timeseries.Payload(text))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
