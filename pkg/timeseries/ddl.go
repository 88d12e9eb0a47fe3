package timeseries

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/lib/pq"
)

// DDL templates. Every identifier goes through ident/rel, which reject anything outside
// the identifier allow-list, and every interval through interval, which only renders a
// parsed Interval. Values that the extension functions accept as arguments are bound
// instead (see policy.go).
var ddlTemplates = template.Must(template.New("ddl").Funcs(template.FuncMap{
	"ident":    templateIdent,
	"idents":   templateIdents,
	"rel":      func(t TableSpec) string { return t.Sanitize() },
	"interval": templateInterval,
	"literal":  pq.QuoteLiteral,
	"join":     strings.Join,
}).Parse(`
{{- define "table" -}}
CREATE TABLE IF NOT EXISTS {{ rel .Table }} (
    id BIGINT GENERATED ALWAYS AS IDENTITY,
    payload JSONB NOT NULL,
{{- range .Schema.Generated }}
    {{ ident .Name }} {{ .Type }} GENERATED ALWAYS AS ({{ .Expr }}) STORED{{ if .NotNull }} NOT NULL{{ end }},
{{- end }}
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)
{{- end }}

{{- define "natural_key" -}}
CREATE UNIQUE INDEX IF NOT EXISTS {{ ident .KeyIndex }} ON {{ rel .Table }} ({{ idents .Schema.KeyColumns }})
{{- end }}

{{- define "symbol_time" -}}
CREATE INDEX IF NOT EXISTS {{ ident .SymbolIndex }} ON {{ rel .Table }} ({{ ident .Schema.MarketColumn }}, {{ ident .Schema.InstrumentColumn }}, {{ ident .Schema.TimeColumn }} DESC)
{{- end }}

{{- define "compress" -}}
ALTER TABLE {{ rel .Table }} SET (
    timescaledb.compress,
    timescaledb.compress_segmentby = {{ literal (join .SegmentBy ", ") }},
    timescaledb.compress_orderby = {{ literal (join .OrderBy ", ") }}
)
{{- end }}

{{- define "continuous_view" -}}
CREATE MATERIALIZED VIEW IF NOT EXISTS {{ rel .View }}
WITH (timescaledb.continuous) AS
SELECT {{ .Bucket }} AS {{ ident .Schema.TimeColumn }},
       {{ ident .Schema.MarketColumn }},
       {{ ident .Schema.InstrumentColumn }},
       {{ .PayloadExpr }} AS payload
FROM {{ rel .Table }}
GROUP BY 1, {{ ident .Schema.MarketColumn }}, {{ ident .Schema.InstrumentColumn }}
WITH NO DATA
{{- end }}

{{- define "bucket" -}}
time_bucket({{ interval .Interval }}, {{ ident .Column }})
{{- end }}
`))

func templateIdent(name string) (string, error) {
	if !ValidIdentifier(name) {
		return "", fmt.Errorf("%w: identifier %q", ErrInvalidOptions, name)
	}
	return quoteIdent(name), nil
}

func templateIdents(names []string) (string, error) {
	if len(names) == 0 {
		return "", fmt.Errorf("%w: empty column list", ErrInvalidOptions)
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		q, err := templateIdent(n)
		if err != nil {
			return "", err
		}
		quoted[i] = q
	}
	return strings.Join(quoted, ", "), nil
}

func templateInterval(iv Interval) (string, error) {
	if _, ok := approxUnit[iv.Unit]; !ok || iv.Count <= 0 {
		return "", fmt.Errorf("%w: interval %+v", ErrInvalidOptions, iv)
	}
	return iv.Literal(), nil
}

func render(name string, data any) (string, error) {
	var b strings.Builder
	if err := ddlTemplates.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return b.String(), nil
}

type tableDDL struct {
	Table       TableSpec
	Schema      Schema
	KeyIndex    string
	SymbolIndex string
}

func renderTableDDL(table TableSpec, schema Schema) ([]string, error) {
	data := tableDDL{
		Table:       table,
		Schema:      schema,
		KeyIndex:    indexName(table.Name, "natural_key"),
		SymbolIndex: indexName(table.Name, "symbol_time"),
	}
	var stmts []string
	for _, name := range []string{"table", "natural_key", "symbol_time"} {
		stmt, err := render(name, data)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

// indexName keeps generated names inside the 63 byte identifier limit.
func indexName(table, suffix string) string {
	if limit := 63 - len(suffix) - 1; len(table) > limit {
		table = table[:limit]
	}
	return table + "_" + suffix
}

func renderCompression(table TableSpec, cp *compressionPlan) (string, error) {
	orderBy := make([]string, len(cp.orderBy))
	for i, o := range cp.orderBy {
		orderBy[i] = o.String()
	}
	return render("compress", struct {
		Table     TableSpec
		SegmentBy []string
		OrderBy   []string
	}{table, cp.segmentBy, orderBy})
}

func renderBucket(iv Interval, column string) (string, error) {
	return render("bucket", struct {
		Interval Interval
		Column   string
	}{iv, column})
}

func renderContinuousView(table TableSpec, schema Schema, rp rollupPlan, ds Downsampler) (string, error) {
	bucket, err := renderBucket(rp.interval, schema.TimeColumn)
	if err != nil {
		return "", err
	}
	return render("continuous_view", struct {
		Table       TableSpec
		View        TableSpec
		Schema      Schema
		Bucket      string
		PayloadExpr string
	}{table, rp.view, schema, bucket, ds.RollupPayload(bucket)})
}
