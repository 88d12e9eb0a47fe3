package timeseries

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// TableSpec is a validated, optionally schema-qualified relation name.
type TableSpec struct {
	Schema string
	Name   string
}

// ParseTableSpec validates "name" or "schema.name". Only lower-case identifiers are
// allowed, which keeps quoted and unquoted spellings equivalent.
func ParseTableSpec(raw string) (TableSpec, error) {
	raw = strings.TrimSpace(raw)
	schema, name := "public", raw
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		schema, name = raw[:i], raw[i+1:]
	}
	if !identPattern.MatchString(schema) || !identPattern.MatchString(name) {
		return TableSpec{}, fmt.Errorf("%w: table name %q", ErrInvalidOptions, raw)
	}
	return TableSpec{Schema: schema, Name: name}, nil
}

// Qualified is the registry key, e.g. "public.candles_1m".
func (t TableSpec) Qualified() string { return t.Schema + "." + t.Name }

// Sanitize quotes the relation for interpolation into SQL.
func (t TableSpec) Sanitize() string { return pgx.Identifier{t.Schema, t.Name}.Sanitize() }

// ValidIdentifier reports whether s is an allow-listed column or relation name.
func ValidIdentifier(s string) bool { return identPattern.MatchString(s) }

func quoteIdent(s string) string { return pgx.Identifier{s}.Sanitize() }

// RegistrationOptions bind an entity type to a table and its store policies.
type RegistrationOptions struct {
	TableName  string `yaml:"table" validate:"required,relation"`
	TimeColumn string `yaml:"time_column" default:"ts" validate:"omitempty,identifier"`
	// Resolution is the native granularity of the rows, e.g. "1 minute" for minute
	// candles. Empty means raw events (ticks): any interval needs a rollup view.
	Resolution      string              `yaml:"resolution" validate:"omitempty,interval"`
	ChunkInterval   string              `yaml:"chunk_interval" default:"1 day" validate:"omitempty,interval"`
	RetentionPeriod string              `yaml:"retention" validate:"omitempty,interval"`
	Compression     *CompressionOptions `yaml:"compression"`
	Rollups         []RollupOptions     `yaml:"rollups" validate:"dive"`
}

// CompressionOptions configure native compression. SegmentBy should hold
// low-cardinality dimensions; OrderBy defaults to the time column descending.
type CompressionOptions struct {
	SegmentBy []string `yaml:"segment_by" validate:"dive,identifier"`
	OrderBy   []string `yaml:"order_by"`
	After     string   `yaml:"after" default:"7 days" validate:"omitempty,interval"`
}

// RollupOptions declare a continuous aggregate at a coarser bucket width.
type RollupOptions struct {
	Interval         string `yaml:"interval" validate:"required,interval"`
	View             string `yaml:"view" validate:"required,relation"`
	StartOffset      string `yaml:"start_offset" validate:"omitempty,interval"`
	EndOffset        string `yaml:"end_offset" validate:"omitempty,interval"`
	ScheduleInterval string `yaml:"schedule_interval" validate:"omitempty,interval"`
}

// plan is the validated form of RegistrationOptions that the policy executor and
// query executor work from.
type plan struct {
	table       TableSpec
	timeColumn  string
	resolution  Interval
	chunk       Interval
	retention   Interval
	compression *compressionPlan
	rollups     []rollupPlan
}

type compressionPlan struct {
	segmentBy []string
	orderBy   []orderTerm
	after     Interval
}

type orderTerm struct {
	column string
	desc   bool
}

func (o orderTerm) String() string {
	if o.desc {
		return o.column + " DESC"
	}
	return o.column + " ASC"
}

type rollupPlan struct {
	interval Interval
	view     TableSpec
	start    Interval
	end      Interval
	schedule Interval
}

var defaultChunkInterval = Interval{Count: 1, Unit: "day"}

var orderPattern = regexp.MustCompile(`^([a-z_][a-z0-9_]{0,62})(?:\s+(asc|desc))?$`)

// compile validates options against the entity schema. Nothing here touches the store.
func (o RegistrationOptions) compile(schema Schema) (*plan, error) {
	table, err := ParseTableSpec(o.TableName)
	if err != nil {
		return nil, err
	}
	p := &plan{table: table, timeColumn: strings.TrimSpace(o.TimeColumn)}
	if p.timeColumn == "" {
		p.timeColumn = schema.TimeColumn
	}
	if !ValidIdentifier(p.timeColumn) {
		return nil, fmt.Errorf("%w: time column %q", ErrInvalidOptions, p.timeColumn)
	}
	if p.timeColumn != schema.TimeColumn {
		return nil, fmt.Errorf("%w: time column %q is not generated by the entity (want %q)", ErrInvalidOptions, p.timeColumn, schema.TimeColumn)
	}
	p.chunk = defaultChunkInterval
	if o.ChunkInterval != "" {
		if p.chunk, err = ParseInterval(o.ChunkInterval); err != nil {
			return nil, fmt.Errorf("chunk_interval: %w", err)
		}
	}
	if o.Resolution != "" {
		if p.resolution, err = ParseInterval(o.Resolution); err != nil {
			return nil, fmt.Errorf("resolution: %w", err)
		}
	}
	if o.RetentionPeriod != "" {
		if p.retention, err = ParseInterval(o.RetentionPeriod); err != nil {
			return nil, fmt.Errorf("retention: %w", err)
		}
	}
	if o.Compression != nil {
		if p.compression, err = o.Compression.compile(schema, p.timeColumn); err != nil {
			return nil, err
		}
	}
	seenViews := make(map[string]struct{}, len(o.Rollups))
	seenIntervals := make(map[Interval]struct{}, len(o.Rollups))
	for _, r := range o.Rollups {
		rp, err := r.compile(table.Schema)
		if err != nil {
			return nil, err
		}
		if !p.resolution.IsZero() && rp.interval.Approx() <= p.resolution.Approx() {
			return nil, fmt.Errorf("%w: rollup %s is not coarser than resolution %s", ErrInvalidOptions, rp.interval, p.resolution)
		}
		if _, dup := seenViews[rp.view.Qualified()]; dup || rp.view == table {
			return nil, fmt.Errorf("%w: duplicate view %s", ErrInvalidOptions, rp.view.Qualified())
		}
		if _, dup := seenIntervals[rp.interval]; dup {
			return nil, fmt.Errorf("%w: duplicate rollup interval %s", ErrInvalidOptions, rp.interval)
		}
		seenViews[rp.view.Qualified()] = struct{}{}
		seenIntervals[rp.interval] = struct{}{}
		p.rollups = append(p.rollups, rp)
	}
	return p, nil
}

func (c CompressionOptions) compile(schema Schema, timeColumn string) (*compressionPlan, error) {
	cp := &compressionPlan{}
	for _, col := range c.SegmentBy {
		col = strings.TrimSpace(col)
		if !ValidIdentifier(col) || !schema.hasColumn(col) {
			return nil, fmt.Errorf("%w: compression segment_by column %q", ErrInvalidOptions, col)
		}
		cp.segmentBy = append(cp.segmentBy, col)
	}
	orderBy := c.OrderBy
	if len(orderBy) == 0 {
		orderBy = []string{timeColumn + " DESC"}
	}
	for _, raw := range orderBy {
		m := orderPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(raw)))
		if m == nil || !schema.hasColumn(m[1]) {
			return nil, fmt.Errorf("%w: compression order_by term %q", ErrInvalidOptions, raw)
		}
		cp.orderBy = append(cp.orderBy, orderTerm{column: m[1], desc: m[2] == "desc"})
	}
	if c.After != "" {
		after, err := ParseInterval(c.After)
		if err != nil {
			return nil, fmt.Errorf("compression.after: %w", err)
		}
		cp.after = after
	}
	return cp, nil
}

func (r RollupOptions) compile(defaultSchema string) (rollupPlan, error) {
	var (
		rp  rollupPlan
		err error
	)
	if rp.interval, err = ParseInterval(r.Interval); err != nil {
		return rp, fmt.Errorf("rollup interval: %w", err)
	}
	view := strings.TrimSpace(r.View)
	if !strings.Contains(view, ".") {
		view = defaultSchema + "." + view
	}
	if rp.view, err = ParseTableSpec(view); err != nil {
		return rp, err
	}
	// Refresh window defaults: look back three buckets, leave the open bucket alone,
	// refresh once per bucket.
	rp.start = Interval{Count: rp.interval.Count * 3, Unit: rp.interval.Unit}
	rp.end = rp.interval
	rp.schedule = rp.interval
	for _, f := range []struct {
		raw string
		dst *Interval
	}{{r.StartOffset, &rp.start}, {r.EndOffset, &rp.end}, {r.ScheduleInterval, &rp.schedule}} {
		if f.raw == "" {
			continue
		}
		if *f.dst, err = ParseInterval(f.raw); err != nil {
			return rp, fmt.Errorf("rollup %s: %w", rp.view.Qualified(), err)
		}
	}
	if rp.start.Approx() <= rp.end.Approx() {
		return rp, fmt.Errorf("%w: rollup %s start_offset must exceed end_offset", ErrInvalidOptions, rp.view.Qualified())
	}
	return rp, nil
}

func (p *plan) rollupFor(iv Interval) (rollupPlan, bool) {
	for _, r := range p.rollups {
		if r.interval.Approx() == iv.Approx() {
			return r, true
		}
	}
	return rollupPlan{}, false
}
