package timeseries

import (
	"context"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

const (
	policySchema      = "schema"
	policyHypertable  = "hypertable"
	policyCompression = "compression"
	policyRetention   = "retention"
	policyRollup      = "continuous_aggregate"
)

const (
	createHypertableSQL     = `SELECT create_hypertable($1::regclass, $2::name, chunk_time_interval => $3::interval, if_not_exists => TRUE)`
	addCompressionPolicySQL = `SELECT add_compression_policy($1::regclass, compress_after => $2::interval, if_not_exists => TRUE)`
	addRetentionPolicySQL   = `SELECT add_retention_policy($1::regclass, drop_after => $2::interval, if_not_exists => TRUE)`

	compressionEnabledSQL = `SELECT compression_enabled FROM timescaledb_information.hypertables
WHERE hypertable_schema = $1 AND hypertable_name = $2`

	addRefreshPolicySQL = `SELECT add_continuous_aggregate_policy($1::regclass,
    start_offset => $2::interval, end_offset => $3::interval, schedule_interval => $4::interval,
    if_not_exists => TRUE)`
)

// defaultCompressAfter applies when compression is configured without an age.
var defaultCompressAfter = Interval{Count: 7, Unit: "day"}

// PolicyExecutor issues the idempotent DDL that turns a plain table into a managed
// hypertable: schema, partitioning, compression, retention and continuous views.
// Re-running it against a configured table is a no-op.
type PolicyExecutor struct {
	session sqlx.Session
}

func NewPolicyExecutor(session sqlx.Session) *PolicyExecutor {
	return &PolicyExecutor{session: session}
}

// Apply validates opts against the entity schema and applies every configured policy
// in order. The first failure stops the sequence; re-running completes it.
func (p *PolicyExecutor) Apply(ctx context.Context, entity Entity, opts RegistrationOptions) error {
	if entity == nil {
		return fmt.Errorf("%w: nil entity", ErrInvalidOptions)
	}
	schema := entity.Schema()
	if err := schema.Validate(); err != nil {
		return err
	}
	pl, err := opts.compile(schema)
	if err != nil {
		return err
	}
	if len(pl.rollups) > 0 {
		if _, ok := entity.(Downsampler); !ok {
			return fmt.Errorf("%w: entity %s does not support rollups", ErrInvalidOptions, entity.Name())
		}
	}
	return p.apply(ctx, entity, pl)
}

func (p *PolicyExecutor) apply(ctx context.Context, entity Entity, pl *plan) error {
	table := pl.table
	steps := []struct {
		policy string
		fn     func(context.Context) error
	}{
		{policySchema, func(ctx context.Context) error { return entity.InitSchema(ctx, p.session, table) }},
		{policyHypertable, func(ctx context.Context) error { return p.hypertable(ctx, pl) }},
		{policyCompression, func(ctx context.Context) error { return p.compression(ctx, pl) }},
		{policyRetention, func(ctx context.Context) error { return p.retention(ctx, pl) }},
		{policyRollup, func(ctx context.Context) error { return p.rollups(ctx, entity, pl) }},
	}
	for _, step := range steps {
		start := time.Now()
		err := step.fn(ctx)
		policyDuration.Observe(time.Since(start).Milliseconds(), step.policy)
		if err != nil {
			policyErrors.Inc(step.policy)
			logx.WithContext(ctx).Errorf("timeseries: apply %s table=%s err=%v", step.policy, table.Qualified(), err)
			return wrapStoreErr(ctx, ErrPolicyApplication, "apply "+step.policy, table.Qualified(), "", err)
		}
	}
	logx.WithContext(ctx).Infof("timeseries: policies applied table=%s chunk=%s retention=%q compression=%t rollups=%d",
		table.Qualified(), pl.chunk, pl.retention.String(), pl.compression != nil, len(pl.rollups))
	return nil
}

func (p *PolicyExecutor) hypertable(ctx context.Context, pl *plan) error {
	_, err := p.session.ExecCtx(ctx, createHypertableSQL, pl.table.Sanitize(), pl.timeColumn, pl.chunk.String())
	return err
}

func (p *PolicyExecutor) compression(ctx context.Context, pl *plan) error {
	if pl.compression == nil {
		return nil
	}
	var enabled bool
	if err := p.session.QueryRowCtx(ctx, &enabled, compressionEnabledSQL, pl.table.Schema, pl.table.Name); err != nil {
		return fmt.Errorf("read compression state: %w", err)
	}
	// Compression settings cannot change once chunks are compressed, so an enabled
	// table keeps the settings it was first configured with.
	if !enabled {
		stmt, err := renderCompression(pl.table, pl.compression)
		if err != nil {
			return err
		}
		if _, err := p.session.ExecCtx(ctx, stmt); err != nil {
			return fmt.Errorf("enable compression: %w", err)
		}
	}
	after := pl.compression.after
	if after.IsZero() {
		after = defaultCompressAfter
	}
	if _, err := p.session.ExecCtx(ctx, addCompressionPolicySQL, pl.table.Sanitize(), after.String()); err != nil {
		return fmt.Errorf("add compression policy: %w", err)
	}
	return nil
}

func (p *PolicyExecutor) retention(ctx context.Context, pl *plan) error {
	if pl.retention.IsZero() {
		return nil
	}
	_, err := p.session.ExecCtx(ctx, addRetentionPolicySQL, pl.table.Sanitize(), pl.retention.String())
	return err
}

func (p *PolicyExecutor) rollups(ctx context.Context, entity Entity, pl *plan) error {
	if len(pl.rollups) == 0 {
		return nil
	}
	ds := entity.(Downsampler)
	schema := entity.Schema()
	for _, r := range pl.rollups {
		stmt, err := renderContinuousView(pl.table, schema, r, ds)
		if err != nil {
			return err
		}
		if _, err := p.session.ExecCtx(ctx, stmt); err != nil {
			return fmt.Errorf("create view %s: %w", r.view.Qualified(), err)
		}
		if _, err := p.session.ExecCtx(ctx, addRefreshPolicySQL,
			r.view.Sanitize(), r.start.String(), r.end.String(), r.schedule.String()); err != nil {
			return fmt.Errorf("add refresh policy %s: %w", r.view.Qualified(), err)
		}
	}
	return nil
}
