package timeseries

import (
	"context"
	"errors"
	"time"
)

const (
	hypertableSizeSQL = `SELECT COALESCE(hypertable_size($1::regclass), 0)`
	databaseSizeSQL   = `SELECT pg_database_size(current_database())`

	hypertableStatsSQL = `SELECT num_chunks, compression_enabled FROM timescaledb_information.hypertables
WHERE hypertable_schema = $1 AND hypertable_name = $2`

	compressedChunksSQL = `SELECT count(*) FROM timescaledb_information.chunks
WHERE hypertable_schema = $1 AND hypertable_name = $2 AND is_compressed`
)

// HealthReport summarises the store for operational monitoring.
type HealthReport struct {
	State            string          `json:"state"`
	ExtensionVersion string          `json:"extension_version"`
	DatabaseBytes    int64           `json:"database_bytes"`
	Connection       ConnectionState `json:"connection"`
	Tables           []TableHealth   `json:"tables"`
	CheckedAt        time.Time       `json:"checked_at"`
}

// ConnectionState mirrors database/sql pool statistics plus a ping result.
type ConnectionState struct {
	Reachable    bool  `json:"reachable"`
	MaxOpen      int   `json:"max_open"`
	Open         int   `json:"open"`
	InUse        int   `json:"in_use"`
	Idle         int   `json:"idle"`
	WaitCount    int64 `json:"wait_count"`
	WaitDuration int64 `json:"wait_duration_ms"`
}

// TableHealth describes one registered hypertable.
type TableHealth struct {
	Table                string   `json:"table"`
	Entity               string   `json:"entity"`
	Partitions           int64    `json:"partitions"`
	CompressedPartitions int64    `json:"compressed_partitions"`
	Bytes                int64    `json:"bytes"`
	CompressionEnabled   bool     `json:"compression_enabled"`
	Views                []string `json:"views,omitempty"`
}

type hypertableStats struct {
	NumChunks          int64 `db:"num_chunks"`
	CompressionEnabled bool  `db:"compression_enabled"`
}

// Health collects pool, extension and per-table statistics. Every failed probe is
// returned in the joined error alongside whatever could be collected.
func (m *Manager) Health(ctx context.Context) (*HealthReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkState(); err != nil {
		return nil, err
	}
	ctx, cancel := withDeadline(ctx, m.timeouts.Query)
	defer cancel()

	report := &HealthReport{
		State:            m.state.String(),
		ExtensionVersion: m.extVersion,
		CheckedAt:        time.Now().UTC(),
	}
	var errs []error
	fail := func(op, table string, err error) {
		errs = append(errs, wrapStoreErr(ctx, ErrQuery, op, table, "", err))
	}

	db, err := m.conn.RawDB()
	if err != nil {
		fail("health pool", "", err)
	} else {
		stats := db.Stats()
		report.Connection = ConnectionState{
			MaxOpen:      stats.MaxOpenConnections,
			Open:         stats.OpenConnections,
			InUse:        stats.InUse,
			Idle:         stats.Idle,
			WaitCount:    stats.WaitCount,
			WaitDuration: stats.WaitDuration.Milliseconds(),
		}
		if err := db.PingContext(ctx); err != nil {
			fail("health ping", "", err)
		} else {
			report.Connection.Reachable = true
		}
	}

	var version string
	if err := m.conn.QueryRowCtx(ctx, &version, extensionVersionSQL); err != nil {
		fail("health extension", "", err)
	} else {
		report.ExtensionVersion = version
	}
	if err := m.conn.QueryRowCtx(ctx, &report.DatabaseBytes, databaseSizeSQL); err != nil {
		fail("health database size", "", err)
	}

	for _, b := range m.sortedBindings() {
		th := TableHealth{Table: b.Table.Qualified(), Entity: b.Entity.Name()}
		for _, r := range b.plan.rollups {
			th.Views = append(th.Views, r.view.Qualified())
		}
		var stats hypertableStats
		if err := m.conn.QueryRowCtx(ctx, &stats, hypertableStatsSQL, b.Table.Schema, b.Table.Name); err != nil {
			fail("health hypertable", th.Table, err)
		} else {
			th.Partitions = stats.NumChunks
			th.CompressionEnabled = stats.CompressionEnabled
		}
		if err := m.conn.QueryRowCtx(ctx, &th.Bytes, hypertableSizeSQL, b.Table.Sanitize()); err != nil {
			fail("health size", th.Table, err)
		}
		if err := m.conn.QueryRowCtx(ctx, &th.CompressedPartitions, compressedChunksSQL, b.Table.Schema, b.Table.Name); err != nil {
			fail("health compressed chunks", th.Table, err)
		}
		report.Tables = append(report.Tables, th)
	}
	return report, errors.Join(errs...)
}

// sortedBindings must be called with m.mu held.
func (m *Manager) sortedBindings() []*Binding {
	out := make([]*Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, b)
	}
	sortBindings(out)
	return out
}
