// Package timeseries binds market-data entity types to TimescaleDB hypertables.
//
// A Manager verifies the extension, registers entities against tables (applying
// partitioning, compression, retention and continuous views through the
// PolicyExecutor) and serves time-range queries and idempotent bulk upserts over the
// entities' opaque JSON payloads:
//
//	m := timeseries.NewManager(conn)
//	if err := m.Initialize(ctx); err != nil { ... }
//	if err := m.RegisterEntity(ctx, marketdata.Candle{}, opts); err != nil { ... }
//	n, err := m.BulkUpsert(ctx, "candles_1m", payloads)
//	cur, err := m.QueryTimeRange(ctx, "candles_1m", q)
//	defer cur.Close()
//
// The package never retries. Use IsRetryable to decide whether a failed call may be
// repeated.
package timeseries
