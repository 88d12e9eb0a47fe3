package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/zeromicro/go-zero/core/logx"

	"tickstore/internal/config"
	"tickstore/pkg/timeseries"
)

func TestMain(m *testing.M) {
	logx.Disable()
	os.Exit(m.Run())
}

// chanReader hands out queued messages and blocks once they run out.
type chanReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
	commitErr error
	closed    bool
}

func newChanReader(msgs ...kafka.Message) *chanReader {
	r := &chanReader{msgs: make(chan kafka.Message, len(msgs)+8)}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *chanReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *chanReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitErr != nil {
		return r.commitErr
	}
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *chanReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *chanReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type memWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

// fakeRecorder rejects payloads containing "BAD" and fails the first `transient`
// calls with a retryable error.
type fakeRecorder struct {
	mu        sync.Mutex
	transient int
	calls     int
	stored    []timeseries.Payload
	err       error
}

func (f *fakeRecorder) Record(_ context.Context, table string, payloads []timeseries.Payload) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if f.transient > 0 {
		f.transient--
		return 0, &timeseries.OpError{Op: "upsert", Table: table, Kind: timeseries.ErrUpsert,
			Err: &pgconn.PgError{Code: "40001", Message: "could not serialize access"}, Retryable: true}
	}
	for i, p := range payloads {
		if gjson.GetBytes(p, "PRICE").String() == "BAD" {
			return 0, fmt.Errorf("%w: payload %d: bad price", timeseries.ErrInvalidPayload, i)
		}
	}
	f.stored = append(f.stored, payloads...)
	return int64(len(payloads)), nil
}

func (f *fakeRecorder) payloads() []timeseries.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]timeseries.Payload(nil), f.stored...)
}

func trade(offset int64, price string) kafka.Message {
	return kafka.Message{
		Topic:  "trades.kraken",
		Offset: offset,
		Value:  []byte(fmt.Sprintf(`{"INSTRUMENT":"BTC-USD","TIMESTAMP":1700000000,"CCSEQ":%d,"PRICE":%q}`, offset, price)),
	}
}

func testConsumer(reader *chanReader, dlq Writer, rec Recorder, opts Options) *Consumer {
	c := newConsumer([]route{{
		RouteConf: config.RouteConf{Topic: "trades.kraken", Table: "trades", Market: "kraken"},
		reader:    reader,
	}}, dlq, rec, opts)
	c.newBackOff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3) }
	return c
}

// runUntil runs the consumer until cond holds, then stops it.
func runUntil(t *testing.T, c *Consumer, cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
		return nil
	}
}

func TestConsumerStoresAndCommits(t *testing.T) {
	reader := newChanReader(trade(1, "100"), trade(2, "101"), trade(3, "102"))
	rec := &fakeRecorder{}
	c := testConsumer(reader, nil, rec, Options{BatchSize: 2, FlushInterval: 20 * time.Millisecond})

	err := runUntil(t, c, func() bool { return len(reader.offsets()) == 3 })
	require.NoError(t, err)

	stored := rec.payloads()
	require.Len(t, stored, 3)
	for _, p := range stored {
		assert.Equal(t, "kraken", gjson.GetBytes(p, "MARKET").String(), "route market is stamped")
		assert.Equal(t, "BTC-USD", gjson.GetBytes(p, "INSTRUMENT").String())
	}
	assert.Equal(t, []int64{1, 2, 3}, reader.offsets())
	assert.Equal(t, 2, rec.calls, "one full batch, one flushed by the interval")
}

func TestConsumerRetriesTransientFailures(t *testing.T) {
	reader := newChanReader(trade(1, "100"))
	rec := &fakeRecorder{transient: 2}
	c := testConsumer(reader, nil, rec, Options{BatchSize: 1, FlushInterval: 10 * time.Millisecond})

	err := runUntil(t, c, func() bool { return len(reader.offsets()) == 1 })
	require.NoError(t, err)
	assert.Equal(t, 3, rec.calls)
	assert.Len(t, rec.payloads(), 1)
}

func TestConsumerStopsWhenRetriesRunOut(t *testing.T) {
	reader := newChanReader(trade(1, "100"))
	rec := &fakeRecorder{transient: 10}
	c := testConsumer(reader, nil, rec, Options{BatchSize: 1, FlushInterval: 10 * time.Millisecond})

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, timeseries.IsRetryable(err))
	assert.Empty(t, reader.offsets(), "a batch that was never stored is not committed")
	assert.Equal(t, 4, rec.calls)
}

func TestConsumerDeadLettersRejectedMessages(t *testing.T) {
	reader := newChanReader(trade(1, "100"), trade(2, "BAD"), trade(3, "102"))
	rec := &fakeRecorder{}
	dlq := &memWriter{}
	c := testConsumer(reader, dlq, rec, Options{BatchSize: 3, FlushInterval: time.Second, DLQTopic: "ticks.dlq"})

	err := runUntil(t, c, func() bool { return len(reader.offsets()) == 3 })
	require.NoError(t, err)

	assert.Len(t, rec.payloads(), 2)
	require.Len(t, dlq.msgs, 1)
	dead := dlq.msgs[0]
	assert.Equal(t, "ticks.dlq", dead.Topic)
	assert.Equal(t, trade(2, "BAD").Value, dead.Value, "the original message is dead-lettered")
	require.Len(t, dead.Headers, 2)
	assert.Equal(t, kafka.Header{Key: "source_topic", Value: []byte("trades.kraken")}, dead.Headers[0])
	assert.Contains(t, string(dead.Headers[1].Value), "bad price")
}

func TestConsumerDropsRejectedWithoutDLQ(t *testing.T) {
	reader := newChanReader(trade(1, "BAD"), trade(2, "101"))
	rec := &fakeRecorder{}
	c := testConsumer(reader, nil, rec, Options{BatchSize: 2, FlushInterval: time.Second})

	err := runUntil(t, c, func() bool { return len(reader.offsets()) == 2 })
	require.NoError(t, err)
	assert.Len(t, rec.payloads(), 1)
}

func TestConsumerDLQFailureStops(t *testing.T) {
	reader := newChanReader(trade(1, "BAD"))
	dlq := &memWriter{err: errors.New("broker unavailable")}
	c := testConsumer(reader, dlq, &fakeRecorder{}, Options{BatchSize: 1, DLQTopic: "ticks.dlq"})

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write dlq ticks.dlq")
	assert.Empty(t, reader.offsets())
}

func TestConsumerUnregisteredTableStops(t *testing.T) {
	reader := newChanReader(trade(1, "100"))
	rec := &fakeRecorder{err: fmt.Errorf("%w: public.trades", timeseries.ErrNotRegistered)}
	c := testConsumer(reader, &memWriter{}, rec, Options{BatchSize: 1, DLQTopic: "ticks.dlq"})

	err := c.Run(context.Background())
	require.ErrorIs(t, err, timeseries.ErrNotRegistered)
	assert.Equal(t, 1, rec.calls, "non-retryable errors are not retried")
}

func TestConsumerStoreFailureStopsWithoutCommit(t *testing.T) {
	denied := &timeseries.OpError{Op: "upsert", Table: "public.trades", Kind: timeseries.ErrUpsert,
		Err: &pgconn.PgError{Code: "42501", Message: "permission denied for table trades"}}
	reader := newChanReader(trade(1, "100"), trade(2, "101"))
	rec := &fakeRecorder{err: denied}
	c := testConsumer(reader, nil, rec, Options{BatchSize: 2, FlushInterval: time.Second})

	err := c.Run(context.Background())
	require.ErrorIs(t, err, timeseries.ErrUpsert)
	assert.Contains(t, err.Error(), "42501")
	assert.Empty(t, reader.offsets(), "messages are redelivered after a restart")
	assert.Empty(t, rec.payloads())
	assert.Equal(t, 1, rec.calls, "the batch is not split")
}

func TestConsumerDeadLettersIntegrityViolations(t *testing.T) {
	violation := &timeseries.OpError{Op: "upsert", Table: "public.trades", Kind: timeseries.ErrUpsert,
		Err: &pgconn.PgError{Code: "23502", Message: "null value in column \"ccseq\""}}
	reader := newChanReader(trade(1, "100"))
	rec := &fakeRecorder{err: violation}
	dlq := &memWriter{}
	c := testConsumer(reader, dlq, rec, Options{BatchSize: 1, FlushInterval: time.Second, DLQTopic: "ticks.dlq"})

	err := runUntil(t, c, func() bool { return len(reader.offsets()) == 1 })
	require.NoError(t, err)
	require.Len(t, dlq.msgs, 1)
	assert.Contains(t, string(dlq.msgs[0].Headers[1].Value), "23502")
}

func TestConsumerFlushesPendingBatchOnShutdown(t *testing.T) {
	reader := newChanReader(trade(1, "100"))
	rec := &fakeRecorder{}
	c := testConsumer(reader, nil, rec, Options{BatchSize: 10, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return len(reader.msgs) == 0 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Len(t, rec.payloads(), 1)
	assert.Equal(t, []int64{1}, reader.offsets())
}

func TestNew(t *testing.T) {
	_, err := New(config.IngestConf{}, &fakeRecorder{})
	require.Error(t, err)

	_, err = New(config.IngestConf{Routes: []config.RouteConf{{Topic: "t", Table: "trades"}}}, &fakeRecorder{})
	require.Error(t, err)

	c, err := New(config.IngestConf{
		Brokers:  []string{"localhost:9092"},
		GroupID:  "tickstore-ingest",
		DLQTopic: "ticks.dlq",
		Routes:   []config.RouteConf{{Topic: "trades.kraken", Table: "trades"}},
	}, &fakeRecorder{})
	require.NoError(t, err)
	assert.Len(t, c.routes, 1)
	assert.NotNil(t, c.dlq)
	assert.Equal(t, 500, c.opts.BatchSize)
	require.NoError(t, c.Close())
}
