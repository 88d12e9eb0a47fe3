// Package ingest consumes market data from Kafka and records it in batches through the
// storage layer. Offsets are committed only after a batch is stored or dead-lettered.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/errgroup"

	"tickstore/internal/config"
	"tickstore/pkg/marketdata"
	"tickstore/pkg/timeseries"
)

const (
	headerSourceTopic = "source_topic"
	headerError       = "error"
)

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the subset of *kafka.Writer used for dead-lettering.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Recorder stores a batch of payloads into a registered table.
type Recorder interface {
	Record(ctx context.Context, table string, payloads []timeseries.Payload) (int64, error)
}

// Options tune batching and retry.
type Options struct {
	BatchSize       int
	FlushInterval   time.Duration
	MaxRetryElapsed time.Duration
	ShutdownTimeout time.Duration
	DLQTopic        string
}

type route struct {
	config.RouteConf
	reader Reader
}

// Consumer runs one fetch loop per configured topic.
type Consumer struct {
	routes   []route
	recorder Recorder
	dlq      Writer
	opts     Options

	// newBackOff builds the retry policy for one batch.
	newBackOff func() backoff.BackOff
}

// New builds kafka readers for every route and, when a DLQ topic is configured, a
// writer for dead letters.
func New(cfg config.IngestConf, recorder Recorder) (*Consumer, error) {
	if len(cfg.Routes) == 0 {
		return nil, errors.New("ingest: no routes configured")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("ingest: brokers are required")
	}
	routes := make([]route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, route{
			RouteConf: r,
			reader: kafka.NewReader(kafka.ReaderConfig{
				Brokers:  cfg.Brokers,
				Topic:    r.Topic,
				GroupID:  cfg.GroupID,
				MinBytes: 10e3,
				MaxBytes: 10e6,
			}),
		})
	}
	var dlq Writer
	if cfg.DLQTopic != "" {
		dlq = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	return newConsumer(routes, dlq, recorder, Options{
		BatchSize:       cfg.BatchSize,
		FlushInterval:   cfg.FlushInterval,
		MaxRetryElapsed: cfg.MaxRetryElapsed,
		ShutdownTimeout: cfg.ShutdownTimeout,
		DLQTopic:        cfg.DLQTopic,
	}), nil
}

func newConsumer(routes []route, dlq Writer, recorder Recorder, opts Options) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	c := &Consumer{routes: routes, recorder: recorder, dlq: dlq, opts: opts}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = opts.MaxRetryElapsed
		return b
	}
	return c
}

// Run consumes every route until ctx is cancelled or a route fails. A batch already
// fetched when ctx is cancelled is still stored, bounded by the shutdown timeout.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range c.routes {
		g.Go(func() error { return c.consume(ctx, r) })
	}
	logx.Infof("ingest: consuming routes=%d batch=%d flush=%s", len(c.routes), c.opts.BatchSize, c.opts.FlushInterval)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the readers and the DLQ writer.
func (c *Consumer) Close() error {
	var errs []error
	for _, r := range c.routes {
		if err := r.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader %s: %w", r.Topic, err))
		}
	}
	if c.dlq != nil {
		if err := c.dlq.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dlq writer: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Consumer) consume(ctx context.Context, r route) error {
	for {
		batch, err := c.fetchBatch(ctx, r)
		if len(batch) > 0 {
			flushCtx, cancel := ctx, context.CancelFunc(func() {})
			if ctx.Err() != nil {
				flushCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), c.opts.ShutdownTimeout)
			}
			ferr := c.flush(flushCtx, r, batch)
			cancel()
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}
}

// fetchBatch collects up to BatchSize messages, returning early once FlushInterval has
// passed since the first one arrived.
func (c *Consumer) fetchBatch(ctx context.Context, r route) ([]kafka.Message, error) {
	batch := make([]kafka.Message, 0, c.opts.BatchSize)
	fetchCtx := ctx
	cancel := context.CancelFunc(func() {})
	defer func() { cancel() }()
	for len(batch) < c.opts.BatchSize {
		msg, err := r.reader.FetchMessage(fetchCtx)
		if err != nil {
			if ctx.Err() != nil {
				return batch, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) && len(batch) > 0 {
				return batch, nil
			}
			return batch, fmt.Errorf("ingest: fetch %s: %w", r.Topic, err)
		}
		if len(batch) == 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, c.opts.FlushInterval)
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

// flush stores a batch and commits its offsets. Retryable store failures are retried
// with exponential backoff; a batch rejected outright is split so only the offending
// messages are dead-lettered.
func (c *Consumer) flush(ctx context.Context, r route, batch []kafka.Message) error {
	start := time.Now()
	defer func() { batchDuration.Observe(time.Since(start).Milliseconds(), r.Topic) }()

	payloads := make([]timeseries.Payload, 0, len(batch))
	kept := make([]kafka.Message, 0, len(batch))
	for _, msg := range batch {
		p, err := marketdata.Stamp(msg.Value, r.Market, r.Instrument)
		if err != nil {
			if derr := c.deadLetter(ctx, r, msg, err); derr != nil {
				return derr
			}
			continue
		}
		payloads = append(payloads, p)
		kept = append(kept, msg)
	}

	err := c.record(ctx, r, payloads)
	switch {
	case err == nil:
		messagesTotal.Add(float64(len(kept)), r.Topic, outcomeStored)
	case isRejected(err):
		logx.WithContext(ctx).Errorf("ingest: batch rejected topic=%s size=%d err=%v, storing one by one", r.Topic, len(kept), err)
		for i, msg := range kept {
			err := c.record(ctx, r, payloads[i:i+1])
			switch {
			case err == nil:
				messagesTotal.Inc(r.Topic, outcomeStored)
			case isRejected(err):
				if derr := c.deadLetter(ctx, r, msg, err); derr != nil {
					return derr
				}
			default:
				return err
			}
		}
	default:
		return err
	}
	return c.commit(ctx, r, batch)
}

func (c *Consumer) record(ctx context.Context, r route, payloads []timeseries.Payload) error {
	if len(payloads) == 0 {
		return nil
	}
	op := func() error {
		_, err := c.recorder.Record(ctx, r.Table, payloads)
		if err != nil && !timeseries.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		retriesTotal.Inc(r.Topic)
		logx.WithContext(ctx).Infof("ingest: retrying topic=%s table=%s in %s err=%v", r.Topic, r.Table, wait, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("ingest: record %s into %s: %w", r.Topic, r.Table, err)
	}
	return nil
}

// isRejected reports failures caused by the data itself rather than the store. Anything
// else stops the consumer with the batch uncommitted.
func isRejected(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return timeseries.IsDataError(err)
}

// deadLetter publishes msg to the DLQ topic. Without a DLQ the message is dropped and
// logged so one bad record cannot stall the partition.
func (c *Consumer) deadLetter(ctx context.Context, r route, msg kafka.Message, cause error) error {
	if c.dlq == nil {
		messagesTotal.Inc(r.Topic, outcomeDropped)
		logx.WithContext(ctx).Errorf("ingest: dropping message topic=%s partition=%d offset=%d err=%v",
			msg.Topic, msg.Partition, msg.Offset, cause)
		return nil
	}
	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Topic: c.opts.DLQTopic,
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: headerSourceTopic, Value: []byte(r.Topic)},
			{Key: headerError, Value: []byte(cause.Error())},
		},
	})
	if err != nil {
		return fmt.Errorf("ingest: write dlq %s: %w", c.opts.DLQTopic, err)
	}
	messagesTotal.Inc(r.Topic, outcomeDeadLettered)
	logx.WithContext(ctx).Errorf("ingest: dead-lettered topic=%s offset=%d err=%v", r.Topic, msg.Offset, cause)
	return nil
}

func (c *Consumer) commit(ctx context.Context, r route, batch []kafka.Message) error {
	op := func() error { return r.reader.CommitMessages(ctx, batch...) }
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, 3), ctx)); err != nil {
		return fmt.Errorf("ingest: commit %s: %w", r.Topic, err)
	}
	return nil
}
