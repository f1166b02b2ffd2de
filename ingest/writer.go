package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxRetryInterval caps a single wait between attempts.
const MaxRetryInterval = 10 * time.Minute

type BatchWriterConfig struct {
	BatchSize            int
	MaxConcurrentBatches int
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// RetryDelay is the wait before the first retry; it doubles after each,
	// up to MaxRetryInterval.
	RetryDelay time.Duration
	// ConnectionTimeout bounds one insert attempt.
	ConnectionTimeout time.Duration
}

func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:            2000,
		MaxConcurrentBatches: 4,
		MaxRetries:           3,
		RetryDelay:           500 * time.Millisecond,
		ConnectionTimeout:    30 * time.Second,
	}
}

func (c BatchWriterConfig) Validate() error {
	var err error
	if c.BatchSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: batch_size must be positive", ErrInvalidConfig))
	}
	if c.MaxConcurrentBatches <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: max_concurrent_batches must be positive", ErrInvalidConfig))
	}
	if c.MaxRetries < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidConfig))
	}
	if c.RetryDelay < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: retry_delay must not be negative", ErrInvalidConfig))
	}
	if c.ConnectionTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: connection_timeout must be positive", ErrInvalidConfig))
	}
	return err
}

// BatchInserter persists one batch atomically. Returning an error wrapped
// with backoff.Permanent skips the remaining retries.
type BatchInserter interface {
	InsertBatch(ctx context.Context, batch []Candidate) error
}

type InserterFunc func(ctx context.Context, batch []Candidate) error

func (f InserterFunc) InsertBatch(ctx context.Context, batch []Candidate) error { return f(ctx, batch) }

// Metrics is the outcome of one Write call.
type Metrics struct {
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
	TotalBatches      int
	SuccessfulBatches int
	FailedBatches     int
	Attempts          int
	StartTime         time.Time
	EndTime           time.Time
	// BatchErrors holds the last error of each failed batch, in batch order.
	BatchErrors []string
}

func (m Metrics) Duration() time.Duration {
	if m.EndTime.IsZero() {
		return time.Since(m.StartTime)
	}
	return m.EndTime.Sub(m.StartTime)
}

func (m Metrics) RecordsPerSecond() float64 {
	d := m.Duration().Seconds()
	if d <= 0 {
		return 0
	}
	return float64(m.SuccessfulRecords) / d
}

// SuccessRate is the percentage of records written, 0 when there were none.
func (m Metrics) SuccessRate() float64 {
	if m.TotalRecords == 0 {
		return 0
	}
	return float64(m.SuccessfulRecords) / float64(m.TotalRecords) * 100
}

type metricsAccumulator struct {
	start             time.Time
	totalRecords      int
	totalBatches      int
	successfulRecords atomic.Int64
	failedRecords     atomic.Int64
	successfulBatches atomic.Int64
	failedBatches     atomic.Int64
	attempts          atomic.Int64

	mu     sync.Mutex
	errors map[int]string
}

func newMetricsAccumulator(records, batches int) *metricsAccumulator {
	return &metricsAccumulator{
		start:        time.Now(),
		totalRecords: records,
		totalBatches: batches,
		errors:       make(map[int]string),
	}
}

func (a *metricsAccumulator) succeed(records int) int {
	a.successfulBatches.Add(1)
	return int(a.successfulRecords.Add(int64(records)))
}

func (a *metricsAccumulator) fail(batch, records int, err error) {
	a.failedBatches.Add(1)
	a.failedRecords.Add(int64(records))
	a.mu.Lock()
	a.errors[batch] = fmt.Sprintf("batch %d: %v", batch, err)
	a.mu.Unlock()
}

func (a *metricsAccumulator) snapshot() Metrics {
	m := Metrics{
		TotalRecords:      a.totalRecords,
		SuccessfulRecords: int(a.successfulRecords.Load()),
		FailedRecords:     int(a.failedRecords.Load()),
		TotalBatches:      a.totalBatches,
		SuccessfulBatches: int(a.successfulBatches.Load()),
		FailedBatches:     int(a.failedBatches.Load()),
		Attempts:          int(a.attempts.Load()),
		StartTime:         a.start,
		EndTime:           time.Now(),
	}
	a.mu.Lock()
	for i := 0; i < a.totalBatches; i++ {
		if msg, ok := a.errors[i]; ok {
			m.BatchErrors = append(m.BatchErrors, msg)
		}
	}
	a.mu.Unlock()
	return m
}

// BatchWriter splits records into batches and inserts them concurrently with
// bounded parallelism and per-batch retries.
type BatchWriter struct {
	inserter BatchInserter
	cfg      BatchWriterConfig
	log      *zap.Logger
	tel      *Telemetry
}

func NewBatchWriter(inserter BatchInserter, cfg BatchWriterConfig, log *zap.Logger, tel *Telemetry) (*BatchWriter, error) {
	if inserter == nil {
		return nil, fmt.Errorf("%w: nil inserter", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BatchWriter{inserter: inserter, cfg: cfg, log: log, tel: tel}, nil
}

func (w *BatchWriter) Config() BatchWriterConfig { return w.cfg }

// Write inserts records and reports what happened. Batch failures end up in
// the returned Metrics, never as an error. Once ctx is cancelled no further
// batch is started; batches already running finish their retries.
// onProgress, if set, is called after each successful batch with the running
// total of written records; calls are serialized.
func (w *BatchWriter) Write(ctx context.Context, records []Candidate, onProgress func(done, total int)) Metrics {
	if len(records) == 0 {
		now := time.Now()
		return Metrics{StartTime: now, EndTime: now}
	}

	batches := BreakIntoBatches(records, w.cfg.BatchSize)
	acc := newMetricsAccumulator(len(records), len(batches))
	w.log.Debug("batch write started",
		zap.Int("records", len(records)),
		zap.Int("batches", len(batches)),
		zap.Int("concurrency", w.cfg.MaxConcurrentBatches))

	var progressMu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.cfg.MaxConcurrentBatches)

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(batches); j++ {
				acc.fail(j, len(batches[j]), fmt.Errorf("not started: %w", err))
			}
			break
		}
		i, batch := i, batch
		g.Go(func() error {
			// The slot may have been granted after cancellation.
			if err := ctx.Err(); err != nil {
				acc.fail(i, len(batch), fmt.Errorf("not started: %w", err))
				return nil
			}
			started := time.Now()
			err := w.insertWithRetry(ctx, i, batch, acc)
			w.tel.observeBatch(err == nil, len(batch), time.Since(started))
			if err != nil {
				acc.fail(i, len(batch), err)
				w.log.Error("batch failed",
					zap.Int("batch", i),
					zap.Int("records", len(batch)),
					zap.Duration("duration", time.Since(started)),
					zap.Error(err))
				return nil
			}
			progressMu.Lock()
			done := acc.succeed(len(batch))
			if onProgress != nil {
				onProgress(done, len(records))
			}
			progressMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m := acc.snapshot()
	w.log.Info("batch write finished",
		zap.Int("records", m.TotalRecords),
		zap.Int("written", m.SuccessfulRecords),
		zap.Int("failed", m.FailedRecords),
		zap.Int("attempts", m.Attempts),
		zap.Duration("duration", m.Duration()))
	return m
}

func (w *BatchWriter) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     w.cfg.RetryDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         MaxRetryInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(w.cfg.MaxRetries))
}

// insertWithRetry runs every attempt detached from ctx's cancellation, each
// bounded by ConnectionTimeout.
func (w *BatchWriter) insertWithRetry(ctx context.Context, idx int, batch []Candidate, acc *metricsAccumulator) error {
	detached := context.WithoutCancel(ctx)
	attempt := 0
	op := func() error {
		attempt++
		acc.attempts.Add(1)
		actx, cancel := context.WithTimeout(detached, w.cfg.ConnectionTimeout)
		defer cancel()
		return w.inserter.InsertBatch(actx, batch)
	}
	notify := func(err error, wait time.Duration) {
		w.tel.observeRetry()
		w.log.Warn("batch attempt failed, retrying",
			zap.Int("batch", idx),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return backoff.RetryNotify(op, w.newBackOff(), notify)
}
