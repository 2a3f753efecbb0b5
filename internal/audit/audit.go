// Package audit keeps the append-only record of pipeline operations.
//
// Appends go to an in-memory buffer and are therefore non-blocking in the
// common case; a background loop flushes the buffer to an embedded SQLite
// database when either the buffer size or the flush interval is reached.
// Entries are never rewritten or deleted. Entries appended after the last
// flush are not guaranteed durable across abnormal process termination —
// a documented loss window, not a correctness bug.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxmill/voxmill/internal/model"
	"github.com/voxmill/voxmill/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered entries. When the
// sink is unreachable and the buffer fills to this point, further entries
// are dropped and counted rather than blocking the pipeline.
const maxBufferCapacity = 100_000

// Log is the audit log. Construct with Open, start the flush loop with
// Start, stop with Drain (or Close for both).
type Log struct {
	sink          *sink
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu      sync.Mutex
	entries []model.AuditEntry

	seq     atomic.Uint64
	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// Open opens (creating if necessary) the SQLite sink at dbPath and returns a
// Log whose sequence numbers continue from the last persisted entry.
func Open(logger *slog.Logger, dbPath string, maxSize int, flushInterval time.Duration) (*Log, error) {
	s, err := openSink(dbPath)
	if err != nil {
		return nil, err
	}
	l := &Log{
		sink:          s,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	last, err := s.lastSequence(context.Background())
	if err != nil {
		s.close()
		return nil, err
	}
	l.seq.Store(last)
	return l, nil
}

// Start begins the background flush loop and registers metrics.
func (l *Log) Start(ctx context.Context) {
	l.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	go l.flushLoop(loopCtx)
}

// Append records one operation. It assigns the sequence number and UTC
// timestamp, buffers the entry, and returns it. Append never blocks on the
// sink; if the buffer is at hard capacity the entry is dropped and counted.
func (l *Log) Append(op model.Operation, batchID uuid.UUID, resource, outcome, detail string) model.AuditEntry {
	e := model.AuditEntry{
		SequenceID:   l.seq.Add(1),
		BatchID:      batchID,
		TimestampUTC: time.Now().UTC(),
		Operation:    op,
		Resource:     resource,
		Outcome:      outcome,
		Detail:       detail,
	}

	l.mu.Lock()
	if len(l.entries) >= maxBufferCapacity {
		l.mu.Unlock()
		l.dropped.Add(1)
		l.logger.Error("audit: entry dropped, buffer at capacity", "seq", e.SequenceID)
		return e
	}
	l.entries = append(l.entries, e)
	full := len(l.entries) >= l.maxSize
	l.mu.Unlock()

	if full {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
	return e
}

func (l *Log) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush; ctx is already done, so use the drain context
			// (or a bounded fallback when cancelled without Drain).
			if l.drainCtx != nil {
				_ = l.Flush(l.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				_ = l.Flush(fallbackCtx)
				cancel()
			}
			close(l.done)
			return
		case <-ticker.C:
			_ = l.Flush(ctx)
		case <-l.flushCh:
			_ = l.Flush(ctx)
		}
	}
}

// Flush writes all buffered entries to the sink. On failure the batch is
// put back for retry (up to the capacity limit).
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	if len(l.entries) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.entries
	l.entries = nil
	l.mu.Unlock()

	if err := l.sink.insert(ctx, batch); err != nil {
		l.logger.Error("audit: flush failed", "error", err, "batch_size", len(batch))
		l.mu.Lock()
		if len(l.entries)+len(batch) <= maxBufferCapacity {
			l.entries = append(batch, l.entries...)
		} else {
			l.dropped.Add(int64(len(batch)))
			l.logger.Error("audit: dropping entries, buffer at capacity after flush failure", "dropped", len(batch))
		}
		l.mu.Unlock()
		return err
	}
	return nil
}

// Drain stops the flush loop and waits for its final flush, bounded by ctx.
func (l *Log) Drain(ctx context.Context) {
	l.drainCtx = ctx
	if l.cancelLoop != nil {
		l.cancelLoop()
		select {
		case <-l.done:
		case <-ctx.Done():
			l.logger.Warn("audit: drain timed out waiting for flush loop")
		}
	} else {
		// Loop never started; flush synchronously.
		_ = l.Flush(ctx)
	}
}

// Close drains with a bounded deadline and closes the sink.
func (l *Log) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	l.Drain(ctx)
	return l.sink.close()
}

// Recent returns the most recent n persisted entries, newest first.
// Buffered entries not yet flushed are not included.
func (l *Log) Recent(ctx context.Context, n int) ([]model.AuditEntry, error) {
	return l.sink.recent(ctx, n)
}

// Len returns the number of buffered (unflushed) entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Dropped returns the total entries lost to buffer capacity exhaustion.
func (l *Log) Dropped() int64 { return l.dropped.Load() }

func (l *Log) registerMetrics() {
	meter := telemetry.Meter("voxmill/audit")

	_, _ = meter.Int64ObservableGauge("voxmill.audit.buffer_depth",
		metric.WithDescription("Audit entries buffered and not yet flushed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(l.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("voxmill.audit.dropped_total",
		metric.WithDescription("Audit entries dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(l.Dropped())
			return nil
		}),
	)
}
