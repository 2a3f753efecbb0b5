// Package membudget bounds the bytes the pipeline keeps resident at once.
//
// A Manager issues scoped rentals against a fixed ceiling. The invariant is
// that the sum of currently-rented bytes never exceeds the ceiling. What
// happens when a rental would cross the ceiling is a configured policy:
// block mode waits until capacity frees (bounded by a timeout), fail mode
// returns model.ErrMemoryBudgetExceeded immediately. A single request larger
// than the whole ceiling fails fast in either mode — it could never be
// satisfied by waiting.
package membudget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/voxmill/voxmill/internal/model"
	"github.com/voxmill/voxmill/internal/telemetry"
)

// Mode selects the over-ceiling policy.
type Mode string

const (
	ModeBlock Mode = "block"
	ModeFail  Mode = "fail"
)

// Manager tracks rented bytes against a ceiling for the process lifetime.
type Manager struct {
	ceiling int64
	mode    Mode
	timeout time.Duration
	logger  *slog.Logger

	sem    *semaphore.Weighted
	rented atomic.Int64
}

// New creates a Manager. ceiling must be positive.
func New(logger *slog.Logger, ceiling int64, mode Mode, timeout time.Duration) (*Manager, error) {
	if ceiling <= 0 {
		return nil, fmt.Errorf("membudget: ceiling must be positive, got %d", ceiling)
	}
	if mode != ModeBlock && mode != ModeFail {
		return nil, fmt.Errorf("membudget: unknown mode %q", mode)
	}
	m := &Manager{
		ceiling: ceiling,
		mode:    mode,
		timeout: timeout,
		logger:  logger,
		sem:     semaphore.NewWeighted(ceiling),
	}
	m.registerMetrics()
	return m, nil
}

// Ceiling returns the configured upper bound in bytes.
func (m *Manager) Ceiling() int64 { return m.ceiling }

// Rented returns the bytes currently rented.
func (m *Manager) Rented() int64 { return m.rented.Load() }

// Rent reserves n bytes against the ceiling and returns a lease that must be
// released. In block mode the call waits for capacity up to the configured
// timeout (or ctx's deadline, whichever fires first); in fail mode it
// returns immediately when capacity is unavailable.
func (m *Manager) Rent(ctx context.Context, n int64) (*Lease, error) {
	if n <= 0 {
		return nil, fmt.Errorf("membudget: rental size must be positive, got %d", n)
	}
	if n > m.ceiling {
		return nil, fmt.Errorf("membudget: rental of %d bytes exceeds ceiling of %d: %w", n, m.ceiling, model.ErrMemoryBudgetExceeded)
	}

	switch m.mode {
	case ModeFail:
		if !m.sem.TryAcquire(n) {
			return nil, fmt.Errorf("membudget: %d bytes unavailable (%d of %d rented): %w", n, m.Rented(), m.ceiling, model.ErrMemoryBudgetExceeded)
		}
	default:
		acquireCtx := ctx
		if m.timeout > 0 {
			var cancel context.CancelFunc
			acquireCtx, cancel = context.WithTimeout(ctx, m.timeout)
			defer cancel()
		}
		if err := m.sem.Acquire(acquireCtx, n); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("membudget: rent cancelled: %w", ctx.Err())
			}
			return nil, fmt.Errorf("membudget: timed out waiting for %d bytes: %w", n, model.ErrMemoryBudgetExceeded)
		}
	}

	m.rented.Add(n)
	return &Lease{mgr: m, n: n}, nil
}

func (m *Manager) release(n int64) {
	m.rented.Add(-n)
	m.sem.Release(n)
}

// registerMetrics registers an observable gauge for budget monitoring.
func (m *Manager) registerMetrics() {
	meter := telemetry.Meter("voxmill/membudget")

	_, _ = meter.Int64ObservableGauge("voxmill.budget.rented_bytes",
		metric.WithDescription("Bytes currently rented against the memory ceiling"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.Rented())
			return nil
		}),
	)
}

// Lease is a scoped rental. Release is idempotent; leases are also safe to
// release from a different goroutine than the one that rented.
type Lease struct {
	mgr  *Manager
	n    int64
	once sync.Once
}

// Bytes returns the rented size.
func (l *Lease) Bytes() int64 { return l.n }

// Release returns the rented bytes to the budget.
func (l *Lease) Release() {
	l.once.Do(func() { l.mgr.release(l.n) })
}
