package membudget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxmill/voxmill/internal/model"
	"github.com/voxmill/voxmill/internal/testutil"
)

func newManager(t *testing.T, ceiling int64, mode Mode, timeout time.Duration) *Manager {
	t.Helper()
	m, err := New(testutil.TestLogger(), ceiling, mode, timeout)
	require.NoError(t, err)
	return m
}

func TestNewValidation(t *testing.T) {
	_, err := New(testutil.TestLogger(), 0, ModeBlock, time.Second)
	assert.Error(t, err)

	_, err = New(testutil.TestLogger(), 1024, Mode("maybe"), time.Second)
	assert.Error(t, err)
}

func TestRentAndRelease(t *testing.T) {
	m := newManager(t, 1000, ModeFail, 0)

	l1, err := m.Rent(context.Background(), 600)
	require.NoError(t, err)
	assert.Equal(t, int64(600), m.Rented())

	l2, err := m.Rent(context.Background(), 400)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), m.Rented())

	l1.Release()
	assert.Equal(t, int64(400), m.Rented())
	l2.Release()
	assert.Equal(t, int64(0), m.Rented())
}

func TestRentLargerThanCeilingFailsFastInBothModes(t *testing.T) {
	for _, mode := range []Mode{ModeBlock, ModeFail} {
		m := newManager(t, 100, mode, time.Minute)
		start := time.Now()
		_, err := m.Rent(context.Background(), 101)
		assert.ErrorIs(t, err, model.ErrMemoryBudgetExceeded, "mode %s", mode)
		assert.Less(t, time.Since(start), time.Second, "mode %s must not wait", mode)
	}
}

func TestFailModeReturnsImmediately(t *testing.T) {
	m := newManager(t, 100, ModeFail, 0)

	l, err := m.Rent(context.Background(), 80)
	require.NoError(t, err)
	defer l.Release()

	_, err = m.Rent(context.Background(), 30)
	assert.ErrorIs(t, err, model.ErrMemoryBudgetExceeded)
}

func TestBlockModeWaitsForCapacity(t *testing.T) {
	m := newManager(t, 100, ModeBlock, 5*time.Second)

	l, err := m.Rent(context.Background(), 100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var rentErr error
	go func() {
		defer wg.Done()
		l2, err := m.Rent(context.Background(), 50)
		rentErr = err
		if err == nil {
			l2.Release()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	l.Release()
	wg.Wait()
	assert.NoError(t, rentErr)
}

func TestBlockModeTimesOut(t *testing.T) {
	m := newManager(t, 100, ModeBlock, 25*time.Millisecond)

	l, err := m.Rent(context.Background(), 100)
	require.NoError(t, err)
	defer l.Release()

	_, err = m.Rent(context.Background(), 1)
	assert.ErrorIs(t, err, model.ErrMemoryBudgetExceeded)
}

func TestBlockModeCancellation(t *testing.T) {
	m := newManager(t, 100, ModeBlock, time.Minute)

	l, err := m.Rent(context.Background(), 100)
	require.NoError(t, err)
	defer l.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = m.Rent(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLeaseReleaseIdempotent(t *testing.T) {
	m := newManager(t, 100, ModeFail, 0)

	l, err := m.Rent(context.Background(), 60)
	require.NoError(t, err)
	l.Release()
	l.Release()
	assert.Equal(t, int64(0), m.Rented(), "double release must not go negative")

	// Full capacity must be available again, and only once.
	l2, err := m.Rent(context.Background(), 100)
	require.NoError(t, err)
	defer l2.Release()
}

func TestRentInvalidSize(t *testing.T) {
	m := newManager(t, 100, ModeFail, 0)
	_, err := m.Rent(context.Background(), 0)
	assert.Error(t, err)
	_, err = m.Rent(context.Background(), -5)
	assert.Error(t, err)
}
