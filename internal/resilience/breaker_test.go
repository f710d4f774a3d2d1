package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmux/crewmux/internal/common/logger"
)

var errBoom = errors.New("boom")

func newTestBreaker(cfg BreakerConfig) *CircuitBreaker {
	return NewCircuitBreaker("agent:worker-1", cfg, logger.Default())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, OpenTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		cb.Mark(errBoom)
		assert.Equal(t, StateClosed, cb.State())
	}
	cb.Mark(errBoom)
	assert.Equal(t, StateOpen, cb.State())
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, OpenTimeout: time.Minute})

	cb.Mark(errBoom)
	cb.Mark(errBoom)
	cb.Mark(nil)
	cb.Mark(errBoom)
	cb.Mark(errBoom)
	assert.Equal(t, StateClosed, cb.State(), "non-consecutive failures must not open")

	cb.Mark(errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cb := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 30 * time.Second})

		cb.Mark(errBoom)
		require.Equal(t, StateOpen, cb.State())
		require.Error(t, cb.Allow())

		time.Sleep(30 * time.Second)

		// First probe is allowed; one success is not enough to close.
		require.NoError(t, cb.Allow())
		require.Equal(t, StateHalfOpen, cb.State())
		cb.Mark(nil)
		require.Equal(t, StateHalfOpen, cb.State())

		cb.Mark(nil)
		assert.Equal(t, StateClosed, cb.State())
	})
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cb := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 10 * time.Second})

		cb.Mark(errBoom)
		time.Sleep(10 * time.Second)
		require.NoError(t, cb.Allow())
		cb.Mark(errBoom)

		assert.Equal(t, StateOpen, cb.State())
		require.Error(t, cb.Allow())
	})
}

func TestBreakerExecute(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
	require.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return errBoom }), errBoom)
	require.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return errBoom }), errBoom)

	// Open: fn must not run.
	ran := false
	err := cb.Execute(ctx, func(context.Context) error { ran = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, ran)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("agent:worker-1", BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		OnStateChange: func(from, to CircuitState, name string) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	}, logger.Default())

	cb.Mark(errBoom)
	require.Equal(t, []string{"closed>open"}, transitions)
}

func TestBreakerWindow(t *testing.T) {
	cb := newTestBreaker(BreakerConfig{FailureThreshold: 100, SuccessThreshold: 1, OpenTimeout: time.Minute})

	for i := 0; i < 12; i++ {
		cb.Mark(errBoom)
	}
	cb.Mark(nil)

	window := cb.Window()
	require.Len(t, window, 10)
	assert.False(t, window[9], "newest outcome is the success")
	assert.True(t, window[0])
}

func TestBulkheadLimitsConcurrency(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := NewBulkhead("pane-captures", 2, 1)
		ctx := context.Background()

		release := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = b.Execute(ctx, func(context.Context) error {
					<-release
					return nil
				})
			}()
		}
		synctest.Wait()

		active, waiting := b.Stats()
		assert.Equal(t, 2, active)
		assert.Equal(t, 1, waiting)

		// Slots and queue exhausted: immediate rejection.
		err := b.Execute(ctx, func(context.Context) error { return nil })
		require.ErrorIs(t, err, ErrBulkheadFull)

		close(release)
		wg.Wait()

		active, waiting = b.Stats()
		assert.Zero(t, active)
		assert.Zero(t, waiting)
	})
}

func TestBulkheadWaiterCancellation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := NewBulkhead("pane-captures", 1, 5)

		release := make(chan struct{})
		go func() {
			_ = b.Execute(context.Background(), func(context.Context) error {
				<-release
				return nil
			})
		}()
		synctest.Wait()

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- b.Execute(ctx, func(context.Context) error { return nil })
		}()
		synctest.Wait()

		cancel()
		require.ErrorIs(t, <-errCh, context.Canceled)

		close(release)
	})
}
