package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/conduit/internal/metrics"
)

type outcome struct {
	value string
	err   error
}

func run(ctx context.Context, cb *CircuitBreaker, op Attempt[string]) outcome {
	ch := make(chan outcome, 2)
	Execute(ctx, cb, op, func(v string, err error) {
		ch <- outcome{v, err}
	})
	res := <-ch
	select {
	case <-ch:
		panic("done called twice")
	case <-time.After(20 * time.Millisecond):
	}
	return res
}

func TestPromise_FirstCompletionWins(t *testing.T) {
	p := newPromise[int]()
	assert.False(t, p.Completed())
	assert.True(t, p.Complete(1))
	assert.False(t, p.Fail(errors.New("late")))
	assert.False(t, p.Complete(2))
	assert.True(t, p.Completed())

	v, err := p.result()
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestPromise_ConcurrentClaims(t *testing.T) {
	p := newPromise[int]()
	var wins atomic.Int32
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		go func(i int) {
			<-start
			if i%2 == 0 {
				if p.Complete(i) {
					wins.Add(1)
				}
			} else if p.Fail(errors.New("x")) {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	<-p.Done()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), wins.Load())
}

func TestExecute_Success(t *testing.T) {
	cb := New("test", &Config{MaxRetries: 3, Timeout: time.Second})

	res := run(context.Background(), cb, func(ctx context.Context, attempt int, p *Promise[string]) {
		p.Complete("ok")
	})
	require.NoError(t, res.err)
	assert.Equal(t, "ok", res.value)
	assert.Equal(t, int64(1), cb.GetStatistics().SuccessfulRequests)
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	cb := New("test", &Config{MaxFailures: 3, MaxRetries: 3, Timeout: time.Second})

	var attempts []int
	res := run(context.Background(), cb, func(ctx context.Context, attempt int, p *Promise[string]) {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			p.Fail(errors.New("connection refused"))
			return
		}
		p.Complete("third")
	})
	require.NoError(t, res.err)
	assert.Equal(t, "third", res.value)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestExecute_ExhaustedOpensCircuit(t *testing.T) {
	cb := New("test", &Config{MaxFailures: 2, MaxRetries: 2, Timeout: time.Second})

	var calls atomic.Int32
	failing := func(ctx context.Context, attempt int, p *Promise[string]) {
		calls.Add(1)
		p.Fail(errors.New("connection refused"))
	}

	res := run(context.Background(), cb, failing)
	assert.EqualError(t, res.err, "connection refused")
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, StateOpen, cb.GetState())

	// Open circuit fails fast without calling the attempt
	res = run(context.Background(), cb, failing)
	assert.ErrorIs(t, res.err, ErrOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_Timeout(t *testing.T) {
	cb := New("test", &Config{MaxFailures: 5, MaxRetries: 2, Timeout: 30 * time.Millisecond})

	var cancelled atomic.Int32
	res := run(context.Background(), cb, func(ctx context.Context, attempt int, p *Promise[string]) {
		go func() {
			<-ctx.Done()
			cancelled.Add(1)
			// A late completion after the timeout is rejected
			assert.False(t, p.Complete("late"))
		}()
	})
	assert.ErrorIs(t, res.err, ErrTimeout)
	assert.Eventually(t, func() bool { return cancelled.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), cb.GetStatistics().FailedRequests)
}

func TestExecute_SuccessKeepsAttemptContext(t *testing.T) {
	cb := New("test", &Config{Timeout: 20 * time.Millisecond})

	var attemptCtx context.Context
	res := run(context.Background(), cb, func(ctx context.Context, attempt int, p *Promise[string]) {
		attemptCtx = ctx
		p.Complete("streaming")
	})
	require.NoError(t, res.err)

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, attemptCtx.Err())
}

func TestExecute_CallerCancellationIsNotAFailure(t *testing.T) {
	cb := New("test", &Config{MaxFailures: 1, Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	ch := make(chan outcome, 1)
	Execute(ctx, cb, func(ctx context.Context, attempt int, p *Promise[string]) {
		close(started)
	}, func(v string, err error) {
		ch <- outcome{v, err}
	})

	<-started
	cancel()
	res := <-ch
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, int64(0), cb.GetStatistics().FailedRequests)
}

func TestExecute_CallerCancellationReleasesHalfOpenTrial(t *testing.T) {
	cb, clock := newTestBreaker(&Config{MaxFailures: 1, MaxRetries: 1, Timeout: time.Second})
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.GetState())
	clock.Advance(DefaultResetTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	ch := make(chan outcome, 1)
	Execute(ctx, cb, func(ctx context.Context, attempt int, p *Promise[string]) {
		close(started)
	}, func(v string, err error) {
		ch <- outcome{v, err}
	})

	<-started
	cancel()
	res := <-ch
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	var calls atomic.Int32
	res = run(context.Background(), cb, func(ctx context.Context, attempt int, p *Promise[string]) {
		calls.Add(1)
		p.Complete("recovered")
	})
	require.NoError(t, res.err)
	assert.Equal(t, "recovered", res.value)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestExecute_PanicFailsAttempt(t *testing.T) {
	cb := New("test", &Config{MaxRetries: 1, MaxFailures: 5, Timeout: time.Second})

	res := run(context.Background(), cb, func(ctx context.Context, attempt int, p *Promise[string]) {
		panic("boom")
	})
	assert.ErrorContains(t, res.err, "panicked")
}

func TestExecute_HalfOpenTrial(t *testing.T) {
	cb, clock := newTestBreaker(&Config{MaxFailures: 1, MaxRetries: 3, Timeout: time.Second})

	res := run(context.Background(), cb, func(ctx context.Context, attempt int, p *Promise[string]) {
		p.Fail(errors.New("down"))
	})
	assert.EqualError(t, res.err, "down")
	assert.Equal(t, StateOpen, cb.GetState())

	clock.Advance(DefaultResetTimeout)
	var calls atomic.Int32
	res = run(context.Background(), cb, func(ctx context.Context, attempt int, p *Promise[string]) {
		calls.Add(1)
		p.Fail(errors.New("still down"))
	})
	assert.EqualError(t, res.err, "still down")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestRegistry(t *testing.T) {
	collector, err := metrics.New(nil, prometheus.NewRegistry())
	require.NoError(t, err)
	r := NewRegistry(collector, nil)

	a := r.GetOrCreate(Name("orders"), &Config{MaxFailures: 1})
	b := r.GetOrCreate(Name("orders"), &Config{MaxFailures: 9})
	assert.Same(t, a, b)
	assert.Equal(t, 1, b.GetConfig().MaxFailures)
	assert.Equal(t, "cb-orders", a.GetName())

	r.GetOrCreate(Name("billing"), nil)
	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "cb-billing", all[0].GetName())

	got, ok := r.Get("cb-orders")
	assert.True(t, ok)
	assert.Same(t, a, got)

	a.RecordFailure()
	assert.Equal(t, StateOpen, a.GetState())

	r.Remove("cb-orders")
	_, ok = r.Get("cb-orders")
	assert.False(t, ok)
}
