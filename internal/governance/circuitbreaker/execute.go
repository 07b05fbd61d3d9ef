package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	// ErrOpen is returned when the circuit is open and no attempt was made.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTimeout is returned when an attempt did not complete within Config.Timeout.
	ErrTimeout = errors.New("circuit breaker attempt timed out")
)

// Promise is the completion handle given to one attempt. Complete and Fail
// race with the attempt timer; only the first call wins.
type Promise[T any] struct {
	claimed atomic.Bool
	done    chan struct{}
	value   T
	err     error
}

func newPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Complete resolves the attempt successfully. It returns false if the
// promise was already completed.
func (p *Promise[T]) Complete(value T) bool {
	if !p.claimed.CompareAndSwap(false, true) {
		return false
	}
	p.value = value
	close(p.done)
	return true
}

// Fail resolves the attempt with err. It returns false if the promise was
// already completed.
func (p *Promise[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("attempt failed")
	}
	if !p.claimed.CompareAndSwap(false, true) {
		return false
	}
	p.err = err
	close(p.done)
	return true
}

// Done is closed once the promise is completed.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Completed reports whether the promise has been claimed.
func (p *Promise[T]) Completed() bool {
	return p.claimed.Load()
}

func (p *Promise[T]) result() (T, error) {
	<-p.done
	return p.value, p.err
}

// Attempt is one unit of work executed through the breaker. It must resolve
// p exactly once, from any goroutine. ctx is cancelled when the attempt
// fails or times out; it stays live after a successful completion so the
// result may keep using it.
type Attempt[T any] func(ctx context.Context, attempt int, p *Promise[T])

// Execute runs op through cb without blocking the caller. Each failed or
// timed out attempt is counted by the breaker and retried until
// Config.MaxRetries attempts were made or the circuit opens. done is called
// exactly once with the first successful value or the last error.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, op Attempt[T], done func(T, error)) {
	go func() {
		value, err := execute(ctx, cb, op)
		done(value, err)
	}()
}

func execute[T any](ctx context.Context, cb *CircuitBreaker, op Attempt[T]) (T, error) {
	var (
		zero    T
		lastErr error = ErrOpen
	)

	for attempt := 1; attempt <= cb.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if !cb.CanExecute() {
			break
		}

		value, err := runAttempt(ctx, cb.config.Timeout, attempt, op)
		if err == nil {
			cb.RecordSuccess()
			return value, nil
		}

		// The caller going away says nothing about the upstream.
		if ctx.Err() != nil {
			cb.ReleaseTrial()
			return zero, err
		}
		cb.RecordFailure()
		lastErr = err
	}
	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, attempt int, op Attempt[T]) (T, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	p := newPromise[T]()

	timer := time.AfterFunc(timeout, func() {
		if p.Fail(ErrTimeout) {
			cancel()
		}
	})
	defer timer.Stop()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.Fail(fmt.Errorf("attempt %d panicked: %v", attempt, r))
			}
		}()
		op(attemptCtx, attempt, p)
	}()

	select {
	case <-p.Done():
	case <-ctx.Done():
		p.Fail(ctx.Err())
	}

	value, err := p.result()
	if err != nil {
		cancel()
		return value, err
	}
	return value, nil
}
