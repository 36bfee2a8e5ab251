// Package async fans engine units of work across a bounded worker pool with
// bounded retries and a shared rate limit on source reads. Unit failures are
// per-slot outcomes, not run killers: coverage reporting needs to know which
// units failed while the rest of the run completes.
package async

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Task is one unit of work producing a result of type T.
type Task[T any] func(ctx context.Context) (T, error)

// PoolConfig defines worker pool behavior.
type PoolConfig struct {
	Workers      int           // concurrent workers; defaults to 2x CPUs
	MaxRetries   int           // retry attempts after the first failure
	RetryBackoff time.Duration // base backoff, scaled linearly per attempt
	RatePerSec   float64       // task start rate across workers; 0 disables
}

// DefaultPoolConfig returns the pool configuration used by engine runs.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      runtime.NumCPU() * 2,
		MaxRetries:   2,
		RetryBackoff: 200 * time.Millisecond,
	}
}

// Metrics is a snapshot of pool counters.
type Metrics struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retries   int64 `json:"retries"`
	Active    int32 `json:"active"`
}

// Pool executes tasks with bounded concurrency. A pool may be reused across
// Run calls; counters accumulate.
type Pool[T any] struct {
	cfg     PoolConfig
	limiter *rate.Limiter

	submitted int64
	completed int64
	failed    int64
	retries   int64
	active    int32
}

// NewPool builds a pool, applying defaults for unset config values.
func NewPool[T any](cfg PoolConfig) *Pool[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU() * 2
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	p := &Pool[T]{cfg: cfg}
	if cfg.RatePerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return p
}

// Result carries one task's outcome. Err is the failure after retries were
// exhausted; the zero Value accompanies a non-nil Err.
type Result[T any] struct {
	Value T
	Err   error
}

// Run executes every task and returns per-task results in task order. A
// failed task is recorded in its slot and the remaining work continues; only
// context cancellation abandons the run, discarding partial results.
func (p *Pool[T]) Run(ctx context.Context, tasks []Task[T]) ([]Result[T], error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	atomic.AddInt64(&p.submitted, int64(len(tasks)))

	results := make([]Result[T], len(tasks))
	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < p.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				atomic.AddInt32(&p.active, 1)
				res, err := p.attempt(ctx, tasks[i])
				atomic.AddInt32(&p.active, -1)
				if err != nil {
					atomic.AddInt64(&p.failed, 1)
					results[i].Err = err
					continue
				}
				results[i].Value = res
				atomic.AddInt64(&p.completed, 1)
			}
		}()
	}

feed:
	for i := range tasks {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pool[T]) attempt(ctx context.Context, task Task[T]) (T, error) {
	var zero T
	var lastErr error
	tries := 0
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&p.retries, 1)
			backoff := time.Duration(attempt) * p.cfg.RetryBackoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return zero, err
			}
		}
		tries++
		res, err := task(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || IsPermanent(err) {
			break
		}
	}
	return zero, fmt.Errorf("task failed after %d attempts: %w", tries, lastErr)
}

// Metrics returns a counter snapshot.
func (p *Pool[T]) Metrics() Metrics {
	return Metrics{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		Retries:   atomic.LoadInt64(&p.retries),
		Active:    atomic.LoadInt32(&p.active),
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying: data conflicts and
// validation failures, as opposed to transient I/O trouble.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
