package scanrunner

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"brandwatch/internal/domain"
)

// RetryPolicy bounds how often a step is retried on transient errors.
// Non-transient errors are returned on the first attempt.
type RetryPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond}
}

// Budget is the retry allowance of one step, shared by every unit of work
// the step runs. Safe for concurrent use.
type Budget struct {
	max  uint64
	used atomic.Uint64
}

func (p RetryPolicy) NewBudget() *Budget {
	return &Budget{max: p.MaxRetries}
}

// take claims one retry; false once the allowance is spent.
func (b *Budget) take() bool {
	for {
		used := b.used.Load()
		if used >= b.max {
			return false
		}
		if b.used.CompareAndSwap(used, used+1) {
			return true
		}
	}
}

// Used reports how many retries were claimed.
func (b *Budget) Used() uint64 { return b.used.Load() }

// Do runs fn until it succeeds, fails permanently or the budget runs out.
// A nil budget gives this call an allowance of its own. onRetry is called
// before every retry. When the budget is exhausted the last error is
// returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, budget *Budget, fn func(context.Context) error, onRetry func(error)) error {
	if budget == nil {
		budget = p.NewBudget()
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	backoff := retry.WithMaxRetries(p.MaxRetries, retry.NewExponential(base))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || !domain.IsTransient(err) {
			return err
		}
		if !budget.take() {
			return err
		}
		if onRetry != nil {
			onRetry(err)
		}
		return retry.RetryableError(err)
	})
}
