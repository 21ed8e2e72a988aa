package reqflow

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sethvargo/go-retry"
)

// retryBudget bounds total retries across every interceptor in a chain for
// one logical call. It is seeded into the context by the client and
// consumed by each interceptor before it sleeps.
type retryBudget struct {
	remaining int64
	mu        sync.Mutex
}

func (b *retryBudget) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

type retryBudgetKey struct{}

func withRetryBudget(ctx context.Context, total int) context.Context {
	return context.WithValue(ctx, retryBudgetKey{}, &retryBudget{remaining: int64(total)})
}

func budgetFrom(ctx context.Context) *retryBudget {
	budget, _ := ctx.Value(retryBudgetKey{}).(*retryBudget)
	return budget
}

// RetryInterceptor wraps an Executor with configurable retry logic. It uses
// exponential, constant, or fibonacci backoff with jitter to prevent
// thundering herd problems. Interceptors carry an order key: when several
// are chained, the one with the lowest order runs first on the way in.
type RetryInterceptor struct {
	delegate Executor
	config   *RetryConfig
	logger   *slog.Logger
	policy   RetryPolicy
	stats    *retryStats
}

// retryStats tracks retry operation statistics.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetryInterceptor creates a retry interceptor around an Executor.
//
// Example:
//
//	interceptor := reqflow.NewRetryInterceptor(
//	    transport,
//	    reqflow.WithMaxAttempts(5),
//	    reqflow.WithExponentialBackoff(time.Second, 30*time.Second),
//	)
func NewRetryInterceptor(delegate Executor, opts ...RetryOption) *RetryInterceptor {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}
	return newRetryInterceptor(delegate, config)
}

func newRetryInterceptor(delegate Executor, config *RetryConfig) *RetryInterceptor {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Policy == nil {
		config.Policy = DefaultRetryPolicy
	}
	return &RetryInterceptor{
		delegate: delegate,
		config:   config,
		logger:   config.Logger,
		policy:   config.Policy,
		stats:    &retryStats{},
	}
}

// Order returns the interceptor's chain position key.
func (r *RetryInterceptor) Order() int { return r.config.Order }

// Execute performs the request, re-attempting retryable failures up to
// MaxAttempts times with the configured backoff, then surfaces the last
// failure. A caller-supplied deadline stops the loop early.
func (r *RetryInterceptor) Execute(ctx context.Context, req *Request) (*Response, error) {
	if r.config.MaxAttempts <= 0 {
		return nil, errors.New("max attempts must be positive")
	}

	select {
	case <-ctx.Done():
		return nil, NewNetworkError("context done before request", ctx.Err())
	default:
	}

	budget := budgetFrom(ctx)

	var response *Response
	var attempts int

	backoff := r.getBackoffStrategy()

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		r.stats.mu.Lock()
		r.stats.totalAttempts++
		if attempts > 1 {
			r.stats.totalRetries++
		}
		r.stats.lastAttemptTime = time.Now()
		r.stats.mu.Unlock()
		if attempts > 1 && r.config.Metrics != nil {
			r.config.Metrics.incRetries(req.Method())
		}

		select {
		case <-ctx.Done():
			return NewNetworkError("context done before retry attempt", ctx.Err())
		default:
		}

		resp, err := r.delegate.Execute(ctx, req)
		if err == nil {
			if attempts > 1 {
				r.logger.Info("request succeeded after retry", "attempts", attempts)
			}
			response = resp
			return nil
		}

		if !r.policy(req, err) {
			r.logger.Debug("non-retryable failure, giving up",
				"error", err,
				"attempts", attempts)
			return err
		}

		if budget != nil && !budget.take() {
			r.logger.Warn("cross-interceptor retry budget exhausted",
				"attempts", attempts,
				"error", err)
			return errors.Mark(err, ErrRetryBudgetExceeded)
		}

		r.logger.Debug("retrying request after delay",
			"attempt", attempts,
			"error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		r.logger.Warn("request failed after retries",
			"attempts", attempts,
			"error", err)
		r.stats.mu.Lock()
		r.stats.totalFailures++
		r.stats.lastError = err
		r.stats.mu.Unlock()
		return nil, err
	}

	r.stats.mu.Lock()
	r.stats.totalSuccesses++
	r.stats.mu.Unlock()

	return response, nil
}

// getBackoffStrategy assembles the go-retry backoff for the configured
// strategy. retry.Do counts the initial attempt, so MaxAttempts-1 goes to
// WithMaxRetries.
func (r *RetryInterceptor) getBackoffStrategy() retry.Backoff {
	maxAttempts := r.config.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	if maxAttempts > 1000 {
		maxAttempts = 1000
	}

	maxRetries := maxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}

	switch r.config.Strategy {
	case RetryStrategyConstant:
		return retry.WithMaxRetries(
			uint64(maxRetries), // #nosec G115 - bounds checked above
			retry.BackoffFunc(func() (time.Duration, bool) {
				jitterMax := int64(r.config.InitialDelay / 10)
				if jitterMax <= 0 {
					jitterMax = 1
				}
				jitterBig, err := rand.Int(rand.Reader, big.NewInt(jitterMax))
				if err != nil {
					return r.config.InitialDelay, false
				}
				return r.config.InitialDelay + time.Duration(jitterBig.Int64()), false
			}),
		)

	case RetryStrategyFibonacci:
		return retry.WithMaxRetries(
			uint64(maxRetries), // #nosec G115 - bounds checked above
			retry.WithCappedDuration(
				r.config.MaxDelay,
				retry.WithJitter(
					r.config.InitialDelay/10,
					retry.NewFibonacci(r.config.InitialDelay),
				),
			),
		)

	default:
		return retry.WithMaxRetries(
			uint64(maxRetries), // #nosec G115 - bounds checked above
			retry.WithCappedDuration(
				r.config.MaxDelay,
				retry.WithJitter(
					r.config.InitialDelay/10,
					r.newConfigurableExponential(),
				),
			),
		)
	}
}

// newConfigurableExponential creates an exponential backoff with the
// configured multiplier. Unlike retry.NewExponential, which always doubles,
// this allows arbitrary growth rates: the delay for attempt N is
// initialDelay * multiplier^N.
func (r *RetryInterceptor) newConfigurableExponential() retry.Backoff {
	multiplier := r.config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	if multiplier == 2.0 {
		return retry.NewExponential(r.config.InitialDelay)
	}

	attempt := uint64(0)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay := float64(r.config.InitialDelay)
		for i := uint64(0); i < attempt; i++ {
			delay *= multiplier
			if delay > float64(1<<63-1) {
				attempt++
				return time.Duration(1<<63 - 1), false
			}
		}
		attempt++
		return time.Duration(delay), false
	})
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// TotalAttempts is the total number of attempts made, initial included.
	TotalAttempts int64

	// TotalRetries is the number of retry attempts only.
	TotalRetries int64

	// TotalSuccesses is the number of successful operations.
	TotalSuccesses int64

	// TotalFailures is the number of operations that failed after all
	// retries were exhausted.
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt.
	LastAttemptTime time.Time

	// LastError is the last error encountered, if any.
	LastError error
}

// GetRetryStats returns a snapshot of the interceptor's statistics. Safe
// for concurrent use.
func (r *RetryInterceptor) GetRetryStats() RetryStats {
	r.stats.mu.RLock()
	defer r.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   r.stats.totalAttempts,
		TotalRetries:    r.stats.totalRetries,
		TotalSuccesses:  r.stats.totalSuccesses,
		TotalFailures:   r.stats.totalFailures,
		LastAttemptTime: r.stats.lastAttemptTime,
		LastError:       r.stats.lastError,
	}
}
