package reqflow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState is the phase of the circuit breaker.
type BreakerState int32

const (
	// StateClosed means the circuit is healthy and requests flow normally.
	StateClosed BreakerState = iota

	// StateOpen means the circuit is failing fast; requests are rejected
	// without reaching the delegate.
	StateOpen

	// StateHalfOpen means a single probe request is deciding recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerCounts is a snapshot of the breaker's monotonic counters.
type BreakerCounts struct {
	// Total is the number of Execute calls, including rejections.
	Total int64

	// Succeeded is the number of delegate calls that returned a response.
	Succeeded int64

	// Failed is the number of delegate calls that returned an error,
	// countable or not.
	Failed int64

	// Rejected is the number of calls refused without reaching the delegate.
	Rejected int64

	// Trips is the number of CLOSED to OPEN transitions.
	Trips int64

	// ConsecutiveFailures is the current run of countable failures while
	// closed. It resets on success, on decay, and on recovery.
	ConsecutiveFailures int64
}

// CircuitBreaker decorates an Executor with fail-fast behavior. All shared
// state is managed with atomic compare-and-swap transitions so that many
// concurrent callers never serialize on a lock: the loser of any CAS race
// re-reads the current state and proceeds against it.
type CircuitBreaker struct {
	delegate Executor

	name             string
	failureThreshold int64
	resetTimeout     time.Duration
	decayWindow      time.Duration
	policy           FailurePolicy
	onStateChange    func(name string, from, to BreakerState)
	logger           *slog.Logger
	metrics          *MetricsCollector

	state               atomic.Int32
	consecutiveFailures atomic.Int64
	lastFailure         atomic.Int64 // unix nanos
	lastDecay           atomic.Int64 // unix nanos
	probeSeq            atomic.Int64
	probeOwner          atomic.Int64 // ownership token, 0 when no probe is in flight

	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	trips     atomic.Int64

	statusCounts sync.Map // int -> *atomic.Int64
}

// NewCircuitBreaker creates a circuit breaker around an Executor.
//
// Example:
//
//	cb := reqflow.NewCircuitBreaker(transport,
//	    reqflow.WithFailureThreshold(5),
//	    reqflow.WithResetTimeout(30*time.Second),
//	    reqflow.WithFailurePolicy(reqflow.ServerErrorsOnly),
//	)
func NewCircuitBreaker(delegate Executor, opts ...BreakerOption) *CircuitBreaker {
	cfg := DefaultBreakerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return newCircuitBreaker(delegate, cfg)
}

func newCircuitBreaker(delegate Executor, cfg *BreakerConfig) *CircuitBreaker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = AllFailures
	}
	cb := &CircuitBreaker{
		delegate:         delegate,
		name:             cfg.Name,
		failureThreshold: int64(cfg.FailureThreshold),
		resetTimeout:     cfg.ResetTimeout,
		decayWindow:      cfg.DecayWindow,
		policy:           cfg.Policy,
		onStateChange:    cfg.OnStateChange,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
	}
	cb.lastDecay.Store(time.Now().UnixNano())
	return cb
}

// Execute implements Executor. While OPEN it rejects without invoking the
// delegate; while HALF_OPEN exactly one probe is allowed through.
func (cb *CircuitBreaker) Execute(ctx context.Context, req *Request) (*Response, error) {
	cb.total.Add(1)

	token, err := cb.admit()
	if err != nil {
		cb.rejected.Add(1)
		if cb.metrics != nil {
			cb.metrics.incBreakerRejection(cb.name)
		}
		return nil, err
	}
	if token != 0 {
		// Released no matter how the probe call ends. Only the claiming
		// caller can free the slot, so a release that raced a Reset is a
		// no-op instead of unlocking someone else's probe.
		defer cb.releaseProbe(token)
	}

	resp, execErr := cb.delegate.Execute(ctx, req)
	if execErr == nil {
		cb.succeeded.Add(1)
		cb.recordStatus(resp.StatusCode)
		cb.onSuccess(token)
		return resp, nil
	}

	cb.failed.Add(1)
	if status := StatusCodeOf(execErr); status > 0 {
		cb.recordStatus(status)
	}
	return nil, cb.onFailure(token, execErr)
}

// admit decides whether the call may proceed, returning a nonzero probe
// token when the caller holds the HALF_OPEN probe slot.
func (cb *CircuitBreaker) admit() (int64, error) {
	for {
		switch cb.currentState() {
		case StateClosed:
			cb.maybeDecay()
			return 0, nil

		case StateOpen:
			elapsed := time.Now().UnixNano() - cb.lastFailure.Load()
			if elapsed < int64(cb.resetTimeout) {
				return 0, cb.rejection()
			}
			// Claim the probe slot before moving the phase so no second
			// prober can slip through the gap between the two stores.
			token := cb.claimProbe()
			if token == 0 {
				return 0, cb.rejection()
			}
			if cb.transition(StateOpen, StateHalfOpen) {
				return token, nil
			}
			cb.releaseProbe(token)
			continue

		case StateHalfOpen:
			if token := cb.claimProbe(); token != 0 {
				return token, nil
			}
			return 0, cb.rejection()
		}
	}
}

// claimProbe takes the single probe slot, returning a nonzero ownership
// token, or 0 when another probe already holds it.
func (cb *CircuitBreaker) claimProbe() int64 {
	token := cb.probeSeq.Add(1)
	if cb.probeOwner.CompareAndSwap(0, token) {
		return token
	}
	return 0
}

// releaseProbe frees the probe slot, but only for the caller that claimed
// it. A token dispossessed by Reset releases nothing.
func (cb *CircuitBreaker) releaseProbe(token int64) {
	cb.probeOwner.CompareAndSwap(token, 0)
}

// ownsProbe reports whether the token still holds the probe slot.
func (cb *CircuitBreaker) ownsProbe(token int64) bool {
	return token != 0 && cb.probeOwner.Load() == token
}

// maybeDecay forgets an accumulated failure run once the decay window has
// elapsed without a new failure. Keeps sparse, non-bursty errors from
// eventually tripping the breaker.
func (cb *CircuitBreaker) maybeDecay() {
	if cb.decayWindow <= 0 {
		return
	}
	failures := cb.consecutiveFailures.Load()
	if failures == 0 {
		return
	}
	last := cb.lastDecay.Load()
	now := time.Now().UnixNano()
	if now-last <= int64(cb.decayWindow) {
		return
	}
	if cb.lastDecay.CompareAndSwap(last, now) {
		cb.consecutiveFailures.Store(0)
		cb.logger.Debug("failure count decayed", "breaker", cb.name, "forgotten", failures)
	}
}

func (cb *CircuitBreaker) onSuccess(token int64) {
	if cb.ownsProbe(token) {
		if cb.transition(StateHalfOpen, StateClosed) {
			cb.consecutiveFailures.Store(0)
			cb.lastDecay.Store(time.Now().UnixNano())
			cb.logger.Info("probe succeeded, circuit closed", "breaker", cb.name)
		}
		return
	}
	// A success while closed needs no transition, but it does break the
	// consecutive-failure run.
	if cb.consecutiveFailures.Load() > 0 {
		cb.consecutiveFailures.Store(0)
	}
}

// onFailure applies the state machine to a failed delegate call and returns
// the error the caller should see. The failure that causes the CLOSED to
// OPEN transition is reported as a circuit-open failure wrapping the
// original, so callers can tell "this request tripped the breaker" from
// "the breaker was already open".
func (cb *CircuitBreaker) onFailure(token int64, err error) error {
	countable := cb.policy(err)

	if cb.ownsProbe(token) {
		// A probe that fails countably reopens the circuit; a non-countable
		// failure means the backend is reachable, which is what the probe
		// was asking.
		if countable {
			cb.lastFailure.Store(time.Now().UnixNano())
			if cb.transition(StateHalfOpen, StateOpen) {
				cb.logger.Warn("probe failed, circuit reopened", "breaker", cb.name, "error", err)
			}
		} else if cb.transition(StateHalfOpen, StateClosed) {
			cb.consecutiveFailures.Store(0)
			cb.lastDecay.Store(time.Now().UnixNano())
		}
		return err
	}

	if !countable {
		return err
	}

	now := time.Now().UnixNano()
	cb.lastDecay.Store(now)
	failures := cb.consecutiveFailures.Add(1)
	if failures < cb.failureThreshold {
		return err
	}
	// Publish the failure time before the phase flips so a caller that
	// observes OPEN never sees a stale reset clock and probes early. A
	// loser's redundant store is harmless.
	cb.lastFailure.Store(now)
	if cb.transition(StateClosed, StateOpen) {
		cb.trips.Add(1)
		cb.logger.Warn("failure threshold reached, circuit opened",
			"breaker", cb.name,
			"consecutive_failures", failures,
			"error", err)
		return &TransportError{
			Kind:    KindCircuitOpen,
			Tripped: true,
			Message: "request tripped the circuit breaker",
			Cause:   err,
		}
	}
	// Lost the race to another failure, or the phase moved underneath us.
	// The winner reported the trip; this failure stays as-is.
	return err
}

func (cb *CircuitBreaker) rejection() error {
	return &TransportError{
		Kind:    KindCircuitOpen,
		Message: "circuit breaker is open",
	}
}

func (cb *CircuitBreaker) currentState() BreakerState {
	return BreakerState(cb.state.Load())
}

func (cb *CircuitBreaker) transition(from, to BreakerState) bool {
	if !cb.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if cb.metrics != nil {
		cb.metrics.setBreakerState(cb.name, to)
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
	return true
}

func (cb *CircuitBreaker) recordStatus(status int) {
	counter, ok := cb.statusCounts.Load(status)
	if !ok {
		counter, _ = cb.statusCounts.LoadOrStore(status, new(atomic.Int64))
	}
	counter.(*atomic.Int64).Add(1)
}

// State returns the current phase.
func (cb *CircuitBreaker) State() BreakerState {
	return cb.currentState()
}

// Counts returns a snapshot of the monotonic counters.
func (cb *CircuitBreaker) Counts() BreakerCounts {
	return BreakerCounts{
		Total:               cb.total.Load(),
		Succeeded:           cb.succeeded.Load(),
		Failed:              cb.failed.Load(),
		Rejected:            cb.rejected.Load(),
		Trips:               cb.trips.Load(),
		ConsecutiveFailures: cb.consecutiveFailures.Load(),
	}
}

// StatusHistogram returns a snapshot of observed status code counts.
func (cb *CircuitBreaker) StatusHistogram() map[int]int64 {
	histogram := make(map[int]int64)
	cb.statusCounts.Range(func(key, value any) bool {
		histogram[key.(int)] = value.(*atomic.Int64).Load()
		return true
	})
	return histogram
}

// Reset forces the breaker back to CLOSED and clears the failure run. The
// monotonic counters are kept.
func (cb *CircuitBreaker) Reset() {
	from := cb.currentState()
	cb.state.Store(int32(StateClosed))
	cb.consecutiveFailures.Store(0)
	cb.lastDecay.Store(time.Now().UnixNano())
	// An in-flight probe is dispossessed here; its eventual release is a
	// no-op because its token no longer matches.
	cb.probeOwner.Store(0)
	if from != StateClosed {
		if cb.metrics != nil {
			cb.metrics.setBreakerState(cb.name, StateClosed)
		}
		if cb.onStateChange != nil {
			cb.onStateChange(cb.name, from, StateClosed)
		}
		cb.logger.Info("circuit breaker manually reset", "breaker", cb.name, "from", from.String())
	}
}

// HealthCheck exercises the delegate directly for external monitoring,
// bypassing the phase gate, and moves the phase according to the outcome:
// CLOSED on success, OPEN on countable failure.
func (cb *CircuitBreaker) HealthCheck(ctx context.Context, req *Request) error {
	_, err := cb.delegate.Execute(ctx, req)
	if err == nil || !cb.policy(err) {
		from := cb.currentState()
		if from != StateClosed && cb.transition(from, StateClosed) {
			cb.consecutiveFailures.Store(0)
			cb.lastDecay.Store(time.Now().UnixNano())
			cb.logger.Info("health check passed, circuit closed", "breaker", cb.name)
		}
		return err
	}

	cb.lastFailure.Store(time.Now().UnixNano())
	from := cb.currentState()
	if from != StateOpen && cb.transition(from, StateOpen) {
		cb.logger.Warn("health check failed, circuit opened", "breaker", cb.name, "error", err)
	}
	return err
}

// GetHealth returns the breaker's health snapshot.
func (cb *CircuitBreaker) GetHealth() HealthStatus {
	state := cb.currentState()
	counts := cb.Counts()
	return HealthStatus{
		Healthy:             state != StateOpen,
		Status:              state.String(),
		State:               state.String(),
		Total:               counts.Total,
		Succeeded:           counts.Succeeded,
		Failed:              counts.Failed,
		Rejected:            counts.Rejected,
		Trips:               counts.Trips,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
}
