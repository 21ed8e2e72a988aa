package reqflow

import (
	"log/slog"
	"net/http"
	"time"
)

// ClientConfig holds the client-level knobs, read once at construction.
type ClientConfig struct {
	// BaseURL is prepended to relative request paths.
	BaseURL string

	// HTTPClient is the underlying *http.Client for the default transport.
	HTTPClient *http.Client

	// Transport overrides the default HTTP transport entirely.
	Transport Executor

	// DefaultHeaders are applied to every request; per-request headers win.
	DefaultHeaders map[string]string

	// Auth supplies authentication; nil disables the refresh loop.
	Auth AuthStrategy

	// AuthRetries is how many times a 401 triggers refresh-and-retry.
	// Default: 1
	AuthRetries int

	// RetryOnAuthFailure enables the refresh loop.
	// Default: true
	RetryOnAuthFailure bool

	// RefreshDelay is an optional wait between a refresh and the re-attempt.
	RefreshDelay time.Duration

	// RetryBudget caps total retries across all chained interceptors for
	// one logical call. Zero means no shared cap.
	RetryBudget int

	// Timing enables per-request duration logging.
	Timing bool

	// Breaker configures the circuit breaker decorator; nil disables it.
	Breaker *BreakerConfig

	// Retries configures the retry interceptor chain, one entry per
	// interceptor.
	Retries []*RetryConfig

	// Middlewares sit between the interceptors and the transport.
	Middlewares []Middleware

	// Logger for client operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics is an optional prometheus collector shared by all layers.
	Metrics *MetricsCollector
}

// Option is a functional option for configuring the client.
type Option func(*ClientConfig)

// DefaultClientConfig returns client configuration with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		DefaultHeaders:     make(map[string]string),
		AuthRetries:        1,
		RetryOnAuthFailure: true,
		Logger:             slog.Default(),
	}
}

// WithBaseURL sets the base URL prepended to relative request paths.
func WithBaseURL(baseURL string) Option {
	return func(c *ClientConfig) { c.BaseURL = baseURL }
}

// WithHTTPClient sets a custom *http.Client for the default transport. Use
// this for connect/read timeouts, proxies, or TLS settings.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *ClientConfig) { c.HTTPClient = httpClient }
}

// WithTransport replaces the base transport with a custom Executor.
func WithTransport(transport Executor) Option {
	return func(c *ClientConfig) { c.Transport = transport }
}

// WithDefaultHeader adds a header applied to every request. Headers set on
// individual requests override these.
func WithDefaultHeader(key, value string) Option {
	return func(c *ClientConfig) { c.DefaultHeaders[key] = value }
}

// WithAuth sets the authentication strategy.
func WithAuth(auth AuthStrategy) Option {
	return func(c *ClientConfig) { c.Auth = auth }
}

// WithAuthRetries sets how many times an unauthorized response triggers a
// token refresh before the failure is surfaced as terminal.
//
// Example:
//
//	reqflow.WithAuthRetries(2)
func WithAuthRetries(retries int) Option {
	return func(c *ClientConfig) { c.AuthRetries = retries }
}

// WithRetryOnAuthFailure toggles the refresh-and-retry loop for 401s.
func WithRetryOnAuthFailure(enabled bool) Option {
	return func(c *ClientConfig) { c.RetryOnAuthFailure = enabled }
}

// WithRefreshDelay sets a wait between a token refresh and the re-attempt.
func WithRefreshDelay(delay time.Duration) Option {
	return func(c *ClientConfig) { c.RefreshDelay = delay }
}

// WithRetryBudget caps total retries across every interceptor in the chain
// for a single logical call.
//
// Example:
//
//	reqflow.WithRetryBudget(5)
func WithRetryBudget(total int) Option {
	return func(c *ClientConfig) { c.RetryBudget = total }
}

// WithTiming enables per-request duration logging at debug level.
func WithTiming(enabled bool) Option {
	return func(c *ClientConfig) { c.Timing = enabled }
}

// WithCircuitBreaker enables the circuit breaker decorator.
//
// Example:
//
//	reqflow.WithCircuitBreaker(
//	    reqflow.WithFailureThreshold(3),
//	    reqflow.WithResetTimeout(time.Second),
//	)
func WithCircuitBreaker(opts ...BreakerOption) Option {
	return func(c *ClientConfig) {
		cfg := DefaultBreakerConfig()
		for _, opt := range opts {
			opt(cfg)
		}
		c.Breaker = cfg
	}
}

// WithRetry adds a retry interceptor to the chain. May be given more than
// once; interceptors with a lower order key run first on the way in.
//
// Example:
//
//	reqflow.WithRetry(
//	    reqflow.WithMaxAttempts(3),
//	    reqflow.WithExponentialBackoff(100*time.Millisecond, 5*time.Second),
//	)
func WithRetry(opts ...RetryOption) Option {
	return func(c *ClientConfig) {
		cfg := DefaultRetryConfig()
		for _, opt := range opts {
			opt(cfg)
		}
		c.Retries = append(c.Retries, cfg)
	}
}

// WithMiddleware adds custom decorators between the retry interceptors and
// the transport. The first declared runs outermost among middlewares.
func WithMiddleware(mw ...Middleware) Option {
	return func(c *ClientConfig) { c.Middlewares = append(c.Middlewares, mw...) }
}

// WithLogger sets a custom logger for all layers that were not given one of
// their own.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	reqflow.WithLogger(logger)
func WithLogger(logger *slog.Logger) Option {
	return func(c *ClientConfig) { c.Logger = logger }
}

// WithMetrics attaches a prometheus collector shared by all layers.
func WithMetrics(metrics *MetricsCollector) Option {
	return func(c *ClientConfig) { c.Metrics = metrics }
}

// BreakerConfig holds circuit breaker configuration options.
type BreakerConfig struct {
	// Name labels the breaker in logs and metrics.
	// Default: "default"
	Name string

	// FailureThreshold is the consecutive countable failures that trip the
	// circuit.
	// Default: 5
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe is
	// allowed.
	// Default: 30 seconds
	ResetTimeout time.Duration

	// DecayWindow is the quiet time after which an accumulated but
	// threshold-insufficient failure run is forgotten. Zero disables decay.
	// Default: 60 seconds
	DecayWindow time.Duration

	// Policy decides which failures count toward the threshold.
	// Default: AllFailures
	Policy FailurePolicy

	// OnStateChange is called on every phase transition.
	OnStateChange func(name string, from, to BreakerState)

	// Logger for breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics is an optional prometheus collector.
	Metrics *MetricsCollector
}

// BreakerOption is a functional option for configuring the circuit breaker.
type BreakerOption func(*BreakerConfig)

// DefaultBreakerConfig returns breaker configuration with sensible defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Name:             "default",
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		DecayWindow:      60 * time.Second,
		Policy:           AllFailures,
		Logger:           slog.Default(),
	}
}

// WithBreakerName labels the breaker in logs and metrics.
func WithBreakerName(name string) BreakerOption {
	return func(c *BreakerConfig) { c.Name = name }
}

// WithFailureThreshold sets how many consecutive countable failures trip
// the circuit.
func WithFailureThreshold(threshold int) BreakerOption {
	return func(c *BreakerConfig) { c.FailureThreshold = threshold }
}

// WithResetTimeout sets how long the circuit stays open before probing.
func WithResetTimeout(timeout time.Duration) BreakerOption {
	return func(c *BreakerConfig) { c.ResetTimeout = timeout }
}

// WithDecayWindow sets the quiet time after which an accumulated failure
// run is forgotten. Zero disables decay.
func WithDecayWindow(window time.Duration) BreakerOption {
	return func(c *BreakerConfig) { c.DecayWindow = window }
}

// WithFailurePolicy sets which failures count toward the threshold.
//
// Example:
//
//	reqflow.WithFailurePolicy(reqflow.ServerErrorsOnly)
func WithFailurePolicy(policy FailurePolicy) BreakerOption {
	return func(c *BreakerConfig) { c.Policy = policy }
}

// WithStateChangeHandler sets a callback for phase transitions.
//
// Example:
//
//	reqflow.WithStateChangeHandler(func(name string, from, to reqflow.BreakerState) {
//	    log.Printf("breaker %s changed from %s to %s", name, from, to)
//	})
func WithStateChangeHandler(fn func(name string, from, to BreakerState)) BreakerOption {
	return func(c *BreakerConfig) { c.OnStateChange = fn }
}

// WithBreakerLogger sets a custom logger for breaker operations.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(c *BreakerConfig) { c.Logger = logger }
}

// RetryStrategy defines the backoff strategy for retry operations.
type RetryStrategy string

const (
	// RetryStrategyExponential uses exponential backoff with jitter.
	RetryStrategyExponential RetryStrategy = "exponential"

	// RetryStrategyConstant uses a constant delay between retries with jitter.
	RetryStrategyConstant RetryStrategy = "constant"

	// RetryStrategyFibonacci uses fibonacci backoff with jitter.
	RetryStrategyFibonacci RetryStrategy = "fibonacci"
)

// RetryConfig holds retry interceptor configuration options.
type RetryConfig struct {
	// Policy determines which failed attempts are retried.
	// Default: DefaultRetryPolicy (network/5xx on idempotent methods only)
	Policy RetryPolicy

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Strategy defines the backoff strategy.
	// Default: RetryStrategyExponential
	Strategy RetryStrategy

	// InitialDelay is the delay before the first retry.
	// Default: 1 second
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Multiplier is the growth rate for the exponential strategy: the delay
	// for attempt N is InitialDelay * Multiplier^N.
	// Default: 2.0
	Multiplier float64

	// MaxAttempts is the maximum number of attempts, the initial one
	// included.
	// Default: 3
	MaxAttempts int

	// Order is the interceptor's chain position key; lower runs first on
	// the way in.
	Order int

	// Metrics is an optional prometheus collector.
	Metrics *MetricsCollector
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryConfig)

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		Strategy:     RetryStrategyExponential,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Policy:       DefaultRetryPolicy,
		Logger:       slog.Default(),
	}
}

// WithMaxAttempts sets the maximum number of attempts, including the
// initial request.
//
// Example:
//
//	reqflow.WithMaxAttempts(5) // try up to 5 times total
func WithMaxAttempts(attempts int) RetryOption {
	return func(c *RetryConfig) { c.MaxAttempts = attempts }
}

// WithExponentialBackoff configures exponential backoff with jitter.
//
// Example:
//
//	reqflow.WithExponentialBackoff(time.Second, 30*time.Second)
//	// with the default multiplier 2.0: ~1s, ~2s, ~4s, ~8s, 30s (capped)
func WithExponentialBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyExponential
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithMultiplier sets the growth rate for the exponential strategy.
//
// Example:
//
//	reqflow.WithMultiplier(1.5) // 50% growth per retry
func WithMultiplier(multiplier float64) RetryOption {
	return func(c *RetryConfig) { c.Multiplier = multiplier }
}

// WithConstantBackoff configures a constant delay between retries with
// jitter.
func WithConstantBackoff(delay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyConstant
		c.InitialDelay = delay
		c.MaxDelay = delay
	}
}

// WithFibonacciBackoff configures fibonacci backoff with jitter.
func WithFibonacciBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyFibonacci
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithRetryPolicy sets which failed attempts are retried.
//
// Example:
//
//	reqflow.WithRetryPolicy(reqflow.RetryAllMethods)
func WithRetryPolicy(policy RetryPolicy) RetryOption {
	return func(c *RetryConfig) { c.Policy = policy }
}

// WithOrder sets the interceptor's chain position; lower runs first on the
// way in.
func WithOrder(order int) RetryOption {
	return func(c *RetryConfig) { c.Order = order }
}

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) { c.Logger = logger }
}

// AsyncConfig holds worker pool configuration options.
type AsyncConfig struct {
	// Workers is the pool size.
	// Default: 4
	Workers int

	// QueueSize bounds the pending-call queue; submission blocks when full.
	// Default: 64
	QueueSize int

	// Logger for pool lifecycle events.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics is an optional prometheus collector.
	Metrics *MetricsCollector
}

// AsyncOption is a functional option for configuring the async executor.
type AsyncOption func(*AsyncConfig)

// DefaultAsyncConfig returns async configuration with sensible defaults.
func DefaultAsyncConfig() *AsyncConfig {
	return &AsyncConfig{
		Workers:   4,
		QueueSize: 64,
		Logger:    slog.Default(),
	}
}

// WithWorkers sets the worker pool size.
func WithWorkers(workers int) AsyncOption {
	return func(c *AsyncConfig) {
		if workers > 0 {
			c.Workers = workers
		}
	}
}

// WithQueueSize bounds the pending-call queue.
func WithQueueSize(size int) AsyncOption {
	return func(c *AsyncConfig) {
		if size > 0 {
			c.QueueSize = size
		}
	}
}

// WithAsyncLogger sets a custom logger for pool lifecycle events.
func WithAsyncLogger(logger *slog.Logger) AsyncOption {
	return func(c *AsyncConfig) { c.Logger = logger }
}

// WithAsyncMetrics attaches a prometheus collector to the pool.
func WithAsyncMetrics(metrics *MetricsCollector) AsyncOption {
	return func(c *AsyncConfig) { c.Metrics = metrics }
}
