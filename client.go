package reqflow

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Executor is the single contract every decorator and the base transport
// implement: run one request, get one outcome. Implementations must return
// either a response or a *TransportError, never both and never neither.
type Executor interface {
	// Execute performs a request and returns a response or a typed failure.
	// The context controls timeouts and cancellation.
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) (*Response, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware decorates an Executor. Middlewares sit between the retry
// interceptors and the base transport, so they see every physical attempt.
type Middleware func(Executor) Executor

// AuthStrategy supplies authentication to outgoing requests. Concrete grant
// types live outside this package; the client only needs the refresh
// contract. Implementations must guard against concurrent refresh attempts
// internally: Refresh is called without external synchronization and must
// return false rather than corrupt state when another refresh is in flight.
type AuthStrategy interface {
	// NeedsRefresh reports whether the current token is expired or missing.
	NeedsRefresh() bool

	// Refresh obtains a new token, returning false on failure.
	Refresh(ctx context.Context) bool

	// Apply adds authentication headers to the given map.
	Apply(headers map[string]string)
}

// Client drives a logical request through the decorated executor chain:
// default headers and authentication are applied, the call is timed, and a
// 401 triggers the token-refresh loop. Generic transient-failure retry is
// the retry interceptor's job, not the client's; the only failure the
// client ever re-attempts is an expired token.
//
// Client itself implements Executor, so it can be wrapped by the async and
// result adapters.
type Client struct {
	exec    Executor
	breaker *CircuitBreaker

	baseURL        string
	defaultHeaders map[string]string

	auth         AuthStrategy
	authRetries  int
	retryOnAuth  bool
	refreshDelay time.Duration

	retryBudget int
	timing      bool

	logger  *slog.Logger
	metrics *MetricsCollector
}

// New builds a client with the fully composed executor chain:
// client -> circuit breaker -> retry interceptors -> middlewares -> transport.
// Decorators that were not configured are simply absent from the chain.
//
// Example:
//
//	client, err := reqflow.New(
//	    reqflow.WithBaseURL("https://api.example.com"),
//	    reqflow.WithCircuitBreaker(reqflow.WithFailureThreshold(3)),
//	    reqflow.WithRetry(reqflow.WithMaxAttempts(3)),
//	)
func New(opts ...Option) (*Client, error) {
	cfg := DefaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	exec := cfg.Transport
	if exec == nil {
		exec = NewHTTPTransport(cfg.BaseURL, cfg.HTTPClient)
	}

	// Middlewares wrap the transport; the first declared runs outermost.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		exec = cfg.Middlewares[i](exec)
	}

	// Interceptors with a lower order key run first on the way in, so they
	// wrap later (they end up outermost).
	interceptors := make([]*RetryConfig, len(cfg.Retries))
	copy(interceptors, cfg.Retries)
	sort.SliceStable(interceptors, func(i, j int) bool {
		return interceptors[i].Order > interceptors[j].Order
	})
	for _, rc := range interceptors {
		if rc.Logger == nil {
			rc.Logger = cfg.Logger
		}
		if rc.Metrics == nil {
			rc.Metrics = cfg.Metrics
		}
		exec = newRetryInterceptor(exec, rc)
	}

	var breaker *CircuitBreaker
	if cfg.Breaker != nil {
		if cfg.Breaker.Logger == nil {
			cfg.Breaker.Logger = cfg.Logger
		}
		if cfg.Breaker.Metrics == nil {
			cfg.Breaker.Metrics = cfg.Metrics
		}
		breaker = newCircuitBreaker(exec, cfg.Breaker)
		exec = breaker
	}

	if cfg.AuthRetries < 0 {
		return nil, errors.New("auth retries must not be negative")
	}

	return &Client{
		exec:           exec,
		breaker:        breaker,
		baseURL:        cfg.BaseURL,
		defaultHeaders: cfg.DefaultHeaders,
		auth:           cfg.Auth,
		authRetries:    cfg.AuthRetries,
		retryOnAuth:    cfg.RetryOnAuthFailure,
		refreshDelay:   cfg.RefreshDelay,
		retryBudget:    cfg.RetryBudget,
		timing:         cfg.Timing,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}, nil
}

// Execute runs one logical request through the chain. Failures surface as
// *TransportError; see the Results adapter for the value-returning mode and
// Async for the pooled mode.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	if c.retryBudget > 0 {
		ctx = withRetryBudget(ctx, c.retryBudget)
	}

	start := time.Now()
	resp, err := c.attempt(ctx, requestID, req, c.authRetries, false)
	elapsed := time.Since(start)

	if c.timing {
		c.logger.Debug("request completed",
			"request_id", requestID,
			"method", req.Method(),
			"path", req.Path(),
			"duration", elapsed,
			"error", err != nil)
	}
	if c.metrics != nil {
		c.metrics.observeRequest(req.Method(), req.Path(), statusLabel(resp, err), elapsed)
	}

	if err != nil {
		var te *TransportError
		if errors.As(err, &te) && te.RequestID == "" {
			te.RequestID = requestID
		}
		return nil, err
	}
	return resp, nil
}

// attempt executes one pass of the auth-refresh loop. refreshed tracks
// whether a refresh has been performed for this logical call, which decides
// between "expired and never retried" and "refresh attempted and still
// failing" when retries run out.
func (c *Client) attempt(ctx context.Context, requestID string, req *Request, retriesLeft int, refreshed bool) (*Response, error) {
	if c.auth != nil && c.auth.NeedsRefresh() {
		c.logger.Debug("token expired before dispatch, refreshing", "request_id", requestID)
		c.auth.Refresh(ctx)
	}

	prepared := req.withMergedHeaders(c.defaultHeaders)
	if c.auth != nil {
		c.auth.Apply(prepared.headers)
	}

	resp, err := c.exec.Execute(ctx, prepared)
	if err == nil {
		return resp, nil
	}

	// The breaker has already decided the backend is unhealthy; refreshing
	// credentials cannot change that, so the rejection passes through.
	if errors.Is(err, ErrCircuitOpen) {
		return nil, err
	}

	kind, _ := KindOf(err)
	if kind != KindUnauthorized || c.auth == nil || !c.retryOnAuth {
		return nil, err
	}

	if retriesLeft <= 0 {
		if refreshed {
			return nil, c.authExhausted(requestID, err)
		}
		return nil, err
	}

	c.logger.Debug("unauthorized response, refreshing token",
		"request_id", requestID,
		"retries_left", retriesLeft)
	if !c.auth.Refresh(ctx) {
		return nil, c.authExhausted(requestID, err)
	}

	if c.refreshDelay > 0 {
		timer := time.NewTimer(c.refreshDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, NewNetworkError("canceled while waiting after token refresh", ctx.Err())
		case <-timer.C:
		}
	}

	return c.attempt(ctx, requestID, req, retriesLeft-1, true)
}

// authExhausted wraps the final 401 so callers can tell it apart from an
// expiry that was never retried.
func (c *Client) authExhausted(requestID string, cause error) error {
	c.logger.Warn("authentication retries exhausted", "request_id", requestID)
	return &TransportError{
		Kind:       KindUnauthorized,
		StatusCode: StatusCodeOf(cause),
		Message:    "request still unauthorized after token refresh",
		Body:       bodyOf(cause),
		Cause:      errors.Mark(cause, ErrAuthExhausted),
		RequestID:  requestID,
	}
}

// validate rejects structural misuse before anything is dispatched.
func (c *Client) validate(req *Request) error {
	if req == nil {
		return NewConfigError("nil request")
	}
	if req.Method() == "" {
		return NewConfigError("request method is empty")
	}
	if req.isAbsolute() && c.baseURL != "" {
		return NewConfigError("absolute request URL conflicts with configured base URL " + c.baseURL)
	}
	return nil
}

// Breaker returns the client's circuit breaker, or nil when none was
// configured.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// GetHealth reports the circuit breaker's health. A client without a
// breaker is always healthy.
func (c *Client) GetHealth() HealthStatus {
	if c.breaker == nil {
		return HealthStatus{Healthy: true, Status: "closed", State: StateClosed.String()}
	}
	return c.breaker.GetHealth()
}

// Async wraps the client in a worker-pool adapter. The decorators sit below
// the adapter, so each async call is independently subject to the breaker
// and the retry interceptors.
func (c *Client) Async(opts ...AsyncOption) *AsyncExecutor {
	return NewAsyncExecutor(c, opts...)
}

// Results wraps the client in the value-returning adapter, which never
// propagates errors.
func (c *Client) Results() *ResultClient {
	return &ResultClient{client: c}
}

func bodyOf(err error) string {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Body
	}
	return ""
}

func statusLabel(resp *Response, err error) int {
	if resp != nil {
		return resp.StatusCode
	}
	return StatusCodeOf(err)
}
