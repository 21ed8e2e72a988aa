package reqflow

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// ErrorKind identifies the category of a TransportError. The set is closed:
// every failure surfaced by an Executor carries exactly one of these kinds.
type ErrorKind int

const (
	// KindHTTP is a non-2xx response from a reachable server (other than 401).
	KindHTTP ErrorKind = iota

	// KindUnauthorized is an HTTP 401. It is the only kind the client's
	// auth-refresh loop acts on.
	KindUnauthorized

	// KindCircuitOpen is a circuit breaker rejection. It is never retried
	// and never triggers a token refresh.
	KindCircuitOpen

	// KindNetwork is a connectivity or IO failure that occurred before a
	// status code was obtained.
	KindNetwork

	// KindConfig is a structural misuse detected before dispatch, such as an
	// absolute URL combined with a non-empty base URL. Config failures are
	// returned with zero delegate invocations.
	KindConfig
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindUnauthorized:
		return "unauthorized"
	case KindCircuitOpen:
		return "circuit_open"
	case KindNetwork:
		return "network"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Sentinel errors for matching with errors.Is.
var (
	// ErrCircuitOpen matches any circuit breaker rejection, including the
	// failure that tripped the breaker.
	ErrCircuitOpen = errors.New("reqflow: circuit open")

	// ErrCircuitTripped matches only the failure that caused the
	// CLOSED to OPEN transition. A request rejected while the breaker was
	// already open matches ErrCircuitOpen but not ErrCircuitTripped.
	ErrCircuitTripped = errors.New("reqflow: circuit tripped by this request")

	// ErrAuthExhausted indicates a token refresh was attempted and the
	// request still failed with 401. Distinct from a plain unauthorized
	// failure, which means no refresh was ever tried.
	ErrAuthExhausted = errors.New("reqflow: authentication retries exhausted")

	// ErrRetryBudgetExceeded marks a failure surfaced because the shared
	// cross-interceptor retry budget ran out before the per-interceptor
	// attempt limit did.
	ErrRetryBudgetExceeded = errors.New("reqflow: retry budget exceeded")

	// ErrClosed is returned by the async executor after Shutdown.
	ErrClosed = errors.New("reqflow: executor closed")
)

// TransportError is the typed failure produced by every layer of the
// execution chain. Exactly one of a response or a TransportError results
// from every Execute call.
type TransportError struct {
	// Kind is the failure category.
	Kind ErrorKind

	// StatusCode is the HTTP status code, or 0 when none was obtained.
	StatusCode int

	// Message is a human readable description.
	Message string

	// Body is the raw response body, when one was received.
	Body string

	// Tripped reports that this failure is the one that opened the circuit.
	// Only meaningful when Kind is KindCircuitOpen.
	Tripped bool

	// Cause is the underlying error, if any.
	Cause error

	// RequestID is the logical call identifier assigned by the client,
	// when the error passed through one.
	RequestID string
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is supports matching against the package sentinels and against other
// TransportErrors by kind.
func (e *TransportError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrCircuitOpen:
		return e.Kind == KindCircuitOpen
	case ErrCircuitTripped:
		return e.Kind == KindCircuitOpen && e.Tripped
	}
	if te, ok := target.(*TransportError); ok {
		return e.Kind == te.Kind
	}
	return false
}

// NewHTTPError creates a TransportError for a non-2xx response. A 401 is
// classified as KindUnauthorized, everything else as KindHTTP.
func NewHTTPError(statusCode int, body, message string) *TransportError {
	kind := KindHTTP
	if statusCode == http.StatusUnauthorized {
		kind = KindUnauthorized
	}
	return &TransportError{
		Kind:       kind,
		StatusCode: statusCode,
		Body:       body,
		Message:    message,
	}
}

// NewNetworkError creates a TransportError for a connectivity failure.
func NewNetworkError(message string, cause error) *TransportError {
	return &TransportError{
		Kind:    KindNetwork,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a TransportError for a structural misuse detected
// before dispatch.
func NewConfigError(message string) *TransportError {
	return &TransportError{
		Kind:    KindConfig,
		Message: message,
	}
}

// StatusCodeOf extracts the HTTP status code from an error chain, or 0 if
// none is present.
func StatusCodeOf(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

// KindOf extracts the failure kind from an error chain. The second return
// is false when the chain contains no TransportError.
func KindOf(err error) (ErrorKind, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// FailurePolicy decides whether a failure counts toward the circuit
// breaker's consecutive-failure threshold. Non-countable failures still
// propagate to the caller unchanged; they just never move the breaker.
type FailurePolicy func(err error) bool

// AllFailures counts every failure.
func AllFailures(err error) bool {
	return err != nil
}

// ServerErrorsOnly counts 5xx responses and nothing else.
func ServerErrorsOnly(err error) bool {
	status := StatusCodeOf(err)
	return status >= 500 && status <= 599
}

// ExcludeClientErrors counts everything except 4xx responses, so network
// failures and 5xx responses move the breaker but client mistakes do not.
func ExcludeClientErrors(err error) bool {
	if err == nil {
		return false
	}
	status := StatusCodeOf(err)
	return status < 400 || status > 499
}

// RetryPolicy decides whether a failed attempt should be retried by a retry
// interceptor. It sees the request so it can refuse to replay
// non-idempotent methods.
type RetryPolicy func(req *Request, err error) bool

// idempotent per RFC 9110; POST and PATCH are excluded.
func idempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut,
		http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// transientFailure reports whether the failure class is worth replaying at
// all: a network failure or a 5xx from a reachable server.
func transientFailure(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindNetwork:
		return true
	case KindHTTP:
		status := StatusCodeOf(err)
		return status >= 500 && status <= 599
	}
	return false
}

// DefaultRetryPolicy retries network failures and 5xx responses on
// idempotent methods only. It never retries 4xx responses, circuit breaker
// rejections, or config failures.
func DefaultRetryPolicy(req *Request, err error) bool {
	if err == nil {
		return false
	}
	if !idempotentMethod(req.Method()) {
		return false
	}
	return transientFailure(err)
}

// RetryAllMethods retries transient failures regardless of HTTP method. Use
// it only when the target endpoints are known to tolerate replays.
func RetryAllMethods(req *Request, err error) bool {
	return transientFailure(err)
}
