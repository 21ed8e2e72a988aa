package reqflow

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

// APIErrorType is the client-visible failure category of the result mode.
// The set is closed; classification assigns exactly one per failure.
type APIErrorType string

const (
	// ErrorTypeHTTP is a non-2xx response other than 401.
	ErrorTypeHTTP APIErrorType = "HTTP_ERROR"

	// ErrorTypeAuth is an HTTP 401.
	ErrorTypeAuth APIErrorType = "AUTH_ERROR"

	// ErrorTypeNetwork is a connectivity or IO failure.
	ErrorTypeNetwork APIErrorType = "NETWORK_ERROR"

	// ErrorTypeCircuitOpen is a circuit breaker rejection.
	ErrorTypeCircuitOpen APIErrorType = "CIRCUIT_OPEN"

	// ErrorTypeConfig is a structural misuse detected before dispatch.
	ErrorTypeConfig APIErrorType = "CONFIG_ERROR"
)

// APIError is the value-mode rendering of a failure. It preserves the
// status code, body, and message of the underlying TransportError exactly,
// so the synchronous bridge can reconstruct the failure without loss.
type APIError struct {
	Type         APIErrorType
	StatusCode   int
	Message      string
	ResponseBody string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Type, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Detail extracts a human-readable message from a JSON error body, falling
// back to the classified message when the body has no recognizable field.
func (e *APIError) Detail() string {
	if e.ResponseBody != "" && gjson.Valid(e.ResponseBody) {
		for _, field := range []string{"message", "error", "detail"} {
			if v := gjson.Get(e.ResponseBody, field); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
	}
	return e.Message
}

// classifyError converts a failure into exactly one APIError. Precedence:
// circuit-open, then 401, then other HTTP, then network, then config.
func classifyError(err error) *APIError {
	var te *TransportError
	if !errors.As(err, &te) {
		// A failure that escaped the taxonomy: no status code was obtained,
		// so it falls into the connectivity class.
		return &APIError{
			Type:    ErrorTypeNetwork,
			Message: err.Error(),
		}
	}

	apiErr := &APIError{
		StatusCode:   te.StatusCode,
		Message:      te.Message,
		ResponseBody: te.Body,
	}
	switch te.Kind {
	case KindCircuitOpen:
		apiErr.Type = ErrorTypeCircuitOpen
	case KindUnauthorized:
		apiErr.Type = ErrorTypeAuth
	case KindHTTP:
		apiErr.Type = ErrorTypeHTTP
	case KindNetwork:
		apiErr.Type = ErrorTypeNetwork
	case KindConfig:
		apiErr.Type = ErrorTypeConfig
	}
	return apiErr
}

// reconstructError rebuilds the throwing-mode failure from an APIError with
// no information loss: kind, status code, body, and message round-trip.
func reconstructError(apiErr *APIError) *TransportError {
	te := &TransportError{
		StatusCode: apiErr.StatusCode,
		Message:    apiErr.Message,
		Body:       apiErr.ResponseBody,
	}
	switch apiErr.Type {
	case ErrorTypeCircuitOpen:
		te.Kind = KindCircuitOpen
	case ErrorTypeAuth:
		te.Kind = KindUnauthorized
	case ErrorTypeHTTP:
		te.Kind = KindHTTP
	case ErrorTypeNetwork:
		te.Kind = KindNetwork
	case ErrorTypeConfig:
		te.Kind = KindConfig
	}
	return te
}

// ResultClient is the value-returning execution mode: failures are values,
// never propagated errors.
type ResultClient struct {
	client *Client
}

// Execute runs the request and returns a Result instead of an error. Config
// misuse is caught before any delegate call.
func (rc *ResultClient) Execute(ctx context.Context, req *Request) Result[*Response] {
	if err := rc.client.validate(req); err != nil {
		return Failure[*Response](classifyError(err))
	}
	resp, err := rc.client.Execute(ctx, req)
	if err != nil {
		return Failure[*Response](classifyError(err))
	}
	return Success(resp)
}

// ExecuteSync bridges back to the throwing contract for interoperability:
// a failed Result is reconstructed into the same typed failure the
// exception-mode path would have returned, with identical status code,
// body, and message.
func (rc *ResultClient) ExecuteSync(ctx context.Context, req *Request) (*Response, error) {
	result := rc.Execute(ctx, req)
	if result.IsFailure() {
		return nil, reconstructError(result.Err())
	}
	return result.Value(), nil
}
