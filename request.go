package reqflow

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// Request describes one logical request. Build it fluently, then treat it
// as immutable: the same Request value may be replayed across retries of
// the same logical call, so nothing in the chain mutates it.
type Request struct {
	method      string
	path        string
	headers     map[string]string
	queryParams url.Values
	body        any
}

// NewRequest creates a request with the given method and path. The path is
// joined to the client's base URL at dispatch time.
//
// Example:
//
//	req := reqflow.NewRequest(http.MethodGet, "/users").
//	    WithQueryParam("limit", "10").
//	    WithHeader("Accept", "application/json")
func NewRequest(method, path string) *Request {
	return &Request{
		method:      method,
		path:        path,
		headers:     make(map[string]string),
		queryParams: make(url.Values),
	}
}

// Get creates a GET request.
func Get(path string) *Request { return NewRequest(http.MethodGet, path) }

// Post creates a POST request with a body.
func Post(path string, body any) *Request {
	return NewRequest(http.MethodPost, path).WithBody(body)
}

// Put creates a PUT request with a body.
func Put(path string, body any) *Request {
	return NewRequest(http.MethodPut, path).WithBody(body)
}

// Patch creates a PATCH request with a body.
func Patch(path string, body any) *Request {
	return NewRequest(http.MethodPatch, path).WithBody(body)
}

// Delete creates a DELETE request.
func Delete(path string) *Request { return NewRequest(http.MethodDelete, path) }

// Head creates a HEAD request.
func Head(path string) *Request { return NewRequest(http.MethodHead, path) }

// Options creates an OPTIONS request.
func Options(path string) *Request { return NewRequest(http.MethodOptions, path) }

// WithHeader adds a header to the request.
func (r *Request) WithHeader(key, value string) *Request {
	r.headers[key] = value
	return r
}

// WithHeaders adds multiple headers to the request.
func (r *Request) WithHeaders(headers map[string]string) *Request {
	for key, value := range headers {
		r.headers[key] = value
	}
	return r
}

// WithQueryParam adds a query parameter to the request.
func (r *Request) WithQueryParam(key, value string) *Request {
	r.queryParams.Add(key, value)
	return r
}

// WithQueryParams adds multiple query parameters to the request.
func (r *Request) WithQueryParams(params map[string]string) *Request {
	for key, value := range params {
		r.queryParams.Add(key, value)
	}
	return r
}

// WithBody sets the request body. Strings and byte slices are sent as-is;
// any other value is marshaled as JSON at dispatch time.
func (r *Request) WithBody(body any) *Request {
	r.body = body
	return r
}

// WithJSON sets the request body and the Content-Type header.
func (r *Request) WithJSON(v any) *Request {
	r.body = v
	r.headers["Content-Type"] = "application/json"
	return r
}

// Method returns the HTTP method.
func (r *Request) Method() string { return r.method }

// Path returns the request path or URL.
func (r *Request) Path() string { return r.path }

// Header returns the value of a header, or "".
func (r *Request) Header(key string) string { return r.headers[key] }

// QueryParam returns the first value of a query parameter, or "".
func (r *Request) QueryParam(key string) string { return r.queryParams.Get(key) }

// isAbsolute reports whether the path carries its own scheme.
func (r *Request) isAbsolute() bool {
	return strings.HasPrefix(r.path, "http://") || strings.HasPrefix(r.path, "https://")
}

// withMergedHeaders returns a shallow copy whose header map starts from
// defaults and is overridden by the request's own headers. The original
// request is left untouched so it can be replayed.
func (r *Request) withMergedHeaders(defaults map[string]string) *Request {
	merged := make(map[string]string, len(defaults)+len(r.headers))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range r.headers {
		merged[k] = v
	}
	clone := *r
	clone.headers = merged
	return &clone
}

// encodeBody renders the body for the wire. The bool reports whether a JSON
// Content-Type should be set when the request has none.
func (r *Request) encodeBody() ([]byte, bool, error) {
	switch body := r.body.(type) {
	case nil:
		return nil, false, nil
	case string:
		return []byte(body), false, nil
	case []byte:
		return body, false, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, false, errors.Wrap(err, "marshaling request body")
		}
		return data, true, nil
	}
}

// Response is the raw outcome of a successful execution: a 2xx status, the
// response headers, and the fully read body.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Decode unmarshals the response body as JSON into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.Wrap(err, "decoding response body")
	}
	return nil
}

// As decodes the response body into a value of type T.
//
// Example:
//
//	user, err := reqflow.As[User](resp)
func As[T any](r *Response) (T, error) {
	var v T
	if err := r.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

// String returns the response body as a string.
func (r *Response) String() string { return string(r.Body) }
