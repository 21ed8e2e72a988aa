package reqflow

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPTransport is the base Executor: it marshals a Request onto the wire
// with net/http and maps the outcome into the closed failure taxonomy. A
// 401 becomes KindUnauthorized, any other non-2xx becomes KindHTTP, and a
// connectivity failure becomes KindNetwork.
type HTTPTransport struct {
	client  *http.Client
	baseURL string
}

// NewHTTPTransport creates the default transport. A nil httpClient gets a
// 30 second timeout.
func NewHTTPTransport(baseURL string, httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		client:  httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Execute implements Executor.
func (t *HTTPTransport) Execute(ctx context.Context, req *Request) (*Response, error) {
	target, err := t.buildURL(req)
	if err != nil {
		return nil, err
	}

	body, isJSON, err := req.encodeBody()
	if err != nil {
		return nil, NewConfigError(err.Error())
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method(), target, reader)
	if err != nil {
		return nil, NewConfigError("building request: " + err.Error())
	}

	for key, value := range req.headers {
		httpReq.Header.Set(key, value)
	}
	if isJSON && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, NewNetworkError("request failed", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewNetworkError("reading response body", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, NewHTTPError(httpResp.StatusCode, string(respBody),
			"server returned "+httpResp.Status)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       respBody,
	}, nil
}

func (t *HTTPTransport) buildURL(req *Request) (string, error) {
	raw := req.Path()
	if !req.isAbsolute() {
		if t.baseURL == "" {
			return "", NewConfigError("relative request path with no base URL configured")
		}
		raw = t.baseURL + "/" + strings.TrimLeft(raw, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", NewConfigError("invalid request URL " + raw)
	}

	if len(req.queryParams) > 0 {
		query := u.Query()
		for key, values := range req.queryParams {
			for _, value := range values {
				query.Add(key, value)
			}
		}
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}
