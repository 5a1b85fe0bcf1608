package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/capitalize-ai/query-stream/internal/model"
)

// DefaultStreamPath is the backend route that serves query streams.
const DefaultStreamPath = "/api/v1/query/stream"

// maxErrorBody caps how much of a failed response body is kept.
const maxErrorBody = 4 * 1024

// Transport opens the long-lived response body for a query. Cancelling ctx
// must make pending and future reads on the body fail.
type Transport interface {
	Open(ctx context.Context, req *model.QueryRequest) (io.ReadCloser, error)
}

// StatusError is returned when the backend answers with a non-2xx status
// before any frame is read.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("backend returned HTTP %d", e.StatusCode)
}

// HTTPTransport posts query requests to the backend and returns the
// event-stream body.
type HTTPTransport struct {
	baseURL string
	path    string
	token   string
	client  *http.Client
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithAPIToken sends the token as a bearer Authorization header.
func WithAPIToken(token string) HTTPOption {
	return func(t *HTTPTransport) { t.token = token }
}

// WithPath overrides the stream route.
func WithPath(path string) HTTPOption {
	return func(t *HTTPTransport) { t.path = path }
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.client = c }
}

// NewHTTPTransport creates a transport for the backend at baseURL.
func NewHTTPTransport(baseURL string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		path:    DefaultStreamPath,
		// No client timeout: the stream lifetime is bounded by the token.
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open issues the request with ctx attached.
func (t *HTTPTransport) Open(ctx context.Context, req *model.QueryRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+t.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	return resp.Body, nil
}
