package clients

import (
	"context"
	"io"
	"net/http"
)

// Logger interface for HTTP client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// HTTPClient wraps http.Client with context-aware helpers. Metadata
// carried in the context is converted to headers on every request, so
// downstream services can attribute calls to a process instance.
type HTTPClient struct {
	client *http.Client
	logger Logger
}

// NewHTTPClient creates a new HTTP client wrapper
func NewHTTPClient(client *http.Client, logger Logger) *HTTPClient {
	return &HTTPClient{
		client: client,
		logger: logger,
	}
}

// DoRequest creates and executes an HTTP request, extracting metadata
// from context into headers.
func (c *HTTPClient) DoRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	return c.DoRequestWithHeaders(ctx, method, url, body, nil)
}

// DoRequestWithHeaders is DoRequest with extra request headers
func (c *HTTPClient) DoRequestWithHeaders(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if instanceID, ok := GetInstanceID(ctx); ok {
		req.Header.Set("X-Instance-ID", instanceID)
		c.logger.Debug("added X-Instance-ID header from context", "instance_id", instanceID)
	}

	return c.client.Do(req)
}
