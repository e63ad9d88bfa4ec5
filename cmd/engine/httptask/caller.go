// Package httptask implements the built-in "http" service task: an
// outbound REST call with SSRF guards, driven by task properties and
// the token's data.
package httptask

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fluxline/bpmn-engine/common/clients"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 << 20
)

// Caller executes outbound HTTP service task calls
type Caller struct {
	client    *clients.HTTPClient
	validator *URLValidator
	logger    Logger
}

// Opts configures the caller
type Opts struct {
	// Timeout bounds one call; defaults to 30s
	Timeout time.Duration

	// AllowPrivateHosts disables the SSRF host checks for deployments
	// calling services on internal networks
	AllowPrivateHosts bool

	Logger Logger
}

// NewCaller creates a caller
func NewCaller(opts Opts) *Caller {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Caller{
		client:    clients.NewHTTPClient(&http.Client{Timeout: timeout}, opts.Logger),
		validator: NewURLValidator(opts.AllowPrivateHosts),
		logger:    opts.Logger,
	}
}

// Call performs the request described by the task properties. Non-GET
// methods send the token data as a JSON body. The response lands in the
// returned map under "status_code" and "response".
func (c *Caller) Call(ctx context.Context, props map[string]string, data map[string]interface{}) (map[string]interface{}, error) {
	rawURL := props["url"]
	if rawURL == "" {
		return nil, fmt.Errorf("http task requires a url property")
	}
	if err := c.validator.Validate(rawURL); err != nil {
		return nil, fmt.Errorf("url rejected: %w", err)
	}

	method := strings.ToUpper(props["method"])
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	var headers map[string]string
	if method != http.MethodGet && method != http.MethodHead {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
		headers = map[string]string{"Content-Type": "application/json"}
	}

	resp, err := c.client.DoRequestWithHeaders(ctx, method, rawURL, body, headers)
	if err != nil {
		return nil, fmt.Errorf("http call failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("http task completed",
		"method", method, "url", rawURL, "status", resp.StatusCode)

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http call returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	out := map[string]interface{}{"status_code": resp.StatusCode}
	var decoded interface{}
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		out["response"] = decoded
	} else if len(raw) > 0 {
		out["response"] = string(raw)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
