package httptask

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/bpmn-engine/common/clients"
	"github.com/fluxline/bpmn-engine/common/logger"
)

func TestValidatorRejectsUnsafeURLs(t *testing.T) {
	v := NewURLValidator(false)

	bad := []string{
		"file:///etc/passwd",
		"ftp://example.com/dump",
		"gopher://example.com",
		"http://localhost/admin",
		"http://127.0.0.1:6379",
		"http://[::1]/",
		"http://0.0.0.0/",
		"http://example.com/../../etc/passwd",
		"http://example.com/api?path=%2e%2e%2fsecret",
		"http://example.com/proc/self/environ",
		"not a url at all://",
	}
	for _, raw := range bad {
		assert.Error(t, v.Validate(raw), "expected %q to be rejected", raw)
	}
}

func TestValidatorAllowsPrivateHostsWhenConfigured(t *testing.T) {
	strict := NewURLValidator(false)
	relaxed := NewURLValidator(true)

	assert.Error(t, strict.Validate("http://localhost:8080/hook"))
	assert.NoError(t, relaxed.Validate("http://localhost:8080/hook"))
}

func TestCallPostsTokenDataAsJSON(t *testing.T) {
	var gotBody map[string]interface{}
	var gotHeader, gotInstance string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Content-Type")
		gotInstance = r.Header.Get("X-Instance-ID")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"charged": true}`))
	}))
	defer srv.Close()

	c := NewCaller(Opts{AllowPrivateHosts: true, Logger: logger.New("error", "json")})
	ctx := clients.WithInstanceID(context.Background(), "inst-1")

	out, err := c.Call(ctx,
		map[string]string{"url": srv.URL + "/charge", "method": "POST"},
		map[string]interface{}{"amount": 42.0})
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotHeader)
	assert.Equal(t, "inst-1", gotInstance)
	assert.Equal(t, 42.0, gotBody["amount"])
	assert.EqualValues(t, 200, out["status_code"])
	resp, ok := out["response"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, resp["charged"])
}

func TestCallTreatsErrorStatusAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "card declined", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewCaller(Opts{AllowPrivateHosts: true, Logger: logger.New("error", "json")})
	_, err := c.Call(context.Background(),
		map[string]string{"url": srv.URL, "method": "POST"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")
}

func TestCallRejectsBlockedURLBeforeDialing(t *testing.T) {
	c := NewCaller(Opts{Logger: logger.New("error", "json")})
	_, err := c.Call(context.Background(),
		map[string]string{"url": "http://127.0.0.1:1/metadata"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url rejected")
}
