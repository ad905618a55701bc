// ABOUTME: Tests for the hardened HTTP constructors
// ABOUTME: Checks server timeouts and that security headers reach responses

package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSecureHTTPServer(t *testing.T) {
	t.Parallel()

	srv := SecureHTTPServer(http.NotFoundHandler(), "127.0.0.1:0")
	if srv.ReadHeaderTimeout == 0 || srv.WriteTimeout == 0 {
		t.Errorf("server timeouts not set: %+v", srv)
	}
	if srv.Addr != "127.0.0.1:0" {
		t.Errorf("Addr = %q", srv.Addr)
	}
}

func TestSecureHTTPClient(t *testing.T) {
	t.Parallel()

	c := SecureHTTPClient(5 * time.Second)
	if c.Timeout != 5*time.Second {
		t.Errorf("Timeout = %s; want 5s", c.Timeout)
	}
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Transport = %T", c.Transport)
	}
	if tr.Proxy == nil {
		t.Error("Proxy not configured")
	}
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q; want %q", header, got, want)
		}
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}
