package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "jobgate/pkg/logx"
)

func newTestService() *Service {
	return New(Config{}, Views{
		Snapshot: func() any { return map[string]int{"streams": 2} },
		Runs: func(_ context.Context, stream string, limit int) (any, error) {
			if stream == "broken" {
				return nil, errors.New("store closed")
			}
			return map[string]any{"stream": stream, "limit": limit}, nil
		},
	}, logx.Nop())
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerViews(t *testing.T) {
	h := newTestService().Handler("")

	if rec := get(t, h, "/healthz", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec := get(t, h, "/debug/jobgate/snapshot", nil)
	var snap map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil || snap["streams"] != 2 {
		t.Fatalf("snapshot = %q (%v)", rec.Body.String(), err)
	}

	if rec := get(t, h, "/debug/jobgate/keys", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("keys without a view = %d, want 404", rec.Code)
	}

	rec = get(t, h, "/debug/jobgate/runs?stream=hero&limit=5000", nil)
	var runs map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("runs: %v", err)
	}
	if runs["stream"] != "hero" || runs["limit"] != float64(1000) {
		t.Fatalf("runs = %v", runs)
	}
	if rec := get(t, h, "/debug/jobgate/runs?limit=x", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
	if rec := get(t, h, "/debug/jobgate/runs?stream=broken", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing view = %d", rec.Code)
	}
}

func TestHandlerToken(t *testing.T) {
	h := newTestService().Handler("s3cret")

	if rec := get(t, h, "/healthz", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := get(t, h, "/healthz?token=nope", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	if rec := get(t, h, "/healthz?token=s3cret", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token = %d", rec.Code)
	}
	if rec := get(t, h, "/healthz", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer token = %d", rec.Code)
	}
}

func TestTokenMatches(t *testing.T) {
	cases := []struct {
		got  string
		want bool
	}{
		{"s3cret", true},
		{"s3cre", false},
		{"s3cret!", false},
		{"S3CRET", false},
		{"", false},
	}
	for _, c := range cases {
		if got := tokenMatches(c.got, "s3cret"); got != c.want {
			t.Fatalf("tokenMatches(%q) = %v, want %v", c.got, got, c.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestStartStopLoopback(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Views{}, logx.Nop())
	s.Start(context.Background())
	if !s.Enabled() {
		t.Fatal("service should report enabled")
	}
	s.Reconfigure(context.Background(), Config{})
	s.mu.Lock()
	running := s.sup != nil
	s.mu.Unlock()
	if running {
		t.Fatal("Reconfigure(disabled) should stop the server")
	}
}
