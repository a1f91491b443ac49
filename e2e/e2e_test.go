// Package e2e exercises the fully wired application over HTTP.
package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/imgrelay/imgrelay/bootstrap"
)

func startApp(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("IMGRELAY_CACHE_PATH", filepath.Join(dir, "cache"))
	t.Setenv("IMGRELAY_DATABASE_DSN", filepath.Join(dir, "usage.db"))
	t.Setenv("IMGRELAY_ALLOWED_ORIGINS", "cdn.example.com")
	t.Setenv("IMGRELAY_BILLING_ENABLED", "true")
	t.Setenv("IMGRELAY_METRICS_ENABLED", "true")
	t.Setenv("IMGRELAY_LOG_LEVEL", "error")

	app, err := bootstrap.New(bootstrap.Options{})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { app.Shutdown() })

	srv := httptest.NewServer(app.HTTPServer.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestEndToEnd_Health(t *testing.T) {
	srv := startApp(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestEndToEnd_ForbiddenOrigin(t *testing.T) {
	srv := startApp(t)

	resp, err := http.Get(srv.URL + "/not-allowed.com/pics/a.jpg")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 403 {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	var body struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != 403 || body.Error == "" {
		t.Errorf("error body = %+v", body)
	}
}

func TestEndToEnd_MalformedPath(t *testing.T) {
	srv := startApp(t)

	resp, err := http.Get(srv.URL + "/justadomain")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEndToEnd_DeleteMissingEntry(t *testing.T) {
	srv := startApp(t)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/cdn.example.com/missing.jpg", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEndToEnd_StatsAndMetrics(t *testing.T) {
	srv := startApp(t)

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	var stats struct {
		Entries    int64 `json:"entries"`
		TotalBytes int64 `json:"total_bytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	resp.Body.Close()
	if stats.Entries != 0 {
		t.Errorf("Entries = %d, want 0 on fresh store", stats.Entries)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("/metrics status = %d, want 200", resp.StatusCode)
	}
}
