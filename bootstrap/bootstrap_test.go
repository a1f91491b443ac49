package bootstrap_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/imgrelay/imgrelay/bootstrap"
)

func newTestApp(t *testing.T) *bootstrap.App {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("IMGRELAY_CACHE_PATH", filepath.Join(dir, "cache"))
	t.Setenv("IMGRELAY_DATABASE_DSN", filepath.Join(dir, "test.db"))
	t.Setenv("IMGRELAY_LOG_LEVEL", "error")

	app, err := bootstrap.New(bootstrap.Options{})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	t.Cleanup(func() { app.Shutdown() })
	return app
}

func TestBootstrap_Integration(t *testing.T) {
	app := newTestApp(t)

	if app.DB == nil {
		t.Error("DB should not be nil")
	}
	if app.Store == nil {
		t.Error("Store should not be nil")
	}
	if app.HTTPServer == nil {
		t.Error("HTTPServer should not be nil")
	}
	if app.Config == nil {
		t.Error("Config should not be nil")
	}
}

func TestBootstrap_DatabaseMigration(t *testing.T) {
	app := newTestApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, table := range []string{"site_counters", "flush_schedules", "site_usage_totals", "site_usage_hourly"} {
		var count int
		if err := app.DB.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("query %s table: %v", table, err)
		}
	}
}

func TestBootstrap_MetricsEnabled(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("IMGRELAY_CACHE_PATH", filepath.Join(dir, "cache"))
	t.Setenv("IMGRELAY_DATABASE_DSN", filepath.Join(dir, "test.db"))
	t.Setenv("IMGRELAY_LOG_LEVEL", "error")
	t.Setenv("IMGRELAY_METRICS_ENABLED", "true")

	app, err := bootstrap.New(bootstrap.Options{})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	defer app.Shutdown()

	if app.Metrics == nil {
		t.Error("Metrics should be initialized when enabled")
	}
}

func TestBootstrap_BadCachePath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("IMGRELAY_CACHE_PATH", "/dev/null/not-a-dir")
	t.Setenv("IMGRELAY_DATABASE_DSN", filepath.Join(dir, "test.db"))
	t.Setenv("IMGRELAY_LOG_LEVEL", "error")

	if _, err := bootstrap.New(bootstrap.Options{}); err == nil {
		t.Fatal("expected error for unusable cache path")
	}
}
