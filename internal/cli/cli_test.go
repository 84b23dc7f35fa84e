package cli

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/me/forge/internal/bus"
	"github.com/me/forge/internal/config"
	"github.com/me/forge/internal/scheduler"
	"github.com/me/forge/internal/server"
	"github.com/me/forge/internal/store"
)

// startTestServer starts a server with an in-memory SQLite store, one
// scheduler, and returns the URL.
func startTestServer(t *testing.T) string {
	t.Helper()
	srvLogger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", srvLogger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New(srvLogger)
	errs := &config.Errors{}
	sched := scheduler.NewImmediate(config.SchedulerConfig{
		Name:     "quick",
		Builders: []string{"linux"},
	}, st, b, srvLogger, errs)
	if err := errs.OrNil(); err != nil {
		t.Fatalf("construct scheduler: %v", err)
	}
	if err := sched.Start(); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(func() { sched.Stop() })

	srv := server.New(config.DefaultServerConfig(), st, b, srvLogger,
		server.WithSchedulers(map[string]scheduler.Scheduler{"quick": sched}))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

// runCLI executes the CLI with args and returns everything written to
// stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	var errBuf bytes.Buffer
	root.SetOut(&errBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err := root.Execute()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	return buf.String(), err
}

func TestHealthCommand(t *testing.T) {
	url := startTestServer(t)

	output, err := runCLI(t, "--server", url, "health")
	if err != nil {
		t.Fatalf("health error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "healthy") {
		t.Errorf("expected healthy in output, got: %s", output)
	}
	if !strings.Contains(output, "Schedulers: 1") {
		t.Errorf("expected scheduler count in output, got: %s", output)
	}
}

func TestChangesAddAndList(t *testing.T) {
	url := startTestServer(t)

	output, err := runCLI(t,
		"--server", url,
		"changes", "add",
		"--author", "dustin",
		"--branch", "trunk",
		"--revision", "abc123",
		"--file", "main.go",
		"--prop", "got_revision=abc123",
	)
	if err != nil {
		t.Fatalf("changes add error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Change recorded: 1") {
		t.Errorf("expected 'Change recorded: 1' in output, got: %s", output)
	}

	output, err = runCLI(t, "--server", url, "changes", "list")
	if err != nil {
		t.Fatalf("changes list error: %v", err)
	}
	if !strings.Contains(output, "dustin") || !strings.Contains(output, "trunk") {
		t.Errorf("expected the change in output, got: %s", output)
	}

	output, err = runCLI(t, "--server", url, "changes", "show", "1")
	if err != nil {
		t.Fatalf("changes show error: %v", err)
	}
	if !strings.Contains(output, "Revision:   abc123") {
		t.Errorf("expected revision in output, got: %s", output)
	}
	if !strings.Contains(output, "File:       main.go") {
		t.Errorf("expected file in output, got: %s", output)
	}
}

func TestChangesAdd_MissingAuthor(t *testing.T) {
	url := startTestServer(t)
	_, err := runCLI(t, "--server", url, "changes", "add", "--branch", "trunk")
	if err == nil {
		t.Fatal("expected error without --author")
	}
}

func TestSchedulersCommand(t *testing.T) {
	url := startTestServer(t)

	output, err := runCLI(t, "--server", url, "schedulers")
	if err != nil {
		t.Fatalf("schedulers error: %v", err)
	}
	if !strings.Contains(output, "quick") || !strings.Contains(output, "linux") {
		t.Errorf("expected scheduler listing, got: %s", output)
	}
}

func TestForceAndBuildsets(t *testing.T) {
	url := startTestServer(t)

	output, err := runCLI(t,
		"--server", url,
		"force", "quick",
		"--reason", "smoke test",
		"--branch", "release",
		"--prop", "owner=dustin",
	)
	if err != nil {
		t.Fatalf("force error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Buildset created: 1") {
		t.Errorf("expected buildset id in output, got: %s", output)
	}
	if !strings.Contains(output, "on linux") {
		t.Errorf("expected build request line, got: %s", output)
	}

	output, err = runCLI(t, "--server", url, "buildsets", "list")
	if err != nil {
		t.Fatalf("buildsets list error: %v", err)
	}
	if !strings.Contains(output, "smoke test") {
		t.Errorf("expected reason in listing, got: %s", output)
	}

	output, err = runCLI(t, "--server", url, "buildsets", "show", "1")
	if err != nil {
		t.Fatalf("buildsets show error: %v", err)
	}
	if !strings.Contains(output, "branch=release") {
		t.Errorf("expected stamp branch in output, got: %s", output)
	}
	if !strings.Contains(output, "revision=(latest)") {
		t.Errorf("expected latest revision marker, got: %s", output)
	}
	if !strings.Contains(output, "builder=linux") {
		t.Errorf("expected build request in output, got: %s", output)
	}
}

func TestForce_UnknownScheduler(t *testing.T) {
	url := startTestServer(t)
	_, err := runCLI(t, "--server", url, "force", "nope")
	if err == nil {
		t.Fatal("expected error for unknown scheduler")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestBuildsetsList_Empty(t *testing.T) {
	url := startTestServer(t)
	output, err := runCLI(t, "--server", url, "buildsets", "list")
	if err != nil {
		t.Fatalf("buildsets list error: %v", err)
	}
	if !strings.Contains(output, "No buildsets found.") {
		t.Errorf("expected empty notice, got: %s", output)
	}
}
