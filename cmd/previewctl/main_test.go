package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docspreview/previewctl/internal/descriptor"
	"github.com/docspreview/previewctl/internal/reconcile"
	"github.com/docspreview/previewctl/internal/state"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
environment:
  repository: acme/docs
  geo_allow: [GB]
  ttl: 0
  default_object: index.html
state:
  type: memory
  bucket: %s
  lock: {timeout: 1s}
provider:
  type: memory
lifecycle:
  initial_backoff: 1ms
  max_backoff: 1ms
`, t.Name())
	path := filepath.Join(dir, "previewctl.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := execute(args, &stdout, &stderr)
	return stdout.String(), err
}

func TestCLI_Lifecycle(t *testing.T) {
	t.Setenv("GITHUB_OUTPUT", "")
	t.Setenv("GITHUB_EVENT_PATH", "")
	cfg := writeTestConfig(t)
	outputs := filepath.Join(t.TempDir(), "outputs")
	metricsFile := filepath.Join(t.TempDir(), "previewctl.prom")

	out, err := run(t, "--config", cfg, "plan", "42")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(out, "4 to add, 0 to change, 0 to destroy.") {
		t.Errorf("plan output:\n%s", out)
	}

	out, err = run(t, "--config", cfg, "--output-file", outputs, "--metrics-file", metricsFile, "open", "42")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !strings.Contains(out, "Preview: https://") {
		t.Errorf("open output:\n%s", out)
	}
	data, err := os.ReadFile(outputs)
	if err != nil {
		t.Fatalf("read outputs: %v", err)
	}
	if !strings.Contains(string(data), "url=https://") || !strings.Contains(string(data), "origin=docs-preview-pr-42-") {
		t.Errorf("outputs file:\n%s", data)
	}
	if _, err := os.Stat(metricsFile); err != nil {
		t.Errorf("metrics file not written: %v", err)
	}

	out, err = run(t, "--config", cfg, "list")
	if err != nil || strings.TrimSpace(out) != "pr-42" {
		t.Errorf("list = %q, %v", out, err)
	}

	out, err = run(t, "--config", cfg, "status", "42")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "cdn-distribution") || !strings.Contains(out, "serial:      1") {
		t.Errorf("status output:\n%s", out)
	}

	out, err = run(t, "--config", cfg, "close", "42")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(out, "pr-42 destroyed.") {
		t.Errorf("close output:\n%s", out)
	}

	if _, err := run(t, "--config", cfg, "status", "42"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("status after close = %v, want ErrNotFound", err)
	}
}

func TestCLI_EventFromGitHub(t *testing.T) {
	t.Setenv("GITHUB_OUTPUT", "")
	cfg := writeTestConfig(t)
	payload := filepath.Join(t.TempDir(), "event.json")
	body := `{"action":"opened","number":7,"pull_request":{"head":{"sha":"abc"}}}`
	if err := os.WriteFile(payload, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, "--config", cfg, "event", "--github-event", payload); err != nil {
		t.Fatalf("event: %v", err)
	}
	out, err := run(t, "--config", cfg, "list")
	if err != nil || strings.TrimSpace(out) != "pr-7" {
		t.Errorf("list = %q, %v", out, err)
	}

	if _, err := run(t, "--config", cfg, "event", "--kind", "close", "--id", "7", "--github-event", ""); err != nil {
		t.Fatalf("close event: %v", err)
	}
	out, _ = run(t, "--config", cfg, "list")
	if strings.TrimSpace(out) != "" {
		t.Errorf("environments left after close event: %q", out)
	}
}

func TestCLI_Prune(t *testing.T) {
	t.Setenv("GITHUB_OUTPUT", "")
	cfg := writeTestConfig(t)
	for _, n := range []string{"1", "2", "3"} {
		if _, err := run(t, "--config", cfg, "open", n); err != nil {
			t.Fatalf("open %s: %v", n, err)
		}
	}
	out, err := run(t, "--config", cfg, "prune", "--open", "2")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !strings.Contains(out, "closed pr-1") || !strings.Contains(out, "closed pr-3") {
		t.Errorf("prune output:\n%s", out)
	}
	out, _ = run(t, "--config", cfg, "list")
	if strings.TrimSpace(out) != "pr-2" {
		t.Errorf("list after prune = %q", out)
	}
}

func TestCLI_Errors(t *testing.T) {
	cfg := writeTestConfig(t)
	if _, err := run(t, "--config", cfg, "open", "042"); err == nil {
		t.Error("open accepted a leading zero")
	}
	if _, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "list"); err == nil {
		t.Error("ran without a config file")
	}
	if _, err := run(t, "--config", cfg, "--log-level", "loud", "list"); err == nil {
		t.Error("accepted an unknown log level")
	}
	if _, err := run(t, "--config", cfg, "event", "--github-event", ""); err == nil {
		t.Error("event ran without input")
	}
}

func TestCLI_MetricsWrittenOnFailure(t *testing.T) {
	t.Setenv("GITHUB_OUTPUT", "")
	cfg := writeTestConfig(t)
	metricsFile := filepath.Join(t.TempDir(), "previewctl.prom")

	_, err := run(t, "--config", cfg, "--metrics-file", metricsFile,
		"open", "42", "--content", filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("open succeeded without a content directory")
	}
	if _, err := os.Stat(metricsFile); err != nil {
		t.Errorf("metrics file not written after a failed run: %v", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("boom"), exitError},
		{&descriptor.InvalidConfigurationError{Problems: []string{"x"}}, exitInvalidConfig},
		{fmt.Errorf("reconcile: lock pr-1: %w", &state.LockContendedError{Key: "pr-1"}), exitLockContended},
		{&reconcile.PartialApplyError{EnvKey: "pr-1"}, exitPartialApply},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
