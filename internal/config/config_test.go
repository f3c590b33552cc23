package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/docspreview/previewctl/internal/descriptor"
	"github.com/docspreview/previewctl/internal/envid"
	"github.com/docspreview/previewctl/internal/provider"
)

const sampleConfig = `
environment:
  repository: acme/docs
  geo_allow: [GB, IE]
  ttl: 0
  default_object: index.html
  content_dir: ${DOCS_DIR:-site/build}
state:
  type: s3
  bucket: ${STATE_BUCKET}
  region: eu-west-2
  lock:
    backend: dynamodb
    table: preview-locks
    ttl: 45m
provider:
  region: eu-west-2
  call_timeout: 90s
lifecycle:
  max_attempts: 5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "previewctl.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("STATE_BUCKET", "acme-preview-state")
	t.Setenv("DOCS_DIR", "")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantEnv := descriptor.StaticConfig{
		Repository:    "acme/docs",
		Region:        "eu-west-2",
		GeoAllow:      []string{"GB", "IE"},
		TTL:           descriptor.UniformTTL(0),
		DefaultObject: "index.html",
		ContentDir:    "site/build",
	}
	if diff := cmp.Diff(wantEnv, cfg.Environment); diff != "" {
		t.Errorf("environment mismatch (-want +got):\n%s", diff)
	}
	if cfg.State.Bucket != "acme-preview-state" {
		t.Errorf("state.bucket = %q", cfg.State.Bucket)
	}
	if cfg.State.Lock.TTL != 45*time.Minute || cfg.State.Lock.Timeout != DefaultLockTimeout {
		t.Errorf("lock = %+v", cfg.State.Lock)
	}
	if cfg.Provider.Type != "aws" || cfg.Provider.CallTimeout != 90*time.Second || cfg.Provider.MaxConcurrency != DefaultMaxConcurrency {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Provider.DeployWait != 81*time.Second {
		t.Errorf("provider.deploy_wait = %s, want it to default inside call_timeout", cfg.Provider.DeployWait)
	}
	if cfg.Lifecycle.MaxAttempts != 5 || cfg.Lifecycle.InitialBackoff != DefaultInitialBackoff {
		t.Errorf("lifecycle = %+v", cfg.Lifecycle)
	}
	if *cfg.State.MaxRetries != DefaultMaxRetries || cfg.Status.Repository != "acme/docs" {
		t.Errorf("defaults not applied: state %+v, status %+v", cfg.State, cfg.Status)
	}

	if _, err := descriptor.Build(envid.MustParse("42"), cfg.Environment); err != nil {
		t.Errorf("loaded environment does not build: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestParse_UnsetVariable(t *testing.T) {
	_, err := Parse(strings.NewReader("state:\n  bucket: ${PREVIEWCTL_TEST_UNSET_VAR}\n"))
	if err == nil || !strings.Contains(err.Error(), "PREVIEWCTL_TEST_UNSET_VAR") {
		t.Errorf("err = %v, want unset variable error", err)
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse(strings.NewReader("state:\n  type: memory\n  buckett: x\n"))
	if err == nil {
		t.Fatal("Parse accepted an unknown key")
	}
}

func TestParse_TTLMapping(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
environment:
  ttl: {min: 0, default: 60, max: 600}
state: {type: memory}
provider: {type: memory}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := &descriptor.CacheTTL{Min: 0, Default: 60, Max: 600}
	if diff := cmp.Diff(want, cfg.Environment.TTL); diff != "" {
		t.Errorf("ttl mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want []string
	}{
		{
			name: "empty document needs a state bucket",
			doc:  "",
			want: []string{"state.bucket is required for s3"},
		},
		{
			name: "unknown backends",
			doc:  "state: {type: ftp, lock: {backend: zookeeper}}\nprovider: {type: gcp}\n",
			want: []string{"state.type", "state.lock.backend", "provider.type"},
		},
		{
			name: "dynamodb lock needs a table",
			doc:  "state: {type: memory, lock: {backend: dynamodb}}\n",
			want: []string{"state.lock.table"},
		},
		{
			name: "azure needs account and container",
			doc:  "state: {type: azure}\n",
			want: []string{"state.storage_account"},
		},
		{
			name: "backoff bounds",
			doc:  "state: {type: memory}\nlifecycle: {initial_backoff: 1m, max_backoff: 1s}\n",
			want: []string{"lifecycle backoff bounds"},
		},
		{
			name: "deploy wait outlasts the call timeout",
			doc:  "state: {type: memory}\nprovider: {call_timeout: 5m, deploy_wait: 25m}\n",
			want: []string{"provider.deploy_wait"},
		},
		{
			name: "status needs a repository",
			doc:  "state: {type: memory}\nstatus: {enabled: true}\n",
			want: []string{"status.repository"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			if err == nil {
				t.Fatal("Parse succeeded")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	env := map[string]string{"A": "alpha", "EMPTY": ""}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	got, err := expandEnv([]byte("${A}/${EMPTY:-fallback}/${B:-}/$A"), lookup)
	if err != nil {
		t.Fatalf("expandEnv: %v", err)
	}
	if string(got) != "alpha/fallback//$A" {
		t.Errorf("expandEnv = %q", got)
	}
}

func TestBuild_Memory(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
environment:
  geo_allow: [GB]
  ttl: 0
  default_object: index.html
state: {type: memory, lock: {timeout: 1s}}
provider: {type: memory}
lifecycle: {initial_backoff: 1ms, max_backoff: 1ms}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rt, err := cfg.Build(context.Background(), BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := rt.Adapter.(*provider.Memory); !ok {
		t.Errorf("adapter is %T, want *provider.Memory", rt.Adapter)
	}
	if rt.Status != nil {
		t.Error("status poster built although reporting is disabled")
	}

	res, err := rt.Driver.OnOpen(context.Background(), envid.MustParse("42"), cfg.Environment)
	if err != nil {
		t.Fatalf("OnOpen: %v", err)
	}
	if res.Outputs.URL == "" {
		t.Errorf("outputs = %+v", res.Outputs)
	}
}

func TestBuild_StatusNeedsToken(t *testing.T) {
	t.Setenv("PREVIEWCTL_TEST_TOKEN", "")
	cfg, err := Parse(strings.NewReader(`
state: {type: memory}
provider: {type: memory}
status: {enabled: true, repository: acme/docs, token_env: PREVIEWCTL_TEST_TOKEN}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := cfg.Build(context.Background(), BuildOptions{}); err == nil {
		t.Fatal("Build succeeded without a status token")
	}

	t.Setenv("PREVIEWCTL_TEST_TOKEN", "secret")
	rt, err := cfg.Build(context.Background(), BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rt.Status == nil {
		t.Error("status poster not built")
	}
}
