package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/docspreview/previewctl/internal/blob"
	"github.com/docspreview/previewctl/internal/descriptor"
	"github.com/docspreview/previewctl/internal/envid"
	"github.com/docspreview/previewctl/internal/provider"
	"github.com/docspreview/previewctl/internal/reconcile"
	"github.com/docspreview/previewctl/internal/resource"
	"github.com/docspreview/previewctl/internal/state"
)

func testConfig() descriptor.StaticConfig {
	return descriptor.StaticConfig{
		Repository:    "acme/docs",
		GeoAllow:      []string{"GB"},
		TTL:           descriptor.UniformTTL(0),
		DefaultObject: "index.html",
	}
}

type fixture struct {
	mem    *provider.Memory
	store  *state.BlobStore
	driver *Driver
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mem := provider.NewMemory()
	store := state.NewBlobStore(blob.NewMemoryStore("state"), state.Options{})
	rec := reconcile.New(store, mem, reconcile.Options{LockTimeout: time.Second})
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = time.Millisecond
		opts.MaxBackoff = 5 * time.Millisecond
	}
	return &fixture{mem: mem, store: store, driver: New(rec, store, opts)}
}

func (f *fixture) count(op provider.Op, key string) int {
	n := 0
	for _, c := range f.mem.Calls() {
		if c.Op == op && c.Key == key {
			n++
		}
	}
	return n
}

func unavailable(kind resource.Kind) error {
	return &provider.UnavailableError{Op: provider.OpCreate, Kind: kind, Err: errors.New("503 slow down")}
}

func TestDriver_OpenAndClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := envid.MustParse("42")

	res, err := f.driver.OnOpen(ctx, id, testConfig())
	if err != nil {
		t.Fatalf("OnOpen: %v", err)
	}
	if res.Outputs.DistributionDomain == "" || res.Outputs.OriginName == "" {
		t.Errorf("outputs = %+v", res.Outputs)
	}
	if got := len(f.mem.Keys("pr-42/")); got != 4 {
		t.Fatalf("%d resources after open, want 4", got)
	}

	res, err = f.driver.OnUpdate(ctx, id, testConfig())
	if err != nil {
		t.Fatalf("OnUpdate: %v", err)
	}
	if res.Plan.HasChanges() {
		t.Errorf("unchanged update planned changes:\n%s", reconcile.Format(res.Plan))
	}

	if _, err := f.driver.OnClose(ctx, id); err != nil {
		t.Fatalf("OnClose: %v", err)
	}
	if keys := f.mem.Keys(""); len(keys) != 0 {
		t.Errorf("leaked resources: %v", keys)
	}
	if _, err := f.driver.Status(ctx, id); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("Status after close = %v, want ErrNotFound", err)
	}
}

func TestDriver_RetriesUnavailable(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3})
	f.mem.FailOn(provider.OpCreate, "pr-42/cdn-distribution", unavailable(resource.KindDistribution), 2)

	if _, err := f.driver.OnOpen(context.Background(), envid.MustParse("42"), testConfig()); err != nil {
		t.Fatalf("OnOpen: %v", err)
	}
	if got := f.count(provider.OpCreate, "pr-42/cdn-distribution"); got != 3 {
		t.Errorf("distribution created %d times, want 3", got)
	}
	if got := f.count(provider.OpCreate, "pr-42/origin-store"); got != 1 {
		t.Errorf("origin store created %d times, want 1", got)
	}
}

func TestDriver_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 2})
	f.mem.FailOn(provider.OpCreate, "pr-42/access-policy", unavailable(resource.KindAccessPolicy), -1)

	_, err := f.driver.OnOpen(context.Background(), envid.MustParse("42"), testConfig())
	var pae *reconcile.PartialApplyError
	if !errors.As(err, &pae) {
		t.Fatalf("OnOpen error = %v, want *PartialApplyError", err)
	}
	if got := f.count(provider.OpCreate, "pr-42/access-policy"); got != 2 {
		t.Errorf("policy created %d times, want 2", got)
	}
}

func TestDriver_DoesNotRetryRejection(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 5})
	rejected := &provider.RejectedError{Op: provider.OpCreate, Kind: resource.KindOriginStore, Reason: "BucketAlreadyExists"}
	f.mem.FailOn(provider.OpCreate, "pr-42/origin-store", rejected, -1)

	_, err := f.driver.OnOpen(context.Background(), envid.MustParse("42"), testConfig())
	if !provider.IsRejected(err) {
		t.Fatalf("OnOpen error = %v, want a rejection", err)
	}
	if got := len(f.mem.Calls()); got != 1 {
		t.Errorf("%d provider calls, want 1", got)
	}
}

func TestDriver_InvalidConfiguration(t *testing.T) {
	f := newFixture(t, Options{})
	cfg := testConfig()
	cfg.GeoAllow = nil

	_, err := f.driver.OnOpen(context.Background(), envid.MustParse("42"), cfg)
	if !errors.Is(err, descriptor.ErrInvalidConfiguration) {
		t.Fatalf("OnOpen error = %v, want ErrInvalidConfiguration", err)
	}
	if got := len(f.mem.Calls()); got != 0 {
		t.Errorf("%d provider calls for an invalid config", got)
	}
}

func TestDriver_LockContendedNotRetried(t *testing.T) {
	ctx := context.Background()
	mem := provider.NewMemory()
	store := state.NewBlobStore(blob.NewMemoryStore("state"), state.Options{PollInterval: time.Millisecond})
	rec := reconcile.New(store, mem, reconcile.Options{LockTimeout: 10 * time.Millisecond})
	d := New(rec, store, Options{MaxAttempts: 3, InitialBackoff: time.Millisecond})

	lock, err := store.Lock(ctx, "pr-42", 0)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer store.Unlock(ctx, lock)

	_, err = d.OnOpen(ctx, envid.MustParse("42"), testConfig())
	if !errors.Is(err, state.ErrLockContended) {
		t.Fatalf("OnOpen error = %v, want ErrLockContended", err)
	}
}

func TestDriver_CloseAfterPartialOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxAttempts: 1})
	f.mem.FailOn(provider.OpCreate, "pr-42/access-control-entry", &provider.RejectedError{Reason: "limit"}, -1)

	if _, err := f.driver.OnOpen(ctx, envid.MustParse("42"), testConfig()); err == nil {
		t.Fatal("OnOpen succeeded despite the injected failure")
	}
	if _, err := f.driver.OnClose(ctx, envid.MustParse("42")); err != nil {
		t.Fatalf("OnClose: %v", err)
	}
	if keys := f.mem.Keys(""); len(keys) != 0 {
		t.Errorf("leaked resources: %v", keys)
	}
}

func TestDriver_ContentChangeUpdatesOrigin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := envid.MustParse("42")

	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("index.html", "<h1>v1</h1>")
	cfg := testConfig()
	cfg.ContentDir = dir

	if _, err := f.driver.OnOpen(ctx, id, cfg); err != nil {
		t.Fatalf("OnOpen: %v", err)
	}
	f.mem.ResetCalls()

	write("index.html", "<h1>v2</h1>")
	if _, err := f.driver.OnUpdate(ctx, id, cfg); err != nil {
		t.Fatalf("OnUpdate: %v", err)
	}
	want := []provider.Call{{Op: provider.OpUpdate, Kind: resource.KindOriginStore, Key: "pr-42/origin-store"}}
	if diff := cmp.Diff(want, f.mem.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestDriver_MissingContentDir(t *testing.T) {
	f := newFixture(t, Options{})
	cfg := testConfig()
	cfg.ContentDir = filepath.Join(t.TempDir(), "missing")
	if _, err := f.driver.OnOpen(context.Background(), envid.MustParse("42"), cfg); err == nil {
		t.Fatal("OnOpen succeeded without content")
	}
}

func TestDriver_Handle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := envid.MustParse("9")

	if _, err := f.driver.Handle(ctx, Event{Kind: EventOpen, Identifier: id, Config: testConfig()}); err != nil {
		t.Fatalf("Handle(open): %v", err)
	}
	if _, err := f.driver.Handle(ctx, Event{Kind: EventClose, Identifier: id}); err != nil {
		t.Fatalf("Handle(close): %v", err)
	}
	if keys := f.mem.Keys(""); len(keys) != 0 {
		t.Errorf("leaked resources: %v", keys)
	}
	if _, err := f.driver.Handle(ctx, Event{Kind: "merge", Identifier: id}); err == nil {
		t.Error("Handle accepted an unknown event kind")
	}
	if _, err := f.driver.Handle(ctx, Event{Kind: EventOpen}); err == nil {
		t.Error("Handle accepted an event without identifier")
	}
}

func TestDriver_Plan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := envid.MustParse("42")

	p, err := f.driver.Plan(ctx, id, testConfig())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := p.Count(reconcile.ActionCreate); got != 4 {
		t.Errorf("plan creates %d resources, want 4", got)
	}
	if len(f.mem.Calls()) != 0 {
		t.Error("Plan called the provider")
	}
	if _, err := f.store.Get(ctx, "pr-42"); !errors.Is(err, state.ErrNotFound) {
		t.Error("Plan persisted a record")
	}

	if _, err := f.driver.OnOpen(ctx, id, testConfig()); err != nil {
		t.Fatalf("OnOpen: %v", err)
	}
	p, err = f.driver.PlanClose(ctx, id)
	if err != nil {
		t.Fatalf("PlanClose: %v", err)
	}
	if got := p.Count(reconcile.ActionDelete); got != 4 {
		t.Errorf("close plan deletes %d resources, want 4", got)
	}
}

func TestDriver_Notifier(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []Notification
		fail = errors.New("status endpoint down")
	)
	f := newFixture(t, Options{Notifier: NotifierFunc(func(_ context.Context, n Notification) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n)
		return fail
	})})

	ev := Event{Kind: EventOpen, Identifier: envid.MustParse("42"), Config: testConfig(), HeadSHA: "abc123"}
	res, err := f.driver.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle: notifier failure leaked into the result: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("%d notifications, want 1", len(got))
	}
	if got[0].Err != nil || got[0].Event.HeadSHA != "abc123" || got[0].Outputs != res.Outputs {
		t.Errorf("notification = %+v", got[0])
	}

	bad := ev
	bad.Config.DefaultObject = ""
	if _, err := f.driver.Handle(context.Background(), bad); err == nil {
		t.Fatal("Handle accepted an invalid config")
	}
	if len(got) != 2 || got[1].Err == nil {
		t.Errorf("failure was not notified: %+v", got)
	}
}

func TestDriver_StatusAndList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	for _, n := range []string{"10", "9", "42"} {
		if _, err := f.driver.OnOpen(ctx, envid.MustParse(n), testConfig()); err != nil {
			t.Fatalf("OnOpen(%s): %v", n, err)
		}
	}

	ids, err := f.driver.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var got []string
	for _, id := range ids {
		got = append(got, id.String())
	}
	if diff := cmp.Diff([]string{"9", "10", "42"}, got); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}

	st, err := f.driver.Status(ctx, envid.MustParse("42"))
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st.Record.Entries) != 4 || !strings.HasPrefix(st.Outputs.URL, "https://") {
		t.Errorf("status = %+v", st)
	}
}

func TestDriver_Prune(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{PruneConcurrency: 2})
	for _, n := range []string{"1", "2", "3", "4"} {
		if _, err := f.driver.OnOpen(ctx, envid.MustParse(n), testConfig()); err != nil {
			t.Fatalf("OnOpen(%s): %v", n, err)
		}
	}
	f.mem.FailOn(provider.OpDelete, "pr-4/access-policy", &provider.RejectedError{Reason: "denied"}, -1)

	res, err := f.driver.Prune(ctx, []envid.ID{envid.MustParse("2")})
	if err == nil {
		t.Fatal("Prune did not report the failed close")
	}
	var closed []string
	for _, id := range res.Closed {
		closed = append(closed, id.Key())
	}
	if diff := cmp.Diff([]string{"pr-1", "pr-3"}, closed); diff != "" {
		t.Errorf("closed mismatch (-want +got):\n%s", diff)
	}
	if _, ok := res.Failed["pr-4"]; !ok || len(res.Failed) != 1 {
		t.Errorf("failed = %v", res.Failed)
	}
	if got := len(f.mem.Keys("pr-2/")); got != 4 {
		t.Errorf("open environment pr-2 lost resources: %d left", got)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", unavailable(resource.KindDistribution), true},
		{"timeout", &provider.UnavailableError{Err: provider.ErrTimeout}, true},
		{"rejected", &provider.RejectedError{Reason: "nope"}, false},
		{"lock contended", &state.LockContendedError{Key: "pr-1"}, false},
		{"invalid config", &descriptor.InvalidConfigurationError{Identifier: "1", Problems: []string{"x"}}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
