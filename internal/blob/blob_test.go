package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ---------------------------------------------------------------------------
// MemoryStore basic operations
// ---------------------------------------------------------------------------

func TestMemoryStore_PutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("test")

	content := "hello, world"
	err := m.Put(ctx, "key1", strings.NewReader(content), PutOptions{Metadata: map[string]string{"a": "b"}})
	if err != nil {
		t.Fatalf("Put: unexpected error: %v", err)
	}

	got, meta, err := ReadAll(ctx, m, "key1")
	if err != nil {
		t.Fatalf("ReadAll: unexpected error: %v", err)
	}
	if string(got) != content {
		t.Errorf("Get returned %q, want %q", string(got), content)
	}
	if meta.Size != int64(len(content)) {
		t.Errorf("meta.Size = %d, want %d", meta.Size, len(content))
	}
	if meta.ETag == "" || meta.Generation == 0 {
		t.Errorf("meta = %+v, want non-empty ETag and Generation", meta)
	}
	if meta.Metadata["a"] != "b" {
		t.Errorf("meta.Metadata = %v, want a=b", meta.Metadata)
	}
}

func TestMemoryStore_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("test")

	if err := m.Put(ctx, "delkey", strings.NewReader("data"), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.Delete(ctx, "delkey"); err != nil {
			t.Fatalf("Delete #%d: unexpected error: %v", i+1, err)
		}
	}
	if _, err := m.Head(ctx, "delkey"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Head after Delete: got err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("test")

	for _, k := range []string{"prefix/ccc", "prefix/aaa", "prefix/bbb", "other/ddd"} {
		if err := m.Put(ctx, k, strings.NewReader("v"), PutOptions{}); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	items, err := m.List(ctx, "prefix/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"prefix/aaa", "prefix/bbb", "prefix/ccc"}
	if len(items) != len(want) {
		t.Fatalf("List returned %d items, want %d", len(items), len(want))
	}
	for i, item := range items {
		if item.Key != want[i] {
			t.Errorf("items[%d].Key = %q, want %q", i, item.Key, want[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Conditional writes
// ---------------------------------------------------------------------------

func TestMemoryStore_ConditionalPut(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("test")

	if err := m.ConditionalPut(ctx, "k", strings.NewReader("v1"), WriteCondition{MustNotExist: true}, PutOptions{}); err != nil {
		t.Fatalf("create-only put on missing key: %v", err)
	}
	if err := m.ConditionalPut(ctx, "k", strings.NewReader("v2"), WriteCondition{MustNotExist: true}, PutOptions{}); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("create-only put on existing key: got %v, want ErrPreconditionFailed", err)
	}

	meta, err := m.Head(ctx, "k")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}

	tests := []struct {
		name string
		cond WriteCondition
		ok   bool
	}{
		{"etag mismatch", WriteCondition{IfMatch: `"nope"`}, false},
		{"generation mismatch", WriteCondition{Generation: meta.Generation + 100}, false},
		{"etag only", WriteCondition{IfMatch: meta.ETag}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.ConditionalPut(ctx, "k", strings.NewReader("v3"), tt.cond, PutOptions{})
			if tt.ok && err != nil {
				t.Errorf("ConditionalPut: unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrPreconditionFailed) {
				t.Errorf("ConditionalPut: got %v, want ErrPreconditionFailed", err)
			}
		})
	}

	// The successful write above changed the version; the old meta is stale.
	if err := m.ConditionalPut(ctx, "k", strings.NewReader("v4"), Matching(meta), PutOptions{}); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("stale Matching put: got %v, want ErrPreconditionFailed", err)
	}

	if err := m.ConditionalPut(ctx, "missing", strings.NewReader("v"), WriteCondition{Generation: 1}, PutOptions{}); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("generation put on missing key: got %v, want ErrPreconditionFailed", err)
	}
}

func TestMemoryStore_ConditionalDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("test")

	if err := m.Put(ctx, "k", strings.NewReader("v1"), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	stale, _ := m.Head(ctx, "k")
	if err := m.Put(ctx, "k", strings.NewReader("v2"), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := m.ConditionalDelete(ctx, "k", Matching(stale)); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("ConditionalDelete with stale version: got %v, want ErrPreconditionFailed", err)
	}
	current, _ := m.Head(ctx, "k")
	if err := m.ConditionalDelete(ctx, "k", Matching(current)); err != nil {
		t.Fatalf("ConditionalDelete: unexpected error: %v", err)
	}
	if err := m.ConditionalDelete(ctx, "k", Matching(current)); !errors.Is(err, ErrNotFound) {
		t.Errorf("ConditionalDelete of missing key: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ConcurrentCreateOnlyHasOneWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("test")

	const writers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := m.ConditionalPut(ctx, "lock", strings.NewReader(fmt.Sprint(i)), WriteCondition{MustNotExist: true}, PutOptions{})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

// ---------------------------------------------------------------------------
// RetryStore
// ---------------------------------------------------------------------------

// faultyStore wraps a Store and injects errors for the first N calls to Get.
type faultyStore struct {
	Store
	mu        sync.Mutex
	callCount int
	failUntil int
	err       error
}

func (f *faultyStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectMeta, error) {
	f.mu.Lock()
	f.callCount++
	count := f.callCount
	f.mu.Unlock()

	if count <= f.failUntil {
		return nil, ObjectMeta{}, f.err
	}
	return f.Store.Get(ctx, key)
}

func (f *faultyStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

func fastRetry(inner Store, retries int) *RetryStore {
	r := NewRetryStore(inner, retries, BackoffConstant)
	r.initialInterval = time.Millisecond
	return r
}

func TestRetryStore_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore("test")
	if err := mem.Put(ctx, "retry-key", strings.NewReader("retry-data"), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	faulty := &faultyStore{Store: mem, failUntil: 2, err: fmt.Errorf("transient network error")}
	got, _, err := ReadAll(ctx, fastRetry(faulty, 5), "retry-key")
	if err != nil {
		t.Fatalf("Get: unexpected error after retries: %v", err)
	}
	if string(got) != "retry-data" {
		t.Errorf("content = %q, want %q", string(got), "retry-data")
	}
	if faulty.calls() != 3 {
		t.Errorf("callCount = %d, want 3", faulty.calls())
	}
}

func TestRetryStore_GivesUpAfterMaxRetries(t *testing.T) {
	faulty := &faultyStore{Store: NewMemoryStore("test"), failUntil: 100, err: fmt.Errorf("still down")}
	_, _, err := fastRetry(faulty, 2).Get(context.Background(), "k")
	if err == nil || !strings.Contains(err.Error(), "still down") {
		t.Fatalf("Get: got %v, want the transient error", err)
	}
	if faulty.calls() != 3 {
		t.Errorf("callCount = %d, want 3 (1 + 2 retries)", faulty.calls())
	}
}

func TestRetryStore_NoRetryOnAnswers(t *testing.T) {
	for _, sentinel := range []error{ErrNotFound, ErrPreconditionFailed} {
		faulty := &faultyStore{Store: NewMemoryStore("test"), failUntil: 100, err: sentinel}
		_, _, err := fastRetry(faulty, 5).Get(context.Background(), "k")
		if !errors.Is(err, sentinel) {
			t.Errorf("Get: got err = %v, want %v", err, sentinel)
		}
		if faulty.calls() != 1 {
			t.Errorf("%v: callCount = %d, want 1", sentinel, faulty.calls())
		}
	}
}

// ---------------------------------------------------------------------------
// S3Store against a fake client
// ---------------------------------------------------------------------------

type fakeS3 struct {
	S3API
	putInputs []*s3.PutObjectInput
	putErr    error
	deleteIn  *s3.DeleteObjectInput
	deleteErr error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.putInputs = append(f.putInputs, in)
	return &s3.PutObjectOutput{}, f.putErr
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deleteIn = in
	return &s3.DeleteObjectOutput{}, f.deleteErr
}

func httpError(code int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: code}},
		Err:      &smithy.GenericAPIError{Code: http.StatusText(code)},
	}
}

func TestS3Store_ConditionalPutHeaders(t *testing.T) {
	fake := &fakeS3{}
	s := NewS3Store(fake, "state-bucket", "previews", "state")
	ctx := context.Background()

	if err := s.ConditionalPut(ctx, "pr-1.lock", strings.NewReader("x"), WriteCondition{MustNotExist: true}, PutOptions{}); err != nil {
		t.Fatalf("ConditionalPut: %v", err)
	}
	if err := s.ConditionalPut(ctx, "pr-1.json", strings.NewReader("x"), WriteCondition{IfMatch: `"e1"`}, PutOptions{}); err != nil {
		t.Fatalf("ConditionalPut: %v", err)
	}

	first, second := fake.putInputs[0], fake.putInputs[1]
	if got := *first.Key; got != "previews/pr-1.lock" {
		t.Errorf("Key = %q, want prefixed key", got)
	}
	if first.IfNoneMatch == nil || *first.IfNoneMatch != "*" {
		t.Errorf("IfNoneMatch = %v, want *", first.IfNoneMatch)
	}
	if second.IfMatch == nil || *second.IfMatch != `"e1"` {
		t.Errorf("IfMatch = %v, want \"e1\"", second.IfMatch)
	}
}

func TestS3Store_ErrorMapping(t *testing.T) {
	ctx := context.Background()

	fake := &fakeS3{putErr: httpError(http.StatusPreconditionFailed)}
	s := NewS3Store(fake, "b", "", "state")
	err := s.ConditionalPut(ctx, "k", strings.NewReader("x"), WriteCondition{MustNotExist: true}, PutOptions{})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("412 put: got %v, want ErrPreconditionFailed", err)
	}

	fake = &fakeS3{deleteErr: httpError(http.StatusNotFound)}
	s = NewS3Store(fake, "b", "", "state")
	if err := s.ConditionalDelete(ctx, "k", WriteCondition{IfMatch: `"e"`}); !errors.Is(err, ErrNotFound) {
		t.Errorf("404 delete: got %v, want ErrNotFound", err)
	}
	if got := *fake.deleteIn.IfMatch; got != `"e"` {
		t.Errorf("delete IfMatch = %q", got)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("unconditional delete of missing key: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

func TestNew_UnsupportedType(t *testing.T) {
	_, err := New(context.Background(), Config{Name: "bad", Type: "unsupported"})
	if err == nil {
		t.Fatal("New with unsupported type: expected error, got nil")
	}
	if !strings.Contains(err.Error(), "unsupported store type") {
		t.Errorf("error message = %q, want it to contain 'unsupported store type'", err.Error())
	}
}

func TestNew_MemoryIsShared(t *testing.T) {
	t.Cleanup(ResetSharedMemoryStores)
	ctx := context.Background()

	a, err := New(ctx, Config{Name: "shared", Type: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(ctx, Config{Name: "shared", Type: "memory", MaxRetries: 3})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Put(ctx, "k", strings.NewReader("v"), PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Head(ctx, "k"); err != nil {
		t.Errorf("Head through second handle: %v", err)
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RetryStore)(nil)
	_ Store = (*S3Store)(nil)
	_ Store = (*gcsStore)(nil)
	_ Store = (*azureStore)(nil)
)
