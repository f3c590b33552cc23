package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/docspreview/previewctl/internal/resource"
)

// Call is one entry of Memory's operation log.
type Call struct {
	Op   Op
	Kind resource.Kind
	Key  string
}

func (c Call) String() string { return fmt.Sprintf("%s %s", c.Op, c.Key) }

type memResource struct {
	key    string
	spec   resource.Spec
	handle resource.Handle
	refs   []string // provider IDs this resource depends on
}

type memFailure struct {
	op    Op
	key   string
	err   error
	times int // remaining; negative means forever
}

// Memory is an in-process Adapter that behaves like a strict cloud
// provider: references must resolve to live resources, a resource that is
// still referenced cannot be deleted, and policies are rendered and
// checked. It records every mutating call and can inject failures.
type Memory struct {
	mu        sync.Mutex
	seq       int
	resources map[string]*memResource // by provider ID
	calls     []Call
	failures  []*memFailure
}

// NewMemory returns an empty Memory provider.
func NewMemory() *Memory {
	return &Memory{resources: make(map[string]*memResource)}
}

// FailOn makes the next times calls of op on the spec with logical key
// fail with err. times < 0 fails forever. Injected failures are checked
// before any state change and are still logged.
func (m *Memory) FailOn(op Op, key string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, &memFailure{op: op, key: key, err: err, times: times})
}

// Calls returns a copy of the mutating-call log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// ResetCalls clears the call log.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Keys returns the logical keys of live resources whose key starts with
// prefix, sorted.
func (m *Memory) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.resources {
		if strings.HasPrefix(r.key, prefix) {
			out = append(out, r.key)
		}
	}
	sort.Strings(out)
	return out
}

// Drop removes a resource behind the controller's back, simulating drift.
func (m *Memory) Drop(h resource.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, h.ID)
}

// Attribute returns a stored attribute of a live resource.
func (m *Memory) Attribute(h resource.Handle, name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[h.ID]
	if !ok {
		return "", false
	}
	v, ok := r.handle.Attributes[name]
	return v, ok
}

// injected returns the error to fail with, if any. Callers hold m.mu.
func (m *Memory) injected(op Op, key string) error {
	for _, f := range m.failures {
		if f.op != op || f.key != key || f.times == 0 {
			continue
		}
		if f.times > 0 {
			f.times--
		}
		return f.err
	}
	return nil
}

func envKeyOf(key string) string {
	env, _, _ := strings.Cut(key, "/")
	return env
}

// resolve maps spec references to live provider IDs. Callers hold m.mu.
func (m *Memory) resolve(op Op, spec resource.Spec, refs Refs) ([]string, error) {
	var ids []string
	for _, ref := range spec.Refs() {
		h, err := refs.Lookup(ref)
		if err != nil {
			return nil, &RejectedError{Op: op, Kind: spec.Kind, Err: err}
		}
		if _, live := m.resources[h.ID]; !live {
			return nil, &RejectedError{Op: op, Kind: spec.Kind, Reason: fmt.Sprintf("referenced resource %s (%s) does not exist", ref, h.ID)}
		}
		ids = append(ids, h.ID)
	}
	return ids, nil
}

func (m *Memory) handleFor(spec resource.Spec, id string, refs Refs) (resource.Handle, error) {
	h := resource.Handle{Kind: spec.Kind, ID: id, Name: spec.Name, Attributes: map[string]string{}}
	switch spec.Kind {
	case resource.KindOriginStore:
		if h.Name == "" {
			h.Name = fmt.Sprintf("%s%s-%08x", spec.NamePrefix, envKeyOf(spec.Key), m.seq)
		}
		h.ID = h.Name
		h.ARN = "arn:aws:s3:::" + h.Name
		h.Domain = h.Name + ".s3.memory.test"
		if spec.Origin != nil {
			h.Attributes["content_hash"] = spec.Origin.ContentHash
		}
	case resource.KindDistribution:
		h.ARN = "arn:aws:cloudfront::000000000000:distribution/" + id
		h.Domain = strings.ToLower(id) + ".cdn.memory.test"
	case resource.KindAccessPolicy:
		origin, _ := refs.Lookup(spec.Policy.OriginRef)
		dist, _ := refs.Lookup(spec.Policy.DistributionRef)
		doc, err := resource.RenderPolicy(*spec.Policy, origin, dist)
		if err != nil {
			return resource.Handle{}, err
		}
		body, err := doc.JSON()
		if err != nil {
			return resource.Handle{}, err
		}
		h.Attributes["policy"] = body
	}
	return h, nil
}

func (m *Memory) Create(_ context.Context, spec resource.Spec, refs Refs) (resource.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: OpCreate, Kind: spec.Kind, Key: spec.Key})
	if err := m.injected(OpCreate, spec.Key); err != nil {
		return resource.Handle{}, err
	}
	ids, err := m.resolve(OpCreate, spec, refs)
	if err != nil {
		return resource.Handle{}, err
	}

	m.seq++
	h, err := m.handleFor(spec, fmt.Sprintf("MEM%06d", m.seq), refs)
	if err != nil {
		return resource.Handle{}, &RejectedError{Op: OpCreate, Kind: spec.Kind, Err: err}
	}
	if _, exists := m.resources[h.ID]; exists {
		return resource.Handle{}, &RejectedError{Op: OpCreate, Kind: spec.Kind, Reason: fmt.Sprintf("%s already exists", h.ID)}
	}
	m.resources[h.ID] = &memResource{key: spec.Key, spec: spec, handle: h, refs: ids}
	return h, nil
}

func (m *Memory) Read(_ context.Context, h resource.Handle) (resource.Spec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected(OpRead, m.keyOf(h)); err != nil {
		return resource.Spec{}, err
	}
	r, ok := m.resources[h.ID]
	if !ok {
		return resource.Spec{}, fmt.Errorf("%s %s: %w", h.Kind, h.ID, ErrNotFound)
	}
	return r.spec, nil
}

func (m *Memory) Update(_ context.Context, h resource.Handle, spec resource.Spec, refs Refs) (resource.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: OpUpdate, Kind: spec.Kind, Key: spec.Key})
	if err := m.injected(OpUpdate, spec.Key); err != nil {
		return resource.Handle{}, err
	}
	r, ok := m.resources[h.ID]
	if !ok {
		return resource.Handle{}, &RejectedError{Op: OpUpdate, Kind: spec.Kind, Err: fmt.Errorf("%s: %w", h.ID, ErrNotFound)}
	}
	ids, err := m.resolve(OpUpdate, spec, refs)
	if err != nil {
		return resource.Handle{}, err
	}

	// Identity is kept; only the configuration changes.
	if spec.Kind == resource.KindOriginStore {
		spec.Name = h.Name
	}
	nh, err := m.handleFor(spec, h.ID, refs)
	if err != nil {
		return resource.Handle{}, &RejectedError{Op: OpUpdate, Kind: spec.Kind, Err: err}
	}
	r.spec, r.handle, r.refs = spec, nh, ids
	return nh, nil
}

func (m *Memory) Delete(_ context.Context, h resource.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.keyOf(h)
	m.calls = append(m.calls, Call{Op: OpDelete, Kind: h.Kind, Key: key})
	if err := m.injected(OpDelete, key); err != nil {
		return err
	}
	if _, ok := m.resources[h.ID]; !ok {
		return nil
	}
	for _, other := range m.resources {
		for _, id := range other.refs {
			if id == h.ID {
				return &RejectedError{Op: OpDelete, Kind: h.Kind, Reason: fmt.Sprintf("%s is still referenced by %s", key, other.key)}
			}
		}
	}
	delete(m.resources, h.ID)
	return nil
}

// keyOf returns the logical key recorded for h, or its ID when unknown.
// Callers hold m.mu.
func (m *Memory) keyOf(h resource.Handle) string {
	if r, ok := m.resources[h.ID]; ok {
		return r.key
	}
	return h.ID
}
