// Package provider is the stateless gateway between the reconciler and the
// cloud backend. An Adapter creates, reads, updates and deletes resources
// of the four environment kinds; it owns no state of its own.
package provider

import (
	"context"
	"fmt"

	"github.com/docspreview/previewctl/internal/resource"
)

// Refs resolves the logical keys a spec references to the handles of
// resources already applied in the same environment.
type Refs map[string]resource.Handle

// Lookup returns the handle for key or an error naming the missing
// dependency.
func (r Refs) Lookup(key string) (resource.Handle, error) {
	h, ok := r[key]
	if !ok || h.IsZero() {
		return resource.Handle{}, fmt.Errorf("provider: unresolved reference %q", key)
	}
	return h, nil
}

// Adapter is the provider-facing interface used by the reconciler.
//
// Create returns the handle of the new resource; for kinds whose name is
// provider-assigned the handle carries the assigned name. Read returns the
// spec as observed, or ErrNotFound. Delete of an absent resource succeeds.
// Create and Update fail with *RejectedError or *UnavailableError.
type Adapter interface {
	Create(ctx context.Context, spec resource.Spec, refs Refs) (resource.Handle, error)
	Read(ctx context.Context, h resource.Handle) (resource.Spec, error)
	Update(ctx context.Context, h resource.Handle, spec resource.Spec, refs Refs) (resource.Handle, error)
	Delete(ctx context.Context, h resource.Handle) error
}

// Driver implements Adapter for a single resource kind.
type Driver interface {
	Adapter
	Kind() resource.Kind
}

// Mux dispatches to one Driver per kind.
type Mux struct {
	drivers map[resource.Kind]Driver
}

// NewMux returns a Mux over drivers. A later driver for the same kind
// replaces an earlier one.
func NewMux(drivers ...Driver) *Mux {
	m := &Mux{drivers: make(map[resource.Kind]Driver, len(drivers))}
	for _, d := range drivers {
		m.drivers[d.Kind()] = d
	}
	return m
}

func (m *Mux) driver(op Op, kind resource.Kind) (Driver, error) {
	d, ok := m.drivers[kind]
	if !ok {
		return nil, &RejectedError{Op: op, Kind: kind, Reason: "no driver registered for kind"}
	}
	return d, nil
}

func (m *Mux) Create(ctx context.Context, spec resource.Spec, refs Refs) (resource.Handle, error) {
	d, err := m.driver(OpCreate, spec.Kind)
	if err != nil {
		return resource.Handle{}, err
	}
	return d.Create(ctx, spec, refs)
}

func (m *Mux) Read(ctx context.Context, h resource.Handle) (resource.Spec, error) {
	d, err := m.driver(OpRead, h.Kind)
	if err != nil {
		return resource.Spec{}, err
	}
	return d.Read(ctx, h)
}

func (m *Mux) Update(ctx context.Context, h resource.Handle, spec resource.Spec, refs Refs) (resource.Handle, error) {
	if h.Kind != spec.Kind {
		return resource.Handle{}, &RejectedError{Op: OpUpdate, Kind: spec.Kind, Reason: fmt.Sprintf("handle is of kind %s", h.Kind)}
	}
	d, err := m.driver(OpUpdate, spec.Kind)
	if err != nil {
		return resource.Handle{}, err
	}
	return d.Update(ctx, h, spec, refs)
}

func (m *Mux) Delete(ctx context.Context, h resource.Handle) error {
	d, err := m.driver(OpDelete, h.Kind)
	if err != nil {
		return err
	}
	return d.Delete(ctx, h)
}
