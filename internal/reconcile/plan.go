package reconcile

import (
	"sort"

	"github.com/docspreview/previewctl/internal/resource"
	"github.com/docspreview/previewctl/internal/state"
)

// Action is what an operation does to one resource.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionNoop   Action = "no-op"
)

// Operation is one step of a plan.
type Operation struct {
	Action Action
	Key    string
	Kind   resource.Kind
	// Spec is the target spec; zero for deletes.
	Spec resource.Spec
	// Prior is the recorded entry; nil for creates.
	Prior *state.Entry
}

// Plan is the ordered set of operations that moves an environment from
// its recorded state to a target.
type Plan struct {
	EnvKey     string
	Operations []Operation
}

// Diff compares the recorded environment with target. A nil target means
// no environment: every recorded resource is deleted. Deletes come first,
// dependents before their dependencies; creates and updates follow in
// dependency order. Specs are compared by fingerprint; an unchanged spec
// is still updated when something it references is created.
func Diff(envKey string, current *state.Record, target *resource.Set) *Plan {
	p := &Plan{EnvKey: envKey}

	var recorded []state.Entry
	if current != nil {
		recorded = current.Entries
	}

	var deletes []Operation
	for i := range recorded {
		e := recorded[i]
		if _, ok := target.Get(e.Spec.Key); ok {
			continue
		}
		deletes = append(deletes, Operation{Action: ActionDelete, Key: e.Spec.Key, Kind: e.Spec.Kind, Prior: &e})
	}
	sort.SliceStable(deletes, func(i, j int) bool {
		ri, rj := deletes[i].Kind.Rank(), deletes[j].Kind.Rank()
		if ri != rj {
			return ri > rj
		}
		return deletes[i].Key > deletes[j].Key
	})
	p.Operations = append(p.Operations, deletes...)

	if target == nil {
		return p
	}
	specs := append([]resource.Spec(nil), target.Specs...)
	resource.SortByRank(specs)
	created := map[string]bool{}
	for _, sp := range specs {
		op := Operation{Key: sp.Key, Kind: sp.Kind, Spec: sp}
		var prior state.Entry
		ok := false
		if current != nil {
			prior, ok = current.Entry(sp.Key)
		}
		switch {
		case !ok:
			op.Action = ActionCreate
		case prior.Fingerprint == sp.Fingerprint() && !refersToAny(sp, created):
			op.Action = ActionNoop
			op.Prior = &prior
		default:
			op.Action = ActionUpdate
			op.Prior = &prior
		}
		if op.Action == ActionCreate {
			created[sp.Key] = true
		}
		p.Operations = append(p.Operations, op)
	}
	return p
}

// refersToAny reports whether sp references one of keys. A resource whose
// dependency is recreated must be reapplied against the new handle.
func refersToAny(sp resource.Spec, keys map[string]bool) bool {
	for _, ref := range sp.Refs() {
		if keys[ref] {
			return true
		}
	}
	return false
}

// Changes returns the operations that are not no-ops.
func (p *Plan) Changes() []Operation {
	var out []Operation
	for _, op := range p.Operations {
		if op.Action != ActionNoop {
			out = append(out, op)
		}
	}
	return out
}

// HasChanges reports whether applying p would change anything.
func (p *Plan) HasChanges() bool { return len(p.Changes()) > 0 }

// Count returns the number of operations with action a.
func (p *Plan) Count(a Action) int {
	n := 0
	for _, op := range p.Operations {
		if op.Action == a {
			n++
		}
	}
	return n
}
