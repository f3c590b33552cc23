package resource

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ReadActions are the only actions a policy may grant.
var ReadActions = []string{"s3:GetObject"}

// Set is the dependency-ordered collection of specs belonging to one
// environment.
type Set struct {
	// EnvKey is the environment key every spec key is prefixed with.
	EnvKey string `json:"env_key"`
	Specs  []Spec `json:"specs"`
}

// NewSet returns a set for envKey with specs sorted into dependency order.
func NewSet(envKey string, specs ...Spec) *Set {
	s := &Set{EnvKey: envKey, Specs: append([]Spec(nil), specs...)}
	SortByRank(s.Specs)
	return s
}

// SortByRank sorts specs by kind rank, then by key.
func SortByRank(specs []Spec) {
	sort.SliceStable(specs, func(i, j int) bool {
		ri, rj := specs[i].Kind.Rank(), specs[j].Kind.Rank()
		if ri != rj {
			return ri < rj
		}
		return specs[i].Key < specs[j].Key
	})
}

// Get returns the spec with the given key.
func (s *Set) Get(key string) (Spec, bool) {
	if s == nil {
		return Spec{}, false
	}
	for _, sp := range s.Specs {
		if sp.Key == key {
			return sp, true
		}
	}
	return Spec{}, false
}

// OfKind returns the specs of kind k in set order.
func (s *Set) OfKind(k Kind) []Spec {
	if s == nil {
		return nil
	}
	var out []Spec
	for _, sp := range s.Specs {
		if sp.Kind == k {
			out = append(out, sp)
		}
	}
	return out
}

// Len returns the number of specs; a nil set is empty.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Specs)
}

// KeyPrefix returns the prefix every key of an environment must carry.
func KeyPrefix(envKey string) string { return envKey + "/" }

// Validate checks the structural invariants of an environment: exactly one
// origin store and one distribution, unique keys scoped to the
// environment, references that resolve inside the set to the right kind,
// and a policy that grants read access to this set's distribution only.
func (s *Set) Validate() error {
	if s == nil {
		return errors.New("resource: nil set")
	}
	if s.EnvKey == "" {
		return errors.New("resource: set has no environment key")
	}

	var problems []string
	counts := make(map[Kind]int, len(Kinds))
	seen := make(map[string]Kind, len(s.Specs))
	prefix := KeyPrefix(s.EnvKey)

	for _, sp := range s.Specs {
		if !sp.Kind.Valid() {
			problems = append(problems, fmt.Sprintf("%q has unknown kind %q", sp.Key, sp.Kind))
			continue
		}
		if !strings.HasPrefix(sp.Key, prefix) {
			problems = append(problems, fmt.Sprintf("%q is outside environment %q", sp.Key, s.EnvKey))
		}
		if _, dup := seen[sp.Key]; dup {
			problems = append(problems, fmt.Sprintf("duplicate key %q", sp.Key))
		}
		seen[sp.Key] = sp.Kind
		counts[sp.Kind]++
		if err := checkPayload(sp); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if n := counts[KindOriginStore]; n != 1 {
		problems = append(problems, fmt.Sprintf("want exactly one %s, have %d", KindOriginStore, n))
	}
	if n := counts[KindDistribution]; n != 1 {
		problems = append(problems, fmt.Sprintf("want exactly one %s, have %d", KindDistribution, n))
	}
	for _, k := range []Kind{KindAccessControl, KindAccessPolicy} {
		if counts[k] > 1 {
			problems = append(problems, fmt.Sprintf("want at most one %s, have %d", k, counts[k]))
		}
	}

	for _, sp := range s.Specs {
		problems = append(problems, checkRefs(sp, seen)...)
		if sp.Policy != nil {
			for _, a := range sp.Policy.Actions {
				if !isReadAction(a) {
					problems = append(problems, fmt.Sprintf("%q grants non-read action %q", sp.Key, a))
				}
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("resource: invalid set %q: %s", s.EnvKey, strings.Join(problems, "; "))
	}
	return nil
}

func checkPayload(sp Spec) error {
	var want string
	switch sp.Kind {
	case KindOriginStore:
		if sp.Origin != nil {
			return nil
		}
		want = "origin"
	case KindDistribution:
		if sp.Distribution != nil {
			return nil
		}
		want = "distribution"
	case KindAccessControl:
		if sp.AccessControl != nil {
			return nil
		}
		want = "access_control"
	case KindAccessPolicy:
		if sp.Policy != nil {
			return nil
		}
		want = "policy"
	}
	return fmt.Errorf("%q is missing its %s payload", sp.Key, want)
}

func checkRefs(sp Spec, seen map[string]Kind) []string {
	var want []Kind
	switch {
	case sp.Distribution != nil:
		want = []Kind{KindOriginStore}
	case sp.AccessControl != nil, sp.Policy != nil:
		want = []Kind{KindOriginStore, KindDistribution}
	}

	var problems []string
	for i, ref := range sp.Refs() {
		kind, ok := seen[ref]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("%q references %q which is not in the set", sp.Key, ref))
		case kind != want[i]:
			problems = append(problems, fmt.Sprintf("%q references %q of kind %s, want %s", sp.Key, ref, kind, want[i]))
		}
	}
	return problems
}

func isReadAction(a string) bool {
	for _, r := range ReadActions {
		if a == r {
			return true
		}
	}
	return false
}
