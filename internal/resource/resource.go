// Package resource defines the declarative data model of a preview
// environment: the four resource kinds, their specs, the dependency-ordered
// set that makes up one environment, and the provider handles recorded
// after apply.
package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Kind is the type of a backend resource.
type Kind string

const (
	KindOriginStore   Kind = "origin-store"
	KindDistribution  Kind = "cdn-distribution"
	KindAccessControl Kind = "access-control-entry"
	KindAccessPolicy  Kind = "access-policy"
)

// Kinds lists every kind in dependency order.
var Kinds = []Kind{KindOriginStore, KindDistribution, KindAccessControl, KindAccessPolicy}

// Rank returns the dependency rank of the kind. Lower ranks are created
// first and deleted last. Unknown kinds rank after every known kind.
func (k Kind) Rank() int {
	for i, known := range Kinds {
		if k == known {
			return i
		}
	}
	return len(Kinds)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k.Rank() < len(Kinds) }

const fingerprintPrefix = "sha256:"

// Spec describes one backend resource.
type Spec struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key"`

	// Name is the deterministic resource name. It is empty for kinds whose
	// name is assigned by the provider at create time; NamePrefix is then
	// the prefix the provider should use.
	Name       string            `json:"name,omitempty"`
	NamePrefix string            `json:"name_prefix,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`

	Origin        *OriginConfig        `json:"origin,omitempty"`
	Distribution  *DistributionConfig  `json:"distribution,omitempty"`
	AccessControl *AccessControlConfig `json:"access_control,omitempty"`
	Policy        *PolicyConfig        `json:"policy,omitempty"`
}

// OriginConfig configures the object store holding the site content.
type OriginConfig struct {
	Region string `json:"region,omitempty"`
	// ContentDir is the local build artifact directory synced into the
	// store on create and update. Empty means the store is left empty.
	ContentDir  string   `json:"content_dir,omitempty"`
	ContentHash string   `json:"content_hash,omitempty"`
	Excludes    []string `json:"excludes,omitempty"`
	// ForceDestroy empties the store before deleting it.
	ForceDestroy bool `json:"force_destroy"`
}

// DistributionConfig configures the CDN distribution fronting the origin.
type DistributionConfig struct {
	OriginRef          string         `json:"origin_ref"`
	DefaultRootObject  string         `json:"default_root_object"`
	RoutingFunctionARN string         `json:"routing_function_arn,omitempty"`
	MinTTL             int64          `json:"min_ttl"`
	DefaultTTL         int64          `json:"default_ttl"`
	MaxTTL             int64          `json:"max_ttl"`
	GeoRestriction     GeoRestriction `json:"geo_restriction"`
	PriceClass         string         `json:"price_class,omitempty"`
	Comment            string         `json:"comment,omitempty"`
}

// GeoRestriction is a country allow-list. An empty list means no
// restriction.
type GeoRestriction struct {
	Allow []string `json:"allow"`
}

// AccessControlConfig binds the distribution to the origin with signed
// origin requests.
type AccessControlConfig struct {
	OriginRef       string `json:"origin_ref"`
	DistributionRef string `json:"distribution_ref"`
	SigningBehavior string `json:"signing_behavior"`
	SigningProtocol string `json:"signing_protocol"`
}

// PolicyConfig grants the distribution read access to the origin.
type PolicyConfig struct {
	OriginRef       string   `json:"origin_ref"`
	DistributionRef string   `json:"distribution_ref"`
	Actions         []string `json:"actions"`
}

// Refs returns the keys this spec depends on.
func (s Spec) Refs() []string {
	switch {
	case s.Distribution != nil:
		return []string{s.Distribution.OriginRef}
	case s.AccessControl != nil:
		return []string{s.AccessControl.OriginRef, s.AccessControl.DistributionRef}
	case s.Policy != nil:
		return []string{s.Policy.OriginRef, s.Policy.DistributionRef}
	}
	return nil
}

// Fingerprint returns a stable hash over the spec's canonical JSON form.
// Two specs with equal fingerprints are structurally identical.
func (s Spec) Fingerprint() string {
	// encoding/json emits struct fields in declaration order and map keys
	// sorted, which makes the encoding canonical for this type.
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("resource: marshal spec %q: %v", s.Key, err))
	}
	sum := sha256.Sum256(data)
	return fingerprintPrefix + hex.EncodeToString(sum[:])
}

// Handle is the provider-side reference to a created resource. It is the
// stable identity of the resource and must be persisted: provider-assigned
// names cannot be recomputed.
type Handle struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
	// Name is the provider-side name, which for provider-assigned kinds
	// is only known after create.
	Name       string            `json:"name,omitempty"`
	ARN        string            `json:"arn,omitempty"`
	Domain     string            `json:"domain,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// IsZero reports whether h has no provider ID.
func (h Handle) IsZero() bool { return h.ID == "" }
