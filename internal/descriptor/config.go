package descriptor

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StaticConfig is the per-repository configuration shared by every
// environment.
type StaticConfig struct {
	Repository       string `yaml:"repository"`
	EnvironmentClass string `yaml:"environment_class"`

	// NamePrefix prefixes the provider-assigned origin store name.
	NamePrefix string `yaml:"name_prefix"`
	Region     string `yaml:"region"`

	GeoAllow           []string  `yaml:"geo_allow"`
	TTL                *CacheTTL `yaml:"ttl"`
	DefaultObject      string    `yaml:"default_object"`
	RoutingFunctionARN string    `yaml:"routing_function_arn"`
	PriceClass         string    `yaml:"price_class"`

	ContentDir string   `yaml:"content_dir"`
	Excludes   []string `yaml:"excludes"`
	// ContentHash is the bundle hash of ContentDir. It is filled in by the
	// caller after scanning the artifact, never read from disk here.
	ContentHash string `yaml:"-"`

	ForceDestroy *bool `yaml:"force_destroy"`
}

// CacheTTL holds the CDN cache TTL bounds in seconds.
type CacheTTL struct {
	Min     int64 `yaml:"min"`
	Default int64 `yaml:"default"`
	Max     int64 `yaml:"max"`
}

// UniformTTL returns bounds with min, default and max all set to seconds.
func UniformTTL(seconds int64) *CacheTTL {
	return &CacheTTL{Min: seconds, Default: seconds, Max: seconds}
}

// UnmarshalYAML accepts either a scalar (all bounds equal) or a mapping
// with min, default and max keys. Missing mapping keys fall back to the
// default bound.
func (t *CacheTTL) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var v int64
		if err := node.Decode(&v); err != nil {
			return fmt.Errorf("ttl: %w", err)
		}
		*t = *UniformTTL(v)
		return nil
	}

	var raw struct {
		Min     *int64 `yaml:"min"`
		Default *int64 `yaml:"default"`
		Max     *int64 `yaml:"max"`
	}
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("ttl: %w", err)
	}
	if raw.Default == nil {
		return fmt.Errorf("ttl: line %d: default is required", node.Line)
	}
	t.Default = *raw.Default
	t.Min, t.Max = t.Default, t.Default
	if raw.Min != nil {
		t.Min = *raw.Min
	}
	if raw.Max != nil {
		t.Max = *raw.Max
	}
	return nil
}

// Clone returns a deep copy of c.
func (c StaticConfig) Clone() StaticConfig {
	out := c
	out.GeoAllow = append([]string(nil), c.GeoAllow...)
	out.Excludes = append([]string(nil), c.Excludes...)
	if c.TTL != nil {
		ttl := *c.TTL
		out.TTL = &ttl
	}
	if c.ForceDestroy != nil {
		fd := *c.ForceDestroy
		out.ForceDestroy = &fd
	}
	return out
}
