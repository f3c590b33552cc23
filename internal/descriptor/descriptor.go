// Package descriptor derives the target resource set of a preview
// environment from its identifier and the repository's static
// configuration. Build has no side effects: equal inputs always yield
// structurally identical sets, which is what makes a repeated reconcile a
// no-op.
package descriptor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/docspreview/previewctl/internal/envid"
	"github.com/docspreview/previewctl/internal/resource"
)

// Defaults applied by Build when the corresponding field is empty.
const (
	DefaultEnvironmentClass = "preview"
	DefaultNamePrefix       = "docs-preview-"
	DefaultPriceClass       = "PriceClass_100"
)

// Tag keys set on every resource for cost attribution.
const (
	TagRepository       = "repository"
	TagEnvironmentClass = "environment-class"
	TagIdentifier       = "identifier"
)

var priceClasses = map[string]bool{
	"PriceClass_100": true,
	"PriceClass_200": true,
	"PriceClass_All": true,
}

// Key returns the logical key of the kind's spec in environment envKey.
func Key(envKey string, kind resource.Kind) string {
	return resource.KeyPrefix(envKey) + string(kind)
}

// Build returns the target set for id. Every problem with the input is
// reported in a single *InvalidConfigurationError.
func Build(id envid.ID, cfg StaticConfig) (*resource.Set, error) {
	if problems := validate(id, cfg); len(problems) > 0 {
		return nil, &InvalidConfigurationError{Identifier: id.String(), Problems: problems}
	}

	envKey := id.Key()
	class := orDefault(cfg.EnvironmentClass, DefaultEnvironmentClass)
	prefix := strings.ToLower(orDefault(cfg.NamePrefix, DefaultNamePrefix))
	tags := map[string]string{
		TagEnvironmentClass: class,
		TagIdentifier:       id.String(),
	}
	if cfg.Repository != "" {
		tags[TagRepository] = cfg.Repository
	}

	originKey := Key(envKey, resource.KindOriginStore)
	distKey := Key(envKey, resource.KindDistribution)

	forceDestroy := true
	if cfg.ForceDestroy != nil {
		forceDestroy = *cfg.ForceDestroy
	}

	origin := resource.Spec{
		Kind:       resource.KindOriginStore,
		Key:        originKey,
		NamePrefix: prefix,
		Tags:       copyTags(tags),
		Origin: &resource.OriginConfig{
			Region:       cfg.Region,
			ContentDir:   cfg.ContentDir,
			ContentHash:  cfg.ContentHash,
			Excludes:     sortedCopy(cfg.Excludes),
			ForceDestroy: forceDestroy,
		},
	}

	dist := resource.Spec{
		Kind: resource.KindDistribution,
		Key:  distKey,
		Name: prefix + envKey,
		Tags: copyTags(tags),
		Distribution: &resource.DistributionConfig{
			OriginRef:          originKey,
			DefaultRootObject:  cfg.DefaultObject,
			RoutingFunctionARN: cfg.RoutingFunctionARN,
			MinTTL:             cfg.TTL.Min,
			DefaultTTL:         cfg.TTL.Default,
			MaxTTL:             cfg.TTL.Max,
			GeoRestriction:     resource.GeoRestriction{Allow: normalizeCountries(cfg.GeoAllow)},
			PriceClass:         orDefault(cfg.PriceClass, DefaultPriceClass),
			Comment:            comment(cfg.Repository, id),
		},
	}

	access := resource.Spec{
		Kind: resource.KindAccessControl,
		Key:  Key(envKey, resource.KindAccessControl),
		Name: prefix + envKey,
		AccessControl: &resource.AccessControlConfig{
			OriginRef:       originKey,
			DistributionRef: distKey,
			SigningBehavior: "always",
			SigningProtocol: "sigv4",
		},
	}

	policy := resource.Spec{
		Kind: resource.KindAccessPolicy,
		Key:  Key(envKey, resource.KindAccessPolicy),
		Name: envKey + "-read",
		Policy: &resource.PolicyConfig{
			OriginRef:       originKey,
			DistributionRef: distKey,
			Actions:         append([]string(nil), resource.ReadActions...),
		},
	}

	set := resource.NewSet(envKey, origin, dist, access, policy)
	if err := set.Validate(); err != nil {
		return nil, &InvalidConfigurationError{Identifier: id.String(), Problems: []string{err.Error()}}
	}
	return set, nil
}

func validate(id envid.ID, cfg StaticConfig) []string {
	var problems []string
	if id.IsZero() {
		problems = append(problems, "identifier is required")
	}

	if len(cfg.GeoAllow) == 0 {
		problems = append(problems, "geo_allow is required")
	}
	for _, c := range cfg.GeoAllow {
		if !isCountryCode(strings.ToUpper(strings.TrimSpace(c))) {
			problems = append(problems, fmt.Sprintf("geo_allow: %q is not a two-letter country code", c))
		}
	}

	if cfg.TTL == nil {
		problems = append(problems, "ttl is required")
	} else {
		t := cfg.TTL
		if t.Min < 0 || t.Default < 0 || t.Max < 0 {
			problems = append(problems, "ttl: bounds must not be negative")
		}
		if t.Min > t.Default || t.Default > t.Max {
			problems = append(problems, fmt.Sprintf("ttl: want min <= default <= max, have %d/%d/%d", t.Min, t.Default, t.Max))
		}
	}

	switch {
	case cfg.DefaultObject == "":
		problems = append(problems, "default_object is required")
	case strings.HasPrefix(cfg.DefaultObject, "/"):
		problems = append(problems, fmt.Sprintf("default_object: %q must not start with a slash", cfg.DefaultObject))
	}

	if cfg.PriceClass != "" && !priceClasses[cfg.PriceClass] {
		problems = append(problems, fmt.Sprintf("price_class: unknown value %q", cfg.PriceClass))
	}
	if prefix := cfg.NamePrefix; prefix != "" && !isNamePrefix(prefix) {
		problems = append(problems, fmt.Sprintf("name_prefix: %q may only contain lowercase letters, digits and hyphens", prefix))
	}
	return problems
}

func isCountryCode(s string) bool {
	return len(s) == 2 && s[0] >= 'A' && s[0] <= 'Z' && s[1] >= 'A' && s[1] <= 'Z'
}

func isNamePrefix(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}

func normalizeCountries(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToUpper(strings.TrimSpace(c))
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func comment(repo string, id envid.ID) string {
	if repo == "" {
		return "docs preview #" + id.String()
	}
	return fmt.Sprintf("docs preview %s#%s", repo, id.String())
}

func copyTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
