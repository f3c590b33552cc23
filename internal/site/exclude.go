package site

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ReservedPrefix holds objects written by the controller itself. Site
// content may not use it.
const ReservedPrefix = "_preview/"

// securityExcludes are always applied. They keep credentials and VCS
// metadata out of a publicly readable bucket.
var securityExcludes = []excludeRule{
	{prefix: ".git/", exact: ".git"},
	{prefix: ".aws/", exact: ".aws"},
	{prefix: ".ssh/", exact: ".ssh"},
	{matchFunc: matchDotEnv},
	{glob: "**/*.pem"},
	{glob: "**/*.key"},
	{glob: "**/*.p12"},
	{glob: "**/*.pfx"},
	{matchFunc: matchBasename("id_rsa", "id_ed25519")},
	{prefix: ReservedPrefix, exact: strings.TrimSuffix(ReservedPrefix, "/")},
}

// buildExcludes drop common build-tool leftovers.
var buildExcludes = []excludeRule{
	{prefix: "node_modules/", exact: "node_modules"},
	{prefix: ".doctrees/", exact: ".doctrees"},
	{matchFunc: matchBasename(".DS_Store", "Thumbs.db", ".buildinfo")},
}

// excludeRule is one exclusion condition, checked in order: matchFunc,
// prefix or exact, glob.
type excludeRule struct {
	prefix    string
	exact     string
	glob      string
	matchFunc func(relPath string) bool
}

// matchDotEnv matches .env and .env.* except .env.example.
func matchDotEnv(relPath string) bool {
	base := filepath.Base(relPath)
	return base == ".env" || (strings.HasPrefix(base, ".env.") && base != ".env.example")
}

func matchBasename(names ...string) func(string) bool {
	return func(relPath string) bool {
		base := filepath.Base(relPath)
		for _, n := range names {
			if base == n {
				return true
			}
		}
		return false
	}
}

func (r excludeRule) matches(rel string) bool {
	if r.matchFunc != nil {
		return r.matchFunc(rel)
	}
	if r.prefix != "" && strings.HasPrefix(rel, r.prefix) {
		return true
	}
	if r.exact != "" && rel == r.exact {
		return true
	}
	if r.glob != "" {
		matched, _ := doublestar.Match(r.glob, rel)
		return matched
	}
	return false
}

// ShouldExclude reports whether relPath (forward-slash, relative to the
// artifact root) is left out of the upload. User patterns are additive
// gitignore-style globs: "dir/" matches a whole subtree and a pattern
// without a slash also matches the basename.
func ShouldExclude(relPath string, userExcludes []string) bool {
	rel := filepath.ToSlash(relPath)

	for _, rules := range [][]excludeRule{securityExcludes, buildExcludes} {
		for _, r := range rules {
			if r.matches(rel) {
				return true
			}
		}
	}

	for _, pattern := range userExcludes {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}
		p := filepath.ToSlash(pattern)

		if dir, ok := strings.CutSuffix(p, "/"); ok {
			if rel == dir || strings.HasPrefix(rel, dir+"/") {
				return true
			}
			continue
		}
		if matched, _ := doublestar.Match(p, rel); matched {
			return true
		}
		if !strings.Contains(p, "/") {
			if matched, _ := doublestar.Match(p, filepath.Base(rel)); matched {
				return true
			}
		}
	}
	return false
}
