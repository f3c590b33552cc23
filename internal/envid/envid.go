// Package envid implements preview environment identifiers and the
// provider-assigned names derived from them.
//
// An identifier is a pull-request number: decimal digits, no leading zero,
// at most 10 digits. Its environment key is "pr-<number>".
//
// Globally unique resource names have the form <prefix><key>-<random>
// where random is 8 lowercase hex characters from crypto/rand.
//
// Example: docs-preview-pr-42-6f2c9a1b
package envid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	keyPrefix   = "pr-"
	maxDigits   = 10
	randomBytes = 4 // 4 bytes = 8 hex chars

	// MaxNameLength is the longest name NewName will produce. It matches
	// the S3 bucket name limit.
	MaxNameLength = 63
)

// ID is a validated pull-request identifier.
type ID struct {
	number string
}

// Parse validates s and returns the identifier. Surrounding whitespace and
// a leading "#" are tolerated.
func Parse(s string) (ID, error) {
	v := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if v == "" {
		return ID{}, fmt.Errorf("envid: identifier is empty")
	}
	if len(v) > maxDigits {
		return ID{}, fmt.Errorf("envid: identifier %q has more than %d digits", s, maxDigits)
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return ID{}, fmt.Errorf("envid: identifier %q is not a pull-request number", s)
		}
	}
	if v[0] == '0' {
		return ID{}, fmt.Errorf("envid: identifier %q has a leading zero", s)
	}
	return ID{number: v}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromKey parses an environment key ("pr-42") back into an identifier.
func FromKey(key string) (ID, error) {
	if !strings.HasPrefix(key, keyPrefix) {
		return ID{}, fmt.Errorf("envid: invalid environment key %q", key)
	}
	return Parse(key[len(keyPrefix):])
}

// String returns the bare number.
func (id ID) String() string { return id.number }

// Key returns the environment key used for state and resource addressing.
func (id ID) Key() string { return keyPrefix + id.number }

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id.number == "" }

// NewName generates a provider-assigned name for the environment. The
// result is lowercase, DNS-compatible and never longer than MaxNameLength;
// the prefix is truncated if necessary so the key and random suffix
// survive.
func NewName(prefix string, id ID) string {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("envid: crypto/rand failed: %v", err))
	}

	return namePrefix(prefix, id) + id.Key() + "-" + hex.EncodeToString(b)
}

// namePrefix lowercases prefix and truncates it so a name built from it
// fits MaxNameLength.
func namePrefix(prefix string, id ID) string {
	prefix = strings.ToLower(prefix)
	if room := MaxNameLength - len(id.Key()) - 1 - randomBytes*2; len(prefix) > room {
		prefix = prefix[:room]
	}
	return prefix
}

// OwnsName reports whether name was produced by NewName for this
// identifier and prefix.
func OwnsName(name, prefix string, id ID) bool {
	rest, ok := strings.CutPrefix(name, namePrefix(prefix, id))
	if !ok {
		return false
	}
	rest, ok = strings.CutPrefix(rest, id.Key()+"-")
	if !ok || len(rest) != randomBytes*2 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
