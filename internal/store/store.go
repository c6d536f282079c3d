// Package store defines the artifact store that confinement generation
// consults for closure membership and symlink classification.
//
// A store is content addressed: every top-level entry under Dir() is an
// immutable artifact identified by its absolute path. The store owns the
// dependency graph between artifacts; callers never walk it themselves.
package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// DefaultDir is the standard Nix store directory.
const DefaultDir = "/nix/store"

var (
	// ErrClosureUnavailable is returned when the store cannot compute the
	// closure of a root, typically because the root is not a valid path.
	ErrClosureUnavailable = errors.New("closure unavailable")

	// ErrUnresolvableSymlink is returned when a symlink's target cannot be read.
	ErrUnresolvableSymlink = errors.New("unresolvable symlink")
)

// StorePath is the absolute path of a store artifact.
type StorePath string

// String returns the path as a string.
func (p StorePath) String() string {
	return string(p)
}

// Entry is the observed state of a store path.
type Entry struct {
	Path      StorePath
	IsSymlink bool
	// Target is the fully resolved destination when IsSymlink is set.
	Target string
}

// Store is the narrow view of an artifact store used by the generator.
type Store interface {
	// Dir returns the store directory, e.g. "/nix/store".
	Dir() string

	// ClosureOf returns the transitive closure of roots, deduplicated, in
	// a stable order. Roots are members of their own closure.
	ClosureOf(ctx context.Context, roots []StorePath) ([]StorePath, error)

	// Classify reports whether path is a symlink and where it resolves to.
	Classify(ctx context.Context, path StorePath) (Entry, error)

	// AddManifest writes a text artifact listing lines into the store and
	// returns its path. The artifact references every store path named in
	// lines where the store supports reference tracking.
	AddManifest(ctx context.Context, name string, lines []string) (StorePath, error)
}

// EntryPath reduces a path inside the store to its top-level entry:
//
//	"/nix/store/abc-hello/bin/hello" → "/nix/store/abc-hello"
//
// The second result is false for paths outside dir.
func EntryPath(dir, p string) (StorePath, bool) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	remainder := p[len(prefix):]
	if remainder == "" {
		return "", false
	}
	if i := strings.IndexByte(remainder, '/'); i >= 0 {
		remainder = remainder[:i]
	}
	if remainder == "." || remainder == ".." {
		return "", false
	}
	return StorePath(prefix + remainder), true
}

// References returns the top-level store entries mentioned anywhere in s,
// in order of first appearance. This mirrors how a string with context
// carries its dependencies.
func References(dir, s string) []StorePath {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	re := regexp.MustCompile(regexp.QuoteMeta(prefix) + `[A-Za-z0-9+._?=-]+`)

	var refs []StorePath
	seen := make(map[StorePath]bool)
	for _, match := range re.FindAllString(s, -1) {
		ref, ok := EntryPath(dir, match)
		if !ok || seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs
}

// SafeName turns an arbitrary name into one usable as a store path name.
// Store names may not start with a dot and only allow a small alphabet.
func SafeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune("+-._?=", r):
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

// ManifestName is the store name used for a service's extra-artifact manifest.
func ManifestName(service string) string {
	return SafeName(service) + "-string-contexts.txt"
}
