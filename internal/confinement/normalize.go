package confinement

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbrock/confine/internal/store"
)

// Directive is one bind mount into the confined root.
type Directive struct {
	Source   string
	Dest     string
	ReadOnly bool
}

// String formats d as systemd's source:dest pair.
func (d Directive) String() string {
	return d.Source + ":" + d.Dest
}

// Excluded reports whether p must never become a directive. Only the
// service's manifest is excluded: it exists so the declared extras take
// part in closure computation and has no meaning at runtime.
func Excluded(p store.StorePath, manifest store.StorePath) bool {
	return manifest != "" && p == manifest
}

// Normalize turns each closure member into at most one read-only bind
// mount, preserving the closure order. A symlink is bound from its fully
// resolved target onto the link's own path, because systemd would
// otherwise recreate the link target instead of the link.
func Normalize(ctx context.Context, st store.Store, closure []store.StorePath, manifest store.StorePath) ([]Directive, error) {
	directives := make([]Directive, 0, len(closure))
	for _, p := range closure {
		if Excluded(p, manifest) {
			continue
		}

		entry, err := st.Classify(ctx, p)
		if err != nil {
			if errors.Is(err, store.ErrUnresolvableSymlink) || errors.Is(err, store.ErrClosureUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", store.ErrUnresolvableSymlink, err)
		}

		if entry.IsSymlink {
			if entry.Target == "" {
				return nil, fmt.Errorf("%w: %s has no target", store.ErrUnresolvableSymlink, p)
			}
			if Excluded(store.StorePath(entry.Target), manifest) {
				continue
			}
			directives = append(directives, Directive{Source: entry.Target, Dest: p.String(), ReadOnly: true})
			continue
		}
		directives = append(directives, Directive{Source: p.String(), Dest: p.String(), ReadOnly: true})
	}
	return directives, nil
}
