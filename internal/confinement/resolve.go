package confinement

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbrock/confine/internal/store"
)

// RootSet is the closure input assembled for one service.
type RootSet struct {
	// Roots are deduplicated in order of first appearance.
	Roots []store.StorePath

	// Manifest is the bookkeeping artifact listing every declared root
	// line. It is itself a root but never becomes a bind mount.
	Manifest store.StorePath
}

// ExecLines returns the command lines whose artifacts belong in the
// closure. RootDirectoryStartOnly narrows the set to ExecStart.
func ExecLines(exec ExecConfig) []string {
	if exec.RootDirectoryStartOnly {
		return append([]string(nil), exec.Start...)
	}
	var lines []string
	for _, phase := range [][]string{
		exec.Reload,
		exec.Start,
		exec.StartPost,
		exec.StartPre,
		exec.Stop,
		exec.StopPost,
	} {
		lines = append(lines, phase...)
	}
	return lines
}

// ManifestLines lists what the service's manifest records: the unit file
// or the exec lines, the shell when linked, then the declared extras.
func ManifestLines(svc Service, shell string) ([]string, error) {
	var lines []string
	if svc.Sandbox.FullUnit {
		if svc.UnitFile == "" {
			return nil, errors.New("full unit confinement requires the unit file to be in the store")
		}
		lines = append(lines, svc.UnitFile.String())
	} else {
		lines = append(lines, ExecLines(svc.Exec)...)
	}
	if svc.Sandbox.WithShellLink && shell != "" {
		lines = append(lines, shell)
	}
	for _, a := range svc.Sandbox.ExtraArtifacts {
		lines = append(lines, a.String())
	}
	return lines, nil
}

// Roots assembles the root set for svc: every store entry referenced by
// its manifest lines plus the manifest itself, which st writes.
func Roots(ctx context.Context, st store.Store, svc Service, shell string) (RootSet, error) {
	lines, err := ManifestLines(svc, shell)
	if err != nil {
		return RootSet{}, err
	}

	for _, a := range svc.Sandbox.ExtraArtifacts {
		if a.Path == "" {
			continue
		}
		if _, ok := store.EntryPath(st.Dir(), a.Path.String()); !ok {
			return RootSet{}, fmt.Errorf("%w: extra artifact %q is not in %s", store.ErrClosureUnavailable, a.Path, st.Dir())
		}
	}

	var set RootSet
	seen := make(map[store.StorePath]bool)
	for _, line := range lines {
		for _, ref := range store.References(st.Dir(), line) {
			if !seen[ref] {
				seen[ref] = true
				set.Roots = append(set.Roots, ref)
			}
		}
	}

	manifest, err := st.AddManifest(ctx, store.ManifestName(svc.Name), lines)
	if err != nil {
		return RootSet{}, fmt.Errorf("writing manifest: %w", err)
	}
	set.Manifest = manifest
	if !seen[manifest] {
		set.Roots = append(set.Roots, manifest)
	}
	return set, nil
}

// Resolve asks the store for the closure of roots. The resolver does no
// traversal of its own; one request yields one coherent set.
func Resolve(ctx context.Context, st store.Store, roots RootSet) ([]store.StorePath, error) {
	closure, err := st.ClosureOf(ctx, roots.Roots)
	if err != nil {
		if errors.Is(err, store.ErrClosureUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", store.ErrClosureUnavailable, err)
	}
	return closure, nil
}
