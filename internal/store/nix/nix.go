// Package nix implements store.Store on top of the nix-store CLI.
//
// Closure queries go through `nix-store --query --requisites`, manifests
// are added with `nix-store --add`, and symlinks are classified by looking
// at the store on the local filesystem. Binary resolution follows the
// Determinate Nix layout: PATH first, then the default profile.
package nix

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mbrock/confine/internal/executor"
	"github.com/mbrock/confine/internal/store"
)

// determinateProfileBin is where Determinate Nix installs its binaries.
// It is outside PATH by default, so it is checked explicitly.
const determinateProfileBin = "/nix/var/nix/profiles/default/bin"

// Store talks to the local Nix daemon through nix-store.
type Store struct {
	dir        string
	exec       executor.Executor
	classifier store.Classifier
}

var _ store.Store = (*Store)(nil)

// Options configures a Store. Zero values select the real system.
type Options struct {
	// Dir is the store directory. Default: /nix/store.
	Dir string

	// Executor runs nix-store. Default: os/exec.
	Executor executor.Executor

	// Classifier inspects store paths. Default: the local filesystem.
	Classifier store.Classifier
}

// New creates a Store.
func New(opts Options) *Store {
	s := &Store{
		dir:        strings.TrimSuffix(opts.Dir, "/"),
		exec:       opts.Executor,
		classifier: opts.Classifier,
	}
	if s.dir == "" {
		s.dir = store.DefaultDir
	}
	if s.exec == nil {
		s.exec = executor.Default()
	}
	if s.classifier == nil {
		s.classifier = store.FilesystemClassifier{}
	}
	return s
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// ClosureOf returns the requisites of roots, sorted lexically so the
// listing does not depend on nix-store's traversal order.
func (s *Store) ClosureOf(ctx context.Context, roots []store.StorePath) ([]store.StorePath, error) {
	if len(roots) == 0 {
		return nil, nil
	}
	args := []string{"--query", "--requisites"}
	for _, root := range roots {
		args = append(args, root.String())
	}

	out, err := s.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrClosureUnavailable, err)
	}

	seen := make(map[store.StorePath]bool)
	var closure []store.StorePath
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		p := store.StorePath(line)
		if seen[p] {
			continue
		}
		seen[p] = true
		closure = append(closure, p)
	}
	sort.Slice(closure, func(i, j int) bool { return closure[i] < closure[j] })

	slog.Debug("nix closure computed", "roots", len(roots), "paths", len(closure))
	return closure, nil
}

// Classify implements store.Store.
func (s *Store) Classify(ctx context.Context, path store.StorePath) (store.Entry, error) {
	return s.classifier.Classify(ctx, path)
}

// AddManifest writes lines to a file called name and adds it to the store.
// nix-store --add records no references for the file, so callers must
// root the manifest's referents separately.
func (s *Store) AddManifest(ctx context.Context, name string, lines []string) (store.StorePath, error) {
	tmp, err := os.MkdirTemp("", "confine-manifest-")
	if err != nil {
		return "", fmt.Errorf("creating manifest dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	file := filepath.Join(tmp, store.SafeName(name))
	contents := strings.Join(lines, "\n")
	if err := os.WriteFile(file, []byte(contents), 0o644); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}

	out, err := s.run(ctx, "--add", file)
	if err != nil {
		return "", fmt.Errorf("adding manifest %s: %w", name, err)
	}
	p := strings.TrimSpace(out)
	if _, ok := store.EntryPath(s.dir, p); !ok {
		return "", fmt.Errorf("adding manifest %s: nix-store returned %q outside %s", name, p, s.dir)
	}
	return store.StorePath(p), nil
}

// FindBinary resolves a Nix binary by name, checking PATH first and then
// the Determinate Nix profile.
func (s *Store) FindBinary(name string) (string, error) {
	if path, err := s.exec.LookPath(name); err == nil {
		return path, nil
	}

	determinatePath := filepath.Join(determinateProfileBin, name)
	if _, err := os.Stat(determinatePath); err == nil {
		return determinatePath, nil
	}

	return "", fmt.Errorf("%s not found on PATH or at %s", name, determinatePath)
}

// run executes nix-store with args and returns stdout. Stderr is folded
// into the error since nix writes its diagnostics there.
func (s *Store) run(ctx context.Context, args ...string) (string, error) {
	binary, err := s.FindBinary("nix-store")
	if err != nil {
		return "", err
	}

	var stdout, stderr bytes.Buffer
	cmd := append([]string{binary}, args...)
	exitCode, err := s.exec.Run(ctx, cmd, nil, &stdout, &stderr)
	if err != nil {
		return "", fmt.Errorf("nix-store %s: %w", strings.Join(args, " "), err)
	}
	if exitCode != 0 {
		return "", formatError(args, &stderr, fmt.Errorf("exit status %d", exitCode))
	}
	return stdout.String(), nil
}

// formatError prefers nix's own stderr message over the generic exec error.
func formatError(args []string, stderr *bytes.Buffer, err error) error {
	command := "nix-store " + strings.Join(args, " ")
	if text := strings.TrimSpace(stderr.String()); text != "" {
		return fmt.Errorf("%s: %s", command, text)
	}
	return fmt.Errorf("%s: %w", command, err)
}
