package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Graph is an in-memory reference graph over store paths. It backs
// MemoryStore and stores loaded from a registration dump.
type Graph struct {
	mu       sync.RWMutex
	refs     map[StorePath][]StorePath
	symlinks map[StorePath]string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		refs:     make(map[StorePath][]StorePath),
		symlinks: make(map[StorePath]string),
	}
}

// Add registers path as valid with the given references. Calling Add
// again for the same path replaces its references.
func (g *Graph) Add(path StorePath, refs ...StorePath) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refs[path] = append([]StorePath(nil), refs...)
}

// AddSymlink registers path as a symlink resolving to target. The link is
// a valid path in its own right; its references are those given.
func (g *Graph) AddSymlink(path StorePath, target string, refs ...StorePath) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refs[path] = append([]StorePath(nil), refs...)
	g.symlinks[path] = target
}

// Valid reports whether path is registered.
func (g *Graph) Valid(path StorePath) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.refs[path]
	return ok
}

// References returns the direct references of path.
func (g *Graph) References(path StorePath) []StorePath {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]StorePath(nil), g.refs[path]...)
}

// Closure returns every path reachable from roots, sorted lexically.
func (g *Graph) Closure(roots []StorePath) ([]StorePath, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[StorePath]bool, len(roots))
	queue := make([]StorePath, 0, len(roots))
	for _, root := range roots {
		if _, ok := g.refs[root]; !ok {
			return nil, fmt.Errorf("%w: path %q is not valid", ErrClosureUnavailable, root)
		}
		if !seen[root] {
			seen[root] = true
			queue = append(queue, root)
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, ref := range g.refs[current] {
			if seen[ref] {
				continue
			}
			if _, ok := g.refs[ref]; !ok {
				return nil, fmt.Errorf("%w: %q references missing path %q", ErrClosureUnavailable, current, ref)
			}
			seen[ref] = true
			queue = append(queue, ref)
		}
	}

	closure := make([]StorePath, 0, len(seen))
	for p := range seen {
		closure = append(closure, p)
	}
	sort.Slice(closure, func(i, j int) bool { return closure[i] < closure[j] })
	return closure, nil
}

// classify resolves symlink chains registered in the graph. A target that
// is itself a registered symlink is followed until a non-link is reached.
func (g *Graph) classify(path StorePath) (Entry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.refs[path]; !ok {
		return Entry{}, fmt.Errorf("classifying %q: %w", path, ErrClosureUnavailable)
	}
	target, ok := g.symlinks[path]
	if !ok {
		return Entry{Path: path}, nil
	}

	visited := map[StorePath]bool{path: true}
	for {
		next, ok := g.symlinks[StorePath(target)]
		if !ok {
			break
		}
		if visited[StorePath(target)] {
			return Entry{}, fmt.Errorf("%w: symlink loop at %q", ErrUnresolvableSymlink, path)
		}
		visited[StorePath(target)] = true
		target = next
	}
	if target == "" || !strings.HasPrefix(target, "/") {
		return Entry{}, fmt.Errorf("%w: %q points at %q", ErrUnresolvableSymlink, path, target)
	}
	return Entry{Path: path, IsSymlink: true, Target: target}, nil
}

// MemoryStore is a Store backed by a Graph. Manifests are content
// addressed with BLAKE3 so identical declarations land on identical paths.
type MemoryStore struct {
	*Graph
	dir string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store rooted at dir.
func NewMemoryStore(dir string) *MemoryStore {
	if dir == "" {
		dir = DefaultDir
	}
	return &MemoryStore{Graph: NewGraph(), dir: strings.TrimSuffix(dir, "/")}
}

// Dir returns the store directory.
func (s *MemoryStore) Dir() string {
	return s.dir
}

// ClosureOf implements Store.
func (s *MemoryStore) ClosureOf(ctx context.Context, roots []StorePath) ([]StorePath, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Closure(roots)
}

// Classify implements Store.
func (s *MemoryStore) Classify(ctx context.Context, path StorePath) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	return s.classify(path)
}

// AddManifest implements Store. The manifest references every store path
// mentioned in lines.
func (s *MemoryStore) AddManifest(ctx context.Context, name string, lines []string) (StorePath, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	contents := strings.Join(lines, "\n")
	path := StorePath(s.dir + "/" + contentHash(contents) + "-" + SafeName(name))

	var refs []StorePath
	for _, ref := range References(s.dir, contents) {
		if !s.Valid(ref) {
			return "", fmt.Errorf("%w: manifest %s references unknown path %q", ErrClosureUnavailable, name, ref)
		}
		refs = append(refs, ref)
	}
	s.Add(path, refs...)
	return path, nil
}
