package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Classifier inspects a single store path.
type Classifier interface {
	Classify(ctx context.Context, path StorePath) (Entry, error)
}

// FilesystemClassifier classifies paths by looking at the local filesystem.
type FilesystemClassifier struct{}

// Classify lstat's path and, for symlinks, resolves the full chain.
func (FilesystemClassifier) Classify(ctx context.Context, path StorePath) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	var st unix.Stat_t
	if err := unix.Lstat(path.String(), &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return Entry{}, fmt.Errorf("%w: %s does not exist", ErrClosureUnavailable, path)
		}
		return Entry{}, fmt.Errorf("lstat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFLNK {
		return Entry{Path: path}, nil
	}

	target, err := filepath.EvalSymlinks(path.String())
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %s: %v", ErrUnresolvableSymlink, path, err)
	}
	return Entry{Path: path, IsSymlink: true, Target: target}, nil
}

// WithClassifier overrides how s classifies paths. Use it to pair a store
// whose graph came from elsewhere (a registration dump) with the real
// filesystem.
func WithClassifier(s Store, c Classifier) Store {
	return &classified{Store: s, classifier: c}
}

type classified struct {
	Store
	classifier Classifier
}

func (c *classified) Classify(ctx context.Context, path StorePath) (Entry, error) {
	return c.classifier.Classify(ctx, path)
}
