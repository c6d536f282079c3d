// Package confinement turns a service declaration into the systemd
// settings that run it inside a minimal chroot built from bind mounts.
//
// The pipeline for one service is:
//
//	Validate → Roots → Resolve (store closure) → Normalize → Emit
//
// Validate rejects unit settings systemd cannot combine with a confined
// root. Roots picks the artifacts the service needs: declared extras, the
// store references of its Exec* command lines and the shell. The store
// expands those roots to a closure, Normalize turns each closure member
// into a read-only bind mount (rewriting symlinks so the link path is
// bound to the real content, and dropping the bookkeeping manifest), and
// Emit formats the result as a drop-in fragment.
//
// [Generator] runs the pipeline for many services at once.
package confinement

import (
	"fmt"

	"github.com/mbrock/confine/internal/store"
)

// Mode is the confinement level applied to a service.
type Mode int

const (
	// FullAPIVFS isolates devices, /proc, /sys, /tmp and the user
	// namespace in addition to switching the root directory.
	FullAPIVFS Mode = iota
	// ChrootOnly only switches the root directory.
	ChrootOnly
)

// String returns the configuration spelling of m.
func (m Mode) String() string {
	switch m {
	case FullAPIVFS:
		return "full-apivfs"
	case ChrootOnly:
		return "chroot-only"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses the configuration spelling of a Mode. The empty string
// selects the default, FullAPIVFS.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "full-apivfs":
		return FullAPIVFS, nil
	case "chroot-only":
		return ChrootOnly, nil
	default:
		return 0, fmt.Errorf("unknown confinement mode %q (want full-apivfs or chroot-only)", s)
	}
}

// Artifact is an extra dependency declared for a service. It is either a
// store path or an opaque string whose embedded store references are its
// dependencies.
type Artifact struct {
	Path store.StorePath
	Text string
}

// PathArtifact declares a store path dependency.
func PathArtifact(p store.StorePath) Artifact {
	return Artifact{Path: p}
}

// TextArtifact declares a string carrying store references.
func TextArtifact(s string) Artifact {
	return Artifact{Text: s}
}

// String returns the manifest line for a.
func (a Artifact) String() string {
	if a.Path != "" {
		return a.Path.String()
	}
	return a.Text
}

// SandboxConfig is the confinement declaration of one service.
type SandboxConfig struct {
	Enabled bool
	Mode    Mode

	// WithShellLink binds the generator's shell binary at /bin/sh.
	WithShellLink bool

	// ExtraArtifacts are pulled into the closure in addition to what the
	// Exec* command lines reference.
	ExtraArtifacts []Artifact

	// FullUnit roots the closure at the service's unit file instead of
	// its individual command lines.
	FullUnit bool
}

// DefaultSandboxConfig returns the declaration defaults: disabled,
// full API VFS isolation, shell link on.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Mode:          FullAPIVFS,
		WithShellLink: true,
	}
}

// ExecConfig is the subset of a service's [Service] section that decides
// which artifacts it runs and whether it can be confined.
type ExecConfig struct {
	Start     []string
	Reload    []string
	StartPre  []string
	StartPost []string
	Stop      []string
	StopPost  []string

	RootDirectoryStartOnly bool
	DynamicUser            bool

	// Path is the search path exposed to the service. It never
	// contributes closure roots.
	Path []string
}

// Service is one unit to confine.
type Service struct {
	// Name is the unit name without the ".service" suffix.
	Name string
	Exec ExecConfig

	// UnitFile is the store path of the full unit, used when
	// Sandbox.FullUnit is set.
	UnitFile store.StorePath

	Sandbox SandboxConfig
}

// UnitName returns the unit the fragment applies to.
func (s Service) UnitName() string {
	return s.Name + ".service"
}
