// Package generate wires a declaration file, an artifact store and the
// service manager into one generation run: load services, confine them,
// write drop-ins, and optionally daemon-reload.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mbrock/confine/internal/config"
	"github.com/mbrock/confine/internal/confinement"
	"github.com/mbrock/confine/internal/platform/systemd"
	"github.com/mbrock/confine/internal/store"
	nixstore "github.com/mbrock/confine/internal/store/nix"
	"github.com/mbrock/confine/internal/unitfile"
)

// Options configures a generation run.
type Options struct {
	Config *config.Config

	// OutputDir receives the drop-ins. Required unless DryRun is set.
	OutputDir string

	// Store overrides the store selected by Config.
	Store store.Store

	// Systemd is used for from_systemd services and Reload. May be nil
	// when neither is needed.
	Systemd systemd.Systemd

	// Only restricts the run to these service names.
	Only []string

	// Reload issues a daemon-reload after writing.
	Reload bool

	// DryRun computes fragments without touching OutputDir.
	DryRun bool
}

// Report summarizes a run.
type Report struct {
	Results []confinement.Result

	// Written and Removed are drop-in paths, in service order.
	Written []string
	Removed []string

	// Reloaded is set when a daemon-reload was issued.
	Reloaded bool
}

// Fragment returns the generated fragment for a service, or nil.
func (r *Report) Fragment(service string) *unitfile.Fragment {
	for _, res := range r.Results {
		if res.Service == service {
			return res.Fragment
		}
	}
	return nil
}

// Run performs one generation. Under the default abort policy nothing is
// written when any service fails, so the output directory only ever holds
// a complete build.
func Run(ctx context.Context, opts Options) (*Report, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.OutputDir == "" && !opts.DryRun {
		return nil, errors.New("output directory is required")
	}

	st := opts.Store
	if st == nil {
		var err error
		if st, err = OpenStore(cfg); err != nil {
			return nil, err
		}
	}

	services, err := cfg.Resolve(ctx, serviceSource(opts.Systemd))
	if err != nil {
		return nil, err
	}
	services, err = filter(services, opts.Only)
	if err != nil {
		return nil, err
	}

	policy := confinement.AbortOnError
	if cfg.KeepGoing {
		policy = confinement.KeepGoing
	}
	gen := &confinement.Generator{
		Store:  st,
		Shell:  cfg.Shell,
		Jobs:   cfg.Jobs,
		Policy: policy,
	}

	slog.Debug("generating", "services", len(services), "store", cfg.Store.Kind, "output", opts.OutputDir)
	results, genErr := gen.Run(ctx, services)
	report := &Report{Results: results}
	if genErr != nil && policy == confinement.AbortOnError {
		return report, genErr
	}
	if opts.DryRun {
		return report, genErr
	}

	for _, res := range results {
		if res.Fragment == nil {
			continue
		}
		path, err := res.Fragment.Write(opts.OutputDir)
		if err != nil {
			return report, fmt.Errorf("%s: %w", res.Service, err)
		}
		slog.Info("wrote drop-in", "service", res.Service, "path", path)
		report.Written = append(report.Written, path)
	}

	for _, svc := range services {
		if svc.Sandbox.Enabled {
			continue
		}
		removed, err := removeStale(opts.OutputDir, svc.UnitName())
		if err != nil {
			return report, fmt.Errorf("%s: %w", svc.Name, err)
		}
		if removed != "" {
			slog.Info("removed stale drop-in", "service", svc.Name, "path", removed)
			report.Removed = append(report.Removed, removed)
		}
	}

	if opts.Reload && (len(report.Written) > 0 || len(report.Removed) > 0) {
		if opts.Systemd == nil {
			return report, errors.New("reload requested but no systemd connection is available")
		}
		if err := opts.Systemd.Reload(ctx); err != nil {
			return report, err
		}
		report.Reloaded = true
		slog.Info("reloaded systemd")
	}
	return report, genErr
}

// OpenStore builds the store selected by cfg.
func OpenStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Kind {
	case config.StoreNix:
		return nixstore.New(nixstore.Options{Dir: cfg.Store.Dir}), nil
	case config.StoreRegistration:
		f, err := os.Open(cfg.RegistrationPath())
		if err != nil {
			return nil, fmt.Errorf("opening registration: %w", err)
		}
		defer f.Close()
		mem, err := store.LoadRegistration(f, cfg.Store.Dir)
		if err != nil {
			return nil, err
		}
		return store.WithClassifier(mem, store.FilesystemClassifier{}), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

func serviceSource(sd systemd.Systemd) config.ServiceSource {
	if sd == nil {
		return nil
	}
	return sd
}

func filter(services []confinement.Service, only []string) ([]confinement.Service, error) {
	if len(only) == 0 {
		return services, nil
	}
	byName := make(map[string]confinement.Service, len(services))
	for _, svc := range services {
		byName[svc.Name] = svc
	}
	var out []confinement.Service
	for _, name := range only {
		svc, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("service %q is not declared", name)
		}
		out = append(out, svc)
	}
	return out, nil
}

// removeStale deletes a confinement drop-in left over from an earlier
// run. It returns the removed path, or "" if there was nothing to remove.
func removeStale(dir, unit string) (string, error) {
	f := &unitfile.Fragment{Unit: unit}
	path := f.DropInPath(dir)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	// The drop-in directory is ours only if nothing else lives there.
	os.Remove(filepath.Dir(path))
	return path, nil
}
