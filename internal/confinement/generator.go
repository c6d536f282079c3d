package confinement

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"

	"github.com/mbrock/confine/internal/store"
	"github.com/mbrock/confine/internal/unitfile"
)

// Policy decides what a failing service does to the rest of the build.
type Policy int

const (
	// AbortOnError stops the build at the first failure. Services that
	// have not started are skipped.
	AbortOnError Policy = iota
	// KeepGoing generates every service it can and reports all failures.
	KeepGoing
)

// Generator runs the confinement pipeline for a batch of services.
type Generator struct {
	Store store.Store

	// Shell is bound at /bin/sh for services with WithShellLink set.
	// Empty disables the link for everyone.
	Shell string

	// Jobs bounds how many services are resolved concurrently.
	// Zero means runtime.NumCPU().
	Jobs int

	Policy Policy
}

// Result is the outcome for one enabled service.
type Result struct {
	Service  string
	Fragment *unitfile.Fragment
	Err      error
	// Skipped is set when the build was aborted before this service ran.
	Skipped bool
}

// Generate runs the full pipeline for a single service. Disabled services
// return a nil fragment and no error.
func (g *Generator) Generate(ctx context.Context, svc Service) (*unitfile.Fragment, error) {
	if !svc.Sandbox.Enabled {
		return nil, nil
	}
	if err := Validate(svc); err != nil {
		return nil, err
	}

	roots, err := Roots(ctx, g.Store, svc, g.Shell)
	if err != nil {
		return nil, &ServiceError{Service: svc.Name, Stage: "assembling roots", Err: err}
	}

	closure, err := Resolve(ctx, g.Store, roots)
	if err != nil {
		return nil, &ServiceError{Service: svc.Name, Stage: "resolving closure", Err: err}
	}

	directives, err := Normalize(ctx, g.Store, closure, roots.Manifest)
	if err != nil {
		return nil, &ServiceError{Service: svc.Name, Stage: "normalizing paths", Err: err}
	}

	slog.Debug("service confined",
		"service", svc.Name,
		"mode", svc.Sandbox.Mode.String(),
		"roots", len(roots.Roots),
		"closure", len(closure),
		"directives", len(directives),
	)
	return Emit(svc, directives, g.Shell), nil
}

// Run generates every enabled service and returns one Result per enabled
// service in input order. Validation of all services happens before any
// store access; under AbortOnError a validation failure ends the build
// with no store work done.
func (g *Generator) Run(ctx context.Context, services []Service) ([]Result, error) {
	var enabled []Service
	for _, svc := range services {
		if svc.Sandbox.Enabled {
			enabled = append(enabled, svc)
		}
	}

	results := make([]Result, len(enabled))
	for i, svc := range enabled {
		results[i].Service = svc.Name
	}

	for i, svc := range enabled {
		if err := Validate(svc); err != nil {
			results[i].Err = err
			if g.Policy == AbortOnError {
				for j := range results {
					if j != i {
						results[j].Skipped = true
					}
				}
				return results, err
			}
		}
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := g.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	sem := make(chan struct{}, jobs)

	var wg sync.WaitGroup
	for i, svc := range enabled {
		if results[i].Err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i].Skipped = true
				return
			}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				results[i].Skipped = true
				return
			}

			fragment, err := g.Generate(ctx, svc)
			if err != nil {
				// Once the build is cancelled, a failure is the
				// cancellation reaching this service, not its own fault.
				if ctx.Err() != nil {
					results[i].Skipped = true
					return
				}
				results[i].Err = err
				if g.Policy == AbortOnError {
					cancel()
				}
				return
			}
			results[i].Fragment = fragment
		}()
	}
	wg.Wait()

	var errs []error
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if g.Policy == AbortOnError {
			return results, r.Err
		}
		errs = append(errs, r.Err)
	}
	if len(errs) == 0 && parent.Err() != nil {
		return results, parent.Err()
	}
	return results, errors.Join(errs...)
}
