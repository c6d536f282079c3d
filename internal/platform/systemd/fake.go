package systemd

import (
	"context"
	"fmt"
	"sync"
)

// FakeSystemd is an in-memory implementation of Systemd for unit tests.
type FakeSystemd struct {
	mu       sync.RWMutex
	services map[UnitName]*LoadedService
	reloads  int
	closed   bool

	// ReloadErr, when set, is returned by Reload.
	ReloadErr error
}

var _ Systemd = (*FakeSystemd)(nil)

// NewFakeSystemd creates a new FakeSystemd with no loaded units.
func NewFakeSystemd() *FakeSystemd {
	return &FakeSystemd{
		services: make(map[UnitName]*LoadedService),
	}
}

// AddService registers a loaded service.
func (f *FakeSystemd) AddService(svc LoadedService) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[svc.Name] = &svc
}

// Reloads returns how many times Reload was called.
func (f *FakeSystemd) Reloads() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.reloads
}

// Closed reports whether Close was called.
func (f *FakeSystemd) Closed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.closed
}

// Reload records a daemon-reload.
func (f *FakeSystemd) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReloadErr != nil {
		return f.ReloadErr
	}
	f.reloads++
	return nil
}

// GetService returns a registered service.
func (f *FakeSystemd) GetService(ctx context.Context, name UnitName) (*LoadedService, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	svc, ok := f.services[name]
	if !ok {
		return nil, fmt.Errorf("unit %s not found", name)
	}
	s := *svc
	return &s, nil
}

// Close marks the fake closed.
func (f *FakeSystemd) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
