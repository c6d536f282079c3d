// Package systemd talks to the service manager over D-Bus: reloading
// unit files after fragments are written and reading the Exec* settings
// of units that are already loaded.
package systemd

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"

	"github.com/mbrock/confine/internal/confinement"
)

// UnitName is a full systemd unit name such as "web.service".
type UnitName string

// String returns the unit name as a string.
func (u UnitName) String() string {
	return string(u)
}

// ServiceUnit returns the unit name for a service name.
func ServiceUnit(service string) UnitName {
	if strings.HasSuffix(service, ".service") {
		return UnitName(service)
	}
	return UnitName(service + ".service")
}

// LoadedService is what the manager knows about a loaded service unit.
type LoadedService struct {
	Name         UnitName
	Exec         confinement.ExecConfig
	FragmentPath string
}

// Systemd provides the manager operations confine needs.
type Systemd interface {
	// Reload tells systemd to reload its configuration (daemon-reload).
	Reload(ctx context.Context) error

	// GetService reads the Exec* settings of a loaded service unit.
	GetService(ctx context.Context, name UnitName) (*LoadedService, error)

	// Close releases the D-Bus connection.
	Close() error
}

// systemdConn implements Systemd using go-systemd/dbus.
type systemdConn struct {
	conn *dbus.Conn
}

// ConnectSystemd connects to the system manager.
func ConnectSystemd(ctx context.Context) (Systemd, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to system systemd: %w", err)
	}
	return &systemdConn{conn: conn}, nil
}

// ConnectUserSystemd connects to the user's systemd instance.
func ConnectUserSystemd(ctx context.Context) (Systemd, error) {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to user systemd: %w", err)
	}
	return &systemdConn{conn: conn}, nil
}

// Close releases the D-Bus connection.
func (s *systemdConn) Close() error {
	s.conn.Close()
	return nil
}

// Reload tells systemd to reload its configuration (daemon-reload).
func (s *systemdConn) Reload(ctx context.Context) error {
	if err := s.conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}

// GetService reads the Exec* settings of a loaded service unit.
func (s *systemdConn) GetService(ctx context.Context, name UnitName) (*LoadedService, error) {
	unitProps, err := s.conn.GetUnitPropertiesContext(ctx, name.String())
	if err != nil {
		return nil, fmt.Errorf("getting unit properties: %w", err)
	}
	if state, _ := unwrap(unitProps["LoadState"]).(string); state != "loaded" {
		return nil, fmt.Errorf("unit %s is not loaded (%s)", name, state)
	}

	props, err := s.conn.GetUnitTypePropertiesContext(ctx, name.String(), "Service")
	if err != nil {
		return nil, fmt.Errorf("getting service properties: %w", err)
	}
	return serviceFromProperties(name, unitProps, props), nil
}

// serviceFromProperties maps D-Bus properties onto a LoadedService.
// Exec* properties have the signature a(sasbttttuii): path, argv, then
// bookkeeping fields this package does not need.
func serviceFromProperties(name UnitName, unitProps, props map[string]interface{}) *LoadedService {
	svc := &LoadedService{Name: name}
	svc.FragmentPath, _ = unwrap(unitProps["FragmentPath"]).(string)

	svc.Exec.Start = execLines(props["ExecStart"])
	svc.Exec.Reload = execLines(props["ExecReload"])
	svc.Exec.StartPre = execLines(props["ExecStartPre"])
	svc.Exec.StartPost = execLines(props["ExecStartPost"])
	svc.Exec.Stop = execLines(props["ExecStop"])
	svc.Exec.StopPost = execLines(props["ExecStopPost"])
	svc.Exec.RootDirectoryStartOnly, _ = unwrap(props["RootDirectoryStartOnly"]).(bool)
	svc.Exec.DynamicUser, _ = unwrap(props["DynamicUser"]).(bool)
	return svc
}

// execLines flattens an Exec* property into command lines.
func execLines(v interface{}) []string {
	var entries []interface{}
	switch x := unwrap(v).(type) {
	case [][]interface{}:
		for _, e := range x {
			entries = append(entries, e)
		}
	case []interface{}:
		entries = x
	default:
		return nil
	}

	var lines []string
	for _, e := range entries {
		fields, ok := unwrap(e).([]interface{})
		if !ok || len(fields) < 2 {
			continue
		}
		path, _ := unwrap(fields[0]).(string)
		argv, _ := unwrap(fields[1]).([]string)
		if path == "" {
			continue
		}
		words := []string{path}
		if len(argv) > 1 {
			words = append(words, argv[1:]...)
		}
		lines = append(lines, strings.Join(words, " "))
	}
	return lines
}

// unwrap strips D-Bus variants that go-systemd leaves in nested values.
func unwrap(v interface{}) interface{} {
	for {
		variant, ok := v.(godbus.Variant)
		if !ok {
			return v
		}
		v = variant.Value()
	}
}
