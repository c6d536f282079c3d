// Package unitfile reads and writes systemd unit files and drop-in
// fragments using go-systemd's unit serializer.
package unitfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
)

// DropInName is the file name confinement fragments are written under.
const DropInName = "confinement.conf"

// header precedes every generated fragment.
const header = "# Generated by confine. Do not edit; changes are overwritten.\n"

// Fragment is the generated configuration for one unit.
type Fragment struct {
	// Unit is the full unit name, e.g. "web.service".
	Unit    string
	Options []*unit.UnitOption
}

// Set appends a Name=Value line to section.
func (f *Fragment) Set(section, name, value string) {
	f.Options = append(f.Options, unit.NewUnitOption(section, name, value))
}

// Values returns every value of name in section, in order.
func (f *Fragment) Values(section, name string) []string {
	var values []string
	for _, opt := range f.Options {
		if opt.Section == section && opt.Name == name {
			values = append(values, opt.Value)
		}
	}
	return values
}

// Bytes serializes the fragment. Output is a pure function of Options.
func (f *Fragment) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(header)
	io.Copy(&buf, unit.Serialize(f.Options))
	return buf.Bytes()
}

// DropInPath returns where the fragment lives below a unit directory.
func (f *Fragment) DropInPath(dir string) string {
	return filepath.Join(dir, f.Unit+".d", DropInName)
}

// Write stores the fragment as a drop-in below dir. The file is replaced
// atomically so a concurrent daemon-reload never sees a partial fragment.
func (f *Fragment) Write(dir string) (string, error) {
	path := f.DropInPath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating drop-in dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+DropInName+".*")
	if err != nil {
		return "", fmt.Errorf("creating drop-in: %w", err)
	}
	if _, err := tmp.Write(f.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing drop-in: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing drop-in: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing drop-in: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("installing drop-in: %w", err)
	}
	return path, nil
}

// EscapePath escapes a path for use in a colon-separated systemd mount
// setting such as BindReadOnlyPaths=.
func EscapePath(p string) string {
	p = strings.ReplaceAll(p, `\`, `\\`)
	return strings.ReplaceAll(p, ":", `\:`)
}

// Section is the parsed contents of one unit file section. Keys map to
// their values in file order; an empty assignment resets the list the way
// systemd does for list-valued settings.
type Section map[string][]string

// Bool interprets the last value of key as a systemd boolean.
func (s Section) Bool(key string) (bool, error) {
	values := s[key]
	if len(values) == 0 {
		return false, nil
	}
	return ParseBool(values[len(values)-1])
}

// ReadSection parses the named section out of a unit file.
func ReadSection(r io.Reader, section string) (Section, error) {
	opts, err := unit.DeserializeOptions(r)
	if err != nil {
		return nil, fmt.Errorf("parsing unit: %w", err)
	}
	result := make(Section)
	for _, opt := range opts {
		if opt.Section != section {
			continue
		}
		if opt.Value == "" {
			delete(result, opt.Name)
			continue
		}
		result[opt.Name] = append(result[opt.Name], opt.Value)
	}
	return result, nil
}

// ReadSectionFile is ReadSection on a file.
func ReadSectionFile(path, section string) (Section, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := ReadSection(f, section)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseBool accepts the boolean spellings systemd accepts.
func ParseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "yes", "y", "true", "t", "on":
		return true, nil
	case "0", "no", "n", "false", "f", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", v)
	}
}
