// Package config loads confine's declaration file.
//
// The file is given explicitly, by the --config flag or the
// CONFINE_CONFIG environment variable; there is no discovery. YAML is the
// primary format. Files ending in .json or .jsonc are read as JSON with
// comments and trailing commas allowed.
//
// A declaration lists services by name. Each service carries its Exec*
// command lines (written inline, taken from an existing unit file, or
// read from the running manager) and a confinement block. This package
// is where defaults are applied and sources are merged; the confinement
// package only ever sees finished records.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/mbrock/confine/internal/confinement"
	"github.com/mbrock/confine/internal/platform/systemd"
	"github.com/mbrock/confine/internal/store"
	"github.com/mbrock/confine/internal/unitfile"
)

// EnvConfig names the environment variable holding the config path.
const EnvConfig = "CONFINE_CONFIG"

// Store kinds.
const (
	StoreNix          = "nix"
	StoreRegistration = "registration"
)

// Config is a parsed declaration file.
type Config struct {
	Store StoreConfig `yaml:"store" json:"store"`

	// Shell is bound at /bin/sh inside confined services that keep the
	// shell link enabled.
	Shell string `yaml:"shell" json:"shell"`

	// Output is the unit directory drop-ins are written to. Empty means
	// the dirs package default.
	Output string `yaml:"output" json:"output"`

	// Jobs bounds concurrent closure queries. Zero means one per CPU.
	Jobs int `yaml:"jobs" json:"jobs"`

	// KeepGoing generates every service it can instead of stopping at
	// the first failure.
	KeepGoing bool `yaml:"keep_going" json:"keep_going"`

	Services map[string]ServiceConfig `yaml:"services" json:"services"`

	// path is the file this config was read from.
	path string
}

// StoreConfig selects the artifact store.
type StoreConfig struct {
	// Kind is "nix" (default) or "registration".
	Kind string `yaml:"kind" json:"kind"`

	// Dir is the store directory. Default: /nix/store.
	Dir string `yaml:"dir" json:"dir"`

	// Registration is a `nix-store --dump-db` file, used with kind
	// "registration". Relative paths are resolved against the config
	// file's directory.
	Registration string `yaml:"registration" json:"registration"`
}

// ServiceConfig declares one service.
type ServiceConfig struct {
	// UnitFile is an existing unit file to take Exec* settings from.
	UnitFile string `yaml:"unit_file" json:"unit_file"`

	// FromSystemd reads Exec* settings from the loaded unit over D-Bus.
	FromSystemd bool `yaml:"from_systemd" json:"from_systemd"`

	// StoreUnit is the unit file's own store path, used by full_unit.
	StoreUnit string `yaml:"store_unit" json:"store_unit"`

	ExecStart     Lines `yaml:"exec_start" json:"exec_start"`
	ExecReload    Lines `yaml:"exec_reload" json:"exec_reload"`
	ExecStartPre  Lines `yaml:"exec_start_pre" json:"exec_start_pre"`
	ExecStartPost Lines `yaml:"exec_start_post" json:"exec_start_post"`
	ExecStop      Lines `yaml:"exec_stop" json:"exec_stop"`
	ExecStopPost  Lines `yaml:"exec_stop_post" json:"exec_stop_post"`

	RootDirectoryStartOnly *bool `yaml:"root_directory_start_only" json:"root_directory_start_only"`
	DynamicUser            *bool `yaml:"dynamic_user" json:"dynamic_user"`
	Path                   Lines `yaml:"path" json:"path"`

	Confinement ConfinementConfig `yaml:"confinement" json:"confinement"`
}

// ConfinementConfig is the per-service confinement block.
type ConfinementConfig struct {
	Enable bool `yaml:"enable" json:"enable"`

	// Mode is "full-apivfs" (default) or "chroot-only".
	Mode string `yaml:"mode" json:"mode"`

	// BinSh keeps the /bin/sh link. Default: true.
	BinSh *bool `yaml:"bin_sh" json:"bin_sh"`

	// Packages are extra store paths, or strings referencing store
	// paths, to include in the closure.
	Packages []string `yaml:"packages" json:"packages"`

	FullUnit bool `yaml:"full_unit" json:"full_unit"`
}

// Lines is a list of strings that may also be written as one string.
type Lines []string

// UnmarshalYAML accepts a scalar or a sequence.
func (l *Lines) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = Lines{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
	}
}

// UnmarshalJSON accepts a string or an array.
func (l *Lines) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*l = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = Lines{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("expected a string or an array of strings")
	}
	*l = list
	return nil
}

// Path returns the config file path from flag or environment.
func Path(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("no config file: pass --config or set %s", EnvConfig)
}

// Load reads and validates a declaration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes a declaration. ext selects the format: ".json" and
// ".jsonc" are JSON with comments, anything else is YAML.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Kind == "" {
		c.Store.Kind = StoreNix
	}
	if c.Store.Dir == "" {
		c.Store.Dir = store.DefaultDir
	}
	c.Store.Dir = strings.TrimSuffix(c.Store.Dir, "/")
}

// Validate checks the parts of the file that do not need other sources.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case StoreNix:
	case StoreRegistration:
		if c.Store.Registration == "" {
			return errors.New("store.registration is required for the registration store")
		}
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	if !filepath.IsAbs(c.Store.Dir) {
		return fmt.Errorf("store.dir %q must be absolute", c.Store.Dir)
	}
	if c.Shell != "" && !filepath.IsAbs(c.Shell) {
		return fmt.Errorf("shell %q must be absolute", c.Shell)
	}
	if c.Jobs < 0 {
		return fmt.Errorf("jobs must not be negative")
	}
	for _, name := range c.ServiceNames() {
		svc := c.Services[name]
		if name == "" || strings.ContainsAny(name, "/ ") {
			return fmt.Errorf("invalid service name %q", name)
		}
		if _, err := confinement.ParseMode(svc.Confinement.Mode); err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}
		if svc.StoreUnit != "" {
			if _, ok := store.EntryPath(c.Store.Dir, svc.StoreUnit); !ok {
				return fmt.Errorf("service %s: store_unit %q is not in %s", name, svc.StoreUnit, c.Store.Dir)
			}
		}
	}
	return nil
}

// ServiceNames returns the declared services sorted by name.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegistrationPath resolves Store.Registration relative to the config file.
func (c *Config) RegistrationPath() string {
	p := c.Store.Registration
	if p == "" || filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}

// ServiceSource reads loaded services from the manager.
type ServiceSource interface {
	GetService(ctx context.Context, name systemd.UnitName) (*systemd.LoadedService, error)
}

// Resolve builds the confinement records in name order. src is only
// consulted for services with from_systemd set and may be nil otherwise.
func (c *Config) Resolve(ctx context.Context, src ServiceSource) ([]confinement.Service, error) {
	var services []confinement.Service
	for _, name := range c.ServiceNames() {
		svc, err := c.service(ctx, name, c.Services[name], src)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		services = append(services, svc)
	}
	return services, nil
}

// service merges the sources of one service. Precedence, lowest first:
// the loaded unit, the unit file, then inline settings.
func (c *Config) service(ctx context.Context, name string, sc ServiceConfig, src ServiceSource) (confinement.Service, error) {
	svc := confinement.Service{Name: name, Sandbox: confinement.DefaultSandboxConfig()}

	if sc.FromSystemd {
		if src == nil {
			return svc, errors.New("from_systemd is set but no systemd connection is available")
		}
		loaded, err := src.GetService(ctx, systemd.ServiceUnit(name))
		if err != nil {
			return svc, err
		}
		svc.Exec = loaded.Exec
	}

	if sc.UnitFile != "" {
		unitPath := sc.UnitFile
		if !filepath.IsAbs(unitPath) && c.path != "" {
			unitPath = filepath.Join(filepath.Dir(c.path), unitPath)
		}
		section, err := unitfile.ReadSectionFile(unitPath, "Service")
		if err != nil {
			return svc, err
		}
		if err := mergeSection(&svc.Exec, section); err != nil {
			return svc, fmt.Errorf("%s: %w", unitPath, err)
		}
		if sc.StoreUnit == "" {
			if p, ok := store.EntryPath(c.Store.Dir, unitPath); ok {
				svc.UnitFile = p
			}
		}
	}

	overrideLines(&svc.Exec.Start, sc.ExecStart)
	overrideLines(&svc.Exec.Reload, sc.ExecReload)
	overrideLines(&svc.Exec.StartPre, sc.ExecStartPre)
	overrideLines(&svc.Exec.StartPost, sc.ExecStartPost)
	overrideLines(&svc.Exec.Stop, sc.ExecStop)
	overrideLines(&svc.Exec.StopPost, sc.ExecStopPost)
	overrideLines(&svc.Exec.Path, sc.Path)
	if sc.RootDirectoryStartOnly != nil {
		svc.Exec.RootDirectoryStartOnly = *sc.RootDirectoryStartOnly
	}
	if sc.DynamicUser != nil {
		svc.Exec.DynamicUser = *sc.DynamicUser
	}
	if sc.StoreUnit != "" {
		svc.UnitFile = store.StorePath(sc.StoreUnit)
	}

	mode, err := confinement.ParseMode(sc.Confinement.Mode)
	if err != nil {
		return svc, err
	}
	svc.Sandbox.Enabled = sc.Confinement.Enable
	svc.Sandbox.Mode = mode
	svc.Sandbox.FullUnit = sc.Confinement.FullUnit
	if sc.Confinement.BinSh != nil {
		svc.Sandbox.WithShellLink = *sc.Confinement.BinSh
	}
	for _, pkg := range sc.Confinement.Packages {
		svc.Sandbox.ExtraArtifacts = append(svc.Sandbox.ExtraArtifacts, c.artifact(pkg))
	}
	return svc, nil
}

// artifact classifies a package entry: an exact store entry is a path,
// anything else is text whose references are its dependencies.
func (c *Config) artifact(s string) confinement.Artifact {
	if p, ok := store.EntryPath(c.Store.Dir, s); ok && p.String() == s {
		return confinement.PathArtifact(p)
	}
	return confinement.TextArtifact(s)
}

func overrideLines(dst *[]string, src Lines) {
	if src != nil {
		*dst = append([]string(nil), src...)
	}
}

// mergeSection copies the Exec* settings of a [Service] section.
func mergeSection(exec *confinement.ExecConfig, section unitfile.Section) error {
	for key, dst := range map[string]*[]string{
		"ExecStart":     &exec.Start,
		"ExecReload":    &exec.Reload,
		"ExecStartPre":  &exec.StartPre,
		"ExecStartPost": &exec.StartPost,
		"ExecStop":      &exec.Stop,
		"ExecStopPost":  &exec.StopPost,
	} {
		if values, ok := section[key]; ok {
			*dst = append([]string(nil), values...)
		}
	}
	for _, value := range section["Environment"] {
		if path, ok := strings.CutPrefix(unquote(value), "PATH="); ok {
			exec.Path = strings.Split(path, ":")
		}
	}

	for key, dst := range map[string]*bool{
		"RootDirectoryStartOnly": &exec.RootDirectoryStartOnly,
		"DynamicUser":            &exec.DynamicUser,
	} {
		if _, ok := section[key]; !ok {
			continue
		}
		v, err := section.Bool(key)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = v
	}
	return nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
