package confinement

import (
	"github.com/mbrock/confine/internal/unitfile"
)

// ServiceSection is the unit section confinement settings go into.
const ServiceSection = "Service"

// ShellDest is where the shell link appears inside the confined root.
const ShellDest = "/bin/sh"

// Setting is a single Name=Value unit assignment.
type Setting struct {
	Name  string
	Value string
}

// rootSwitch is applied in every mode: an empty root with a tmpfs on top
// so bind mount destinations can be created, and a private mount table.
var rootSwitch = []Setting{
	{"RootDirectory", "/var/empty"},
	{"TemporaryFileSystem", "/"},
	{"PrivateMounts", "yes"},
}

// modeSettings holds the isolation flags implied by each mode.
var modeSettings = map[Mode][]Setting{
	FullAPIVFS: {
		{"MountAPIVFS", "yes"},
		{"PrivateDevices", "yes"},
		{"PrivateTmp", "yes"},
		{"PrivateUsers", "yes"},
		{"ProtectControlGroups", "yes"},
		{"ProtectKernelModules", "yes"},
		{"ProtectKernelTunables", "yes"},
	},
	ChrootOnly: nil,
}

// ModeSettings returns the isolation flags for m. Unknown modes get the
// FullAPIVFS set.
func ModeSettings(m Mode) []Setting {
	settings, ok := modeSettings[m]
	if !ok {
		settings = modeSettings[FullAPIVFS]
	}
	return append([]Setting(nil), settings...)
}

// Emit formats directives as the drop-in fragment for svc. Directives are
// written in the order given; the shell link, when enabled, comes last.
func Emit(svc Service, directives []Directive, shell string) *unitfile.Fragment {
	f := &unitfile.Fragment{Unit: svc.UnitName()}
	for _, s := range rootSwitch {
		f.Set(ServiceSection, s.Name, s.Value)
	}
	for _, s := range ModeSettings(svc.Sandbox.Mode) {
		f.Set(ServiceSection, s.Name, s.Value)
	}
	for _, d := range directives {
		f.Set(ServiceSection, bindSetting(d), unitfile.EscapePath(d.Source)+":"+unitfile.EscapePath(d.Dest))
	}
	if svc.Sandbox.WithShellLink && shell != "" {
		f.Set(ServiceSection, "BindReadOnlyPaths", unitfile.EscapePath(shell)+":"+ShellDest)
	}
	return f
}

func bindSetting(d Directive) string {
	if d.ReadOnly {
		return "BindReadOnlyPaths"
	}
	return "BindPaths"
}
