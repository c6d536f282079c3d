// Package dirs provides standard directory resolution for confine.
// Drop-ins go to the runtime unit directories systemd reads at
// daemon-reload, so they vanish on reboot together with the closure
// information they were computed from.
package dirs

import (
	"os"
	"os/user"
	"path/filepath"
)

// SystemUnitDir is the runtime directory for system unit drop-ins.
const SystemUnitDir = "/run/systemd/system"

// UnitDir returns the directory drop-ins are written to.
// Priority: $CONFINE_UNIT_DIR > /run/systemd/system (system manager) >
// $XDG_RUNTIME_DIR/systemd/user > $TMPDIR/confine-$USER/systemd/user
func UnitDir(userManager bool) string {
	if v := os.Getenv("CONFINE_UNIT_DIR"); v != "" {
		return v
	}
	if !userManager {
		return SystemUnitDir
	}
	if base := findRuntimeBase(); base != "" {
		return filepath.Join(base, "systemd", "user")
	}

	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return filepath.Join(os.TempDir(), "confine-"+username, "systemd", "user")
}

// findRuntimeBase finds the user's runtime directory, typically
// /run/user/$UID.
func findRuntimeBase() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}

	currentUser, err := user.Current()
	if err != nil {
		return ""
	}

	candidates := []string{
		filepath.Join("/run/user", currentUser.Uid),
		filepath.Join("/var/run/user", currentUser.Uid),
	}
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
