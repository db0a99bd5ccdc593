// Package initsystem writes and removes the boot-time autostart unit for
// the provand daemon itself, as spec.md §6 describes for the "startup"/
// "unstartup" control-plane actions: a single LaunchAgent plist on
// macOS (~/Library/LaunchAgents/io.provand.plist), a single systemd user
// unit on Linux (~/.config/systemd/user/provand.service). It is new
// relative to the teacher, which has no equivalent of persisting
// boot-time autostart outside its own daemon PID file, but follows the
// teacher's habit (cmd/provisr/daemon.go) of building the invocation
// command line from os.Executable().
package initsystem

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Install writes a platform-appropriate unit file that re-launches the
// provand daemon at boot against dataDir; the daemon's own Boot sequence
// resumes every entry last seen running from its Snapshot, so the unit
// file names no individual entry.
func Install(exe, dataDir string) error {
	switch runtime.GOOS {
	case "darwin":
		return installLaunchd(exe, dataDir)
	case "linux":
		return installSystemd(exe, dataDir)
	default:
		return fmt.Errorf("initsystem: unsupported platform %s", runtime.GOOS)
	}
}

// Uninstall removes the unit file Install wrote; it returns an error if
// that file does not exist.
func Uninstall() error {
	switch runtime.GOOS {
	case "darwin":
		return os.Remove(launchdPath())
	case "linux":
		return os.Remove(systemdPath())
	default:
		return fmt.Errorf("initsystem: unsupported platform %s", runtime.GOOS)
	}
}

func launchdPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", "io.provand.plist")
}

func installLaunchd(exe, dataDir string) error {
	path := launchdPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	plist := fmt.Sprintf(launchdTemplate, exe, dataDir)
	return os.WriteFile(path, []byte(plist), 0o644)
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>io.provand</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
		<string>--data-dir</string>
		<string>%s</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
</dict>
</plist>
`

func systemdPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", "provand.service")
}

func installSystemd(exe, dataDir string) error {
	path := systemdPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	unit := fmt.Sprintf(systemdTemplate, exe, dataDir)
	return os.WriteFile(path, []byte(unit), 0o644)
}

const systemdTemplate = `[Unit]
Description=provand process supervisor daemon

[Service]
Type=simple
ExecStart=%[1]s --data-dir %[2]s
Restart=always

[Install]
WantedBy=default.target
`
