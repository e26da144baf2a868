// Package paths resolves sandterm's XDG base directories.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appName = "sandterm"

// ConfigDir returns $XDG_CONFIG_HOME/sandterm or ~/.config/sandterm.
func ConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// StateDir returns $XDG_STATE_HOME/sandterm or ~/.local/state/sandterm.
func StateDir() (string, error) {
	return xdgDir("XDG_STATE_HOME", ".local", "state")
}

// TLSDir holds the CA and server certificate written by `sandterm tls init`.
func TLSDir() (string, error) {
	return subdir(ConfigDir, "tls")
}

// TSNetStateDir holds the tailnet node identity for tsnet:// listeners.
func TSNetStateDir() (string, error) {
	return subdir(StateDir, "tsnet")
}

func subdir(base func() (string, error), name string) (string, error) {
	dir, err := base()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// xdgDir resolves env, falling back to a directory under $HOME. Relative
// values are ignored, as the XDG base directory rules require.
func xdgDir(env string, homeRel ...string) (string, error) {
	if base := strings.TrimSpace(os.Getenv(env)); base != "" && filepath.IsAbs(base) {
		return filepath.Join(base, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", env, err)
	}
	parts := append([]string{home}, homeRel...)
	return filepath.Join(append(parts, appName)...), nil
}
