// Package appdir resolves the on-disk layout of a lingopal profile:
// ~/.lingopal/profiles/<name>/ holds the local database, lock file and logs.
package appdir

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.lingopal.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lingopal")
}

// Dir returns the profile-specific directory.
func Dir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// LockPath returns the lock file path for a profile.
func LockPath(profile string) string {
	return filepath.Join(Dir(profile), "LOCK")
}

// DBPath returns the app-owned lingopal.db path.
func DBPath(profile string) string {
	return filepath.Join(Dir(profile), "lingopal.db")
}

// LogDir returns the log directory for a profile.
func LogDir(profile string) string {
	return filepath.Join(Dir(profile), "logs")
}

// LogPath returns the engine log file path.
func LogPath(profile string) string {
	return filepath.Join(LogDir(profile), "lingod.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(profile string) error {
	dirs := []string{
		Dir(profile),
		LogDir(profile),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
