// ABOUTME: Standard filesystem paths for sg-nvim configuration, credentials, and logs
// ABOUTME: Resolves ~/.sg-nvim/ for global and .sg-nvim/ for project-local paths

package config

import (
	"os"
	"path/filepath"
)

const (
	globalDirName  = ".sg-nvim"
	projectDirName = ".sg-nvim"
)

// settingsNames are tried in order; the first existing file in a directory wins.
var settingsNames = []string{"settings.jsonc", "settings.json", "settings.yaml", "settings.yml"}

// GlobalDir returns the user-global config directory (~/.sg-nvim/).
func GlobalDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", globalDirName)
	}
	return filepath.Join(home, globalDirName)
}

// ProjectDir returns the project-local config directory (.sg-nvim/ in root).
func ProjectDir(projectRoot string) string {
	return filepath.Join(projectRoot, projectDirName)
}

// CredentialsFile returns the path to the stored endpoint and access token.
func CredentialsFile() string {
	return filepath.Join(GlobalDir(), "credentials.json")
}

// LogFile returns the default backend log path.
func LogFile() string {
	return filepath.Join(GlobalDir(), "sg-nvim-agent.log")
}

// SettingsFile returns the settings file in dir, or the preferred name
// (settings.jsonc) when none exists.
func SettingsFile(dir string) string {
	for _, name := range settingsNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, settingsNames[0])
}

// SettingsCandidates returns every settings path Load may read, global
// first. Used by the watcher so a newly created file is noticed.
func SettingsCandidates(projectRoot string) []string {
	dirs := []string{GlobalDir()}
	if projectRoot != "" {
		dirs = append(dirs, ProjectDir(projectRoot))
	}
	var paths []string
	for _, d := range dirs {
		for _, name := range settingsNames {
			paths = append(paths, filepath.Join(d, name))
		}
	}
	return paths
}

// EnsureDir creates a directory and all parents if they don't exist.
// Uses 0o700 since the directory holds credentials.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o700)
}
