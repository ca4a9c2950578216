// Package soardir resolves soar's on-disk layout: the root directory and
// the fixed set of subdirectories under it, with SOAR_* environment
// overrides taking precedence over the XDG-ish defaults, one override
// per path.
package soardir

import (
	"os"
	"path/filepath"
)

func defaultRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "soar")
	}
	return ".soar"
}

func env(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// Root returns $SOAR_ROOT, or ~/.local/share/soar.
func Root() string {
	return env("SOAR_ROOT", defaultRoot())
}

func BinDir() string {
	return env("SOAR_BIN", filepath.Join(Root(), "bin"))
}

func DBDir() string {
	return env("SOAR_DB", filepath.Join(Root(), "db"))
}

func PackagesDir() string {
	return env("SOAR_PACKAGES", filepath.Join(Root(), "packages"))
}

func CacheDir() string {
	return env("SOAR_CACHE", filepath.Join(Root(), "cache"))
}

func RepositoriesDir() string {
	return env("SOAR_REPOSITORIES", filepath.Join(Root(), "repos"))
}

func PortableDirsDir() string {
	return env("SOAR_PORTABLE_DIRS", filepath.Join(Root(), "portable-dirs"))
}

func ConfigFile() string {
	return env("SOAR_CONFIG", filepath.Join(Root(), "config.toml"))
}

func PackagesConfigFile() string {
	return env("SOAR_PACKAGES_CONFIG", filepath.Join(Root(), "packages.toml"))
}

func StateDBPath() string {
	return filepath.Join(DBDir(), "state.db")
}

func RepoDir(repoName string) string {
	return filepath.Join(RepositoriesDir(), repoName)
}

func RepoDBPath(repoName string) string {
	return filepath.Join(RepoDir(repoName), "metadata.db")
}

func RepoPubkeyPath(repoName string) string {
	return filepath.Join(RepoDir(repoName), "minisign.pub")
}

// EnsureLayout creates every fixed subdirectory under Root(), so callers
// never have to MkdirAll piecemeal before a first write.
func EnsureLayout() error {
	dirs := []string{
		Root(), BinDir(), DBDir(), PackagesDir(), CacheDir(),
		RepositoriesDir(), PortableDirsDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}

func XDGDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return ".local/share"
}

func DesktopDir() string {
	return filepath.Join(XDGDataHome(), "applications")
}

func IconsDir() string {
	return filepath.Join(XDGDataHome(), "icons", "hicolor")
}
