package install

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const markerFile = "INSTALL_MARKER"

// defaultInstallPatterns is the glob set applied when neither an
// existing record nor the target's configured install patterns supply
// one.
var defaultInstallPatterns = []string{"**"}

// binaryOnlyExcludePatterns are subtracted from defaultInstallPatterns
// when a target's binary_only is set: logs, desktop entries, icons,
// licenses, and checksum sidecars never belong in a binary-only
// install.
var binaryOnlyExcludePatterns = []string{
	"*.log", "*.desktop", "*.png", "*.svg", "LICENSE*", "COPYING*", "*.bsum", "*.sha256",
}

// installDirName computes "{pkg_name}-{pkg_id}-{suffix}". suffix is
// the first 12 hex chars of bsum when present, else of
// sha1(pkg_id:pkg_name:version), so versions without a published
// digest still get a stable directory.
func installDirName(pkgName, pkgID, version, bsum string) string {
	suffix := bsum
	if suffix == "" {
		h := sha1.Sum([]byte(pkgID + ":" + pkgName + ":" + version))
		suffix = fmt.Sprintf("%x", h)
	}
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	return fmt.Sprintf("%s-%s-%s", pkgName, pkgID, suffix)
}

// Marker is the INSTALL_MARKER sidecar identifying which package
// identity currently occupies an install directory, so a partial or
// stale directory can be detected and wiped.
type Marker struct {
	PkgName string `toml:"pkg_name"`
	PkgID   string `toml:"pkg_id"`
	Version string `toml:"version"`
}

func writeMarker(dir string, m Marker) error {
	f, err := os.Create(filepath.Join(dir, markerFile))
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(m)
}

func readMarker(dir string) (*Marker, error) {
	path := filepath.Join(dir, markerFile)
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	var m Marker
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// agrees reports whether a marker matches the target identity about to
// occupy the directory.
func (m *Marker) agrees(pkgName, pkgID, version string) bool {
	return m != nil && m.PkgName == pkgName && m.PkgID == pkgID && m.Version == version
}

// effectiveInstallPatterns: an existing record's patterns win
// outright; otherwise the configured patterns (the default when none
// are configured), plus the binary-only exclusions when requested.
func effectiveInstallPatterns(existingPatterns, configured []string, binaryOnly bool) []string {
	if len(existingPatterns) > 0 {
		return existingPatterns
	}
	base := configured
	if len(base) == 0 {
		base = defaultInstallPatterns
	}
	if !binaryOnly {
		return base
	}
	out := make([]string, 0, len(base)+len(binaryOnlyExcludePatterns))
	out = append(out, base...)
	for _, p := range binaryOnlyExcludePatterns {
		out = append(out, "!"+p)
	}
	return out
}

// wipeStaleDir removes an install directory that either has a pending
// (uncommitted) prior attempt or whose marker disagrees with the
// incoming identity.
func wipeStaleDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(dir)
}
