package resolve

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkgforge-go/soar/internal/download"
)

// FilenameInfo is what a URL/GHCR target's filename grammar yields:
// name, version, and pkg_type extracted from the artifact's basename.
type FilenameInfo struct {
	Name    string
	Version string
	Type    string
}

// versionPattern is the filename version grammar:
// "^name[-_.]v?digits(.digits)*[-_.].*".
var versionPattern = regexp.MustCompile(`^(.+?)[-_.]v?(\d+(?:\.\d+)*)(?:[-_.].*)?$`)

var extToType = map[string]string{
	".appimage":  "appimage",
	".flatimage": "flatimage",
	".runimage":  "runimage",
	".wrappe":    "wrappe",
	".tar":       "archive",
	".tar.gz":    "archive",
	".tgz":       "archive",
	".tar.xz":    "archive",
	".tar.zst":   "archive",
	".zip":       "archive",
}

// ParseFilename extracts name/version/type from an artifact's
// filename:
//
//	soar-0.8.1-x86_64-linux  -> name=soar version=0.8.1
//	app-v2.0.0.AppImage      -> name=app version=2.0.0 type=appimage
//	simple.AppImage          -> name=simple version=unknown
func ParseFilename(filename string) FilenameInfo {
	lower := strings.ToLower(filename)
	pkgType := ""
	stem := filename
	for ext, t := range extToType {
		if strings.HasSuffix(lower, ext) {
			pkgType = t
			stem = filename[:len(filename)-len(ext)]
			break
		}
	}
	if m := versionPattern.FindStringSubmatch(stem); m != nil {
		return FilenameInfo{Name: m[1], Version: m[2], Type: pkgType}
	}
	return FilenameInfo{Name: stem, Version: "unknown", Type: pkgType}
}

// urlTargetFromString builds a local install target from a plain
// http(s) URL: pkg_id is "{host}.{seg1}.{seg2}" of the URL path.
func urlTargetFromString(raw string) (InstallTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return InstallTarget{}, err
	}
	info := ParseFilename(filepath.Base(u.Path))
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	pkgID := u.Host
	for i := 0; i < 2 && i < len(segs); i++ {
		if segs[i] != "" {
			pkgID += "." + segs[i]
		}
	}
	return InstallTarget{
		RepoName:    "local",
		PkgID:       pkgID,
		PkgName:     info.Name,
		Version:     info.Version,
		PkgType:     info.Type,
		DownloadURL: raw,
	}, nil
}

// ghcrTargetFromString builds a local install target from a
// ghcr.io/ns/name[:tag] reference.
func ghcrTargetFromString(raw string) (InstallTarget, error) {
	ref, err := download.ParseReference(raw)
	if err != nil {
		return InstallTarget{}, err
	}
	return InstallTarget{
		RepoName: "local",
		PkgID:    ref.PkgID(),
		PkgName:  ref.Name,
		Version:  strings.TrimPrefix(ref.Tag, "v"),
		GhcrPkg:  raw,
	}, nil
}

func looksLikeURL(q string) bool {
	return strings.HasPrefix(q, "http://") || strings.HasPrefix(q, "https://")
}

func looksLikeGHCR(q string) bool {
	return strings.HasPrefix(q, "ghcr.io/")
}
