package integrate

import (
	"os"
	"path/filepath"
	"strings"
)

// Result lists the desktop and icon symlinks DesktopIntegrate created.
type Result struct {
	DesktopFiles []string // linked paths under $XDG_DATA_HOME/applications
	IconFiles    []string // linked paths under the hicolor icon theme
}

// DesktopIntegrate walks installDir for .desktop/.png/.svg files,
// rewriting and symlinking each. binPath is the
// bin-dir symlink path the rewritten Exec/TryExec lines should point
// at; desktopDir/iconsRoot are soardir.DesktopDir()/soardir.IconsDir().
func DesktopIntegrate(installDir, binPath, desktopDir, iconsRoot, cacheDir string) (Result, error) {
	var result Result

	var iconName string
	err := filepath.WalkDir(installDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.EqualFold(filepath.Ext(path), ".png") || strings.EqualFold(filepath.Ext(path), ".svg") {
			stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			resized, dim, nerr := NormalizeIcon(path, cacheDir, stem)
			if nerr != nil {
				return nil // unreadable icon is non-fatal; skip it
			}
			linkDir := IconLinkDir(iconsRoot, dim)
			link := filepath.Join(linkDir, stem+"-soar"+filepath.Ext(resized))
			if err := os.MkdirAll(linkDir, 0755); err != nil {
				return err
			}
			if err := relink(link, resized); err != nil {
				return err
			}
			result.IconFiles = append(result.IconFiles, link)
			if iconName == "" {
				iconName = strings.TrimSuffix(filepath.Base(link), filepath.Ext(link))
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	err = filepath.WalkDir(installDir, func(path string, d os.DirEntry, derr error) error {
		if derr != nil || d.IsDir() {
			return derr
		}
		if !strings.EqualFold(filepath.Ext(path), ".desktop") {
			return nil
		}
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		link := filepath.Join(desktopDir, DesktopLinkName(stem))
		rewritten := link + ".src"
		if err := RewriteDesktopFile(path, rewritten, binPath, iconName); err != nil {
			return err
		}
		if err := os.MkdirAll(desktopDir, 0755); err != nil {
			return err
		}
		if err := relink(link, rewritten); err != nil {
			return err
		}
		result.DesktopFiles = append(result.DesktopFiles, link)
		return nil
	})
	return result, err
}

// Unlink removes every desktop/icon symlink recorded in a Result.
func Unlink(r Result) {
	for _, p := range r.DesktopFiles {
		_ = os.Remove(p)
	}
	for _, p := range r.IconFiles {
		_ = os.Remove(p)
	}
}
