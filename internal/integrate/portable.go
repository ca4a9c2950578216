package integrate

import (
	"os"
	"path/filepath"
)

// Kind is the format-specific integration path a package takes,
// sniffed from the installed binary's bytes.
type Kind int

const (
	KindNone Kind = iota
	KindAppImage
	KindRunImage
	KindFlatImage
	KindWrappe
)

// PortablePaths is the resolved set of portable directories passed to
// UpsertPortable and used to construct the per-format symlinks.
type PortablePaths struct {
	Home   string
	Config string
	Share  string
	Cache  string
}

// ResolvePortable expands packages.toml's portable{path,home,config,
// share,cache} shape: a bare `path` implies all four sub-paths live
// under it; an empty string for any individual field means "use the
// default portable base" (base/<field>).
func ResolvePortable(base, home, config, share, cache, defaultBase string) PortablePaths {
	resolve := func(explicit string) string {
		if explicit != "" {
			return explicit
		}
		if base != "" {
			return base
		}
		return defaultBase
	}
	return PortablePaths{
		Home:   filepath.Join(resolve(home), "home"),
		Config: filepath.Join(resolve(config), "config"),
		Share:  filepath.Join(resolve(share), "share"),
		Cache:  filepath.Join(resolve(cache), "cache"),
	}
}

// SetupPortableDirs creates the portable directories and, for
// AppImage/RunImage/Wrappe, drops the sibling ".home"/".config" marker
// files next to the binary that those formats look for; FlatImage uses
// its own embedded portable-dir convention (a directory suffixed
// ".config" next to the image).
func SetupPortableDirs(kind Kind, binaryPath string, paths PortablePaths) error {
	for _, dir := range []string{paths.Home, paths.Config, paths.Share, paths.Cache} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	switch kind {
	case KindAppImage, KindRunImage, KindWrappe:
		return linkSiblingMarkers(binaryPath, paths)
	case KindFlatImage:
		return linkFlatImageConfig(binaryPath, paths)
	default:
		return nil
	}
}

// linkSiblingMarkers symlinks "<binary>.home" -> paths.Home and
// "<binary>.config" -> paths.Config, the convention AppImage/RunImage/
// Wrappe runtimes scan for next to the executable.
func linkSiblingMarkers(binaryPath string, paths PortablePaths) error {
	if paths.Home != "" {
		if err := relink(binaryPath+".home", paths.Home); err != nil {
			return err
		}
	}
	if paths.Config != "" {
		if err := relink(binaryPath+".config", paths.Config); err != nil {
			return err
		}
	}
	return nil
}

func linkFlatImageConfig(binaryPath string, paths PortablePaths) error {
	if paths.Config == "" {
		return nil
	}
	return relink(binaryPath+".config", paths.Config)
}

func relink(link, target string) error {
	_ = os.Remove(link)
	return os.Symlink(target, link)
}

// DetectKind sniffs the installed binary for the format-specific magic
// each runtime embeds, falling back to KindNone for plain static
// binaries and archives.
func DetectKind(path string) Kind {
	f, err := os.Open(path)
	if err != nil {
		return KindNone
	}
	defer f.Close()

	head := make([]byte, 4096)
	n, _ := f.Read(head)
	head = head[:n]

	switch {
	case containsAll(head, "AppImage"):
		return KindAppImage
	case containsAll(head, "RunImage"):
		return KindRunImage
	case containsAll(head, "FlatImage"):
		return KindFlatImage
	case containsAll(head, "wrappe"):
		return KindWrappe
	default:
		return KindNone
	}
}

func containsAll(haystack []byte, needle string) bool {
	return len(needle) > 0 && indexOf(haystack, needle) >= 0
}

func indexOf(haystack []byte, needle string) int {
	n := len(needle)
	for i := 0; i+n <= len(haystack); i++ {
		if string(haystack[i:i+n]) == needle {
			return i
		}
	}
	return -1
}
