// Package desired models packages.toml, the declarative desired-set
// config consumed by the Reconciler.
package desired

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Defaults struct {
	Profile         string   `toml:"profile"`
	BinaryOnly      bool     `toml:"binary_only"`
	InstallPatterns []string `toml:"install_patterns"`
}

type Portable struct {
	Path   string `toml:"path,omitempty"`
	Home   string `toml:"home,omitempty"`
	Config string `toml:"config,omitempty"`
	Share  string `toml:"share,omitempty"`
	Cache  string `toml:"cache,omitempty"`
}

// Spec is a single declared package entry. A bare version string in TOML
// (`name = "1.2.3"`) decodes as Version with every other field zero;
// `name = "*"` means "latest".
type Spec struct {
	PkgID             string   `toml:"pkg_id,omitempty"`
	Version           string   `toml:"version,omitempty"`
	Repo              string   `toml:"repo,omitempty"`
	URL               string   `toml:"url,omitempty"`
	GitHub            string   `toml:"github,omitempty"`
	GitLab            string   `toml:"gitlab,omitempty"`
	AssetPattern      string   `toml:"asset_pattern,omitempty"`
	TagPattern        string   `toml:"tag_pattern,omitempty"`
	IncludePrerelease bool     `toml:"include_prerelease,omitempty"`
	VersionCommand    string   `toml:"version_command,omitempty"`
	PkgType           string   `toml:"pkg_type,omitempty"`
	Entrypoint        string   `toml:"entrypoint,omitempty"`
	Binaries          []Binary `toml:"binaries,omitempty"`
	NestedExtract     bool     `toml:"nested_extract,omitempty"`
	ExtractRoot       string   `toml:"extract_root,omitempty"`
	Pinned            bool     `toml:"pinned,omitempty"`
	Profile           string   `toml:"profile,omitempty"`
	Portable          Portable `toml:"portable"`
	InstallPatterns   []string `toml:"install_patterns,omitempty"`
	BinaryOnly        bool     `toml:"binary_only,omitempty"`
	Hooks             Hooks    `toml:"hooks"`
	Build             string   `toml:"build,omitempty"`
	Sandbox           bool     `toml:"sandbox,omitempty"`
}

type Binary struct {
	Source string `toml:"source"`
	Rename string `toml:"rename"`
}

type Hooks struct {
	PreInstall  string `toml:"pre_install,omitempty"`
	PostInstall string `toml:"post_install,omitempty"`
	PreRemove   string `toml:"pre_remove,omitempty"`
	PostRemove  string `toml:"post_remove,omitempty"`
}

// IsReleaseSourced reports whether this entry resolves through a
// release-resolver source rather than a catalog lookup.
func (s Spec) IsReleaseSourced() bool {
	return s.GitHub != "" || s.GitLab != "" || s.VersionCommand != "" || s.URL != ""
}

// IsPinnedAlways reports whether this entry is always pinned: "URL/
// release-sourced packages are always pinned".
func (s Spec) IsPinnedAlways() bool {
	return s.IsReleaseSourced()
}

type Set struct {
	Defaults Defaults        `toml:"defaults"`
	Packages map[string]Spec `toml:"packages"`
}

// rawSet lets packages decode either as a bare version string or as a
// full Spec table, matching packages.toml's union shape.
type rawSet struct {
	Defaults Defaults                  `toml:"defaults"`
	Packages map[string]toml.Primitive `toml:"packages"`
}

func Load(path string) (Set, error) {
	var raw rawSet
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Set{}, err
	}

	out := Set{Defaults: raw.Defaults, Packages: map[string]Spec{}}
	for name, prim := range raw.Packages {
		var asString string
		if err := md.PrimitiveDecode(prim, &asString); err == nil {
			version := asString
			if version == "*" {
				version = ""
			}
			out.Packages[name] = Spec{Version: version}
			continue
		}
		var asSpec Spec
		if err := md.PrimitiveDecode(prim, &asSpec); err != nil {
			return Set{}, err
		}
		if asSpec.Version == "*" {
			asSpec.Version = ""
		}
		out.Packages[name] = asSpec
	}
	return out, nil
}

// WriteBackVersion rewrites a single package's resolved version (and
// optionally URL) in the declarative file in place, used
// by the Updater for release/URL-sourced packages.
func WriteBackVersion(path, name, version, url string) error {
	set, err := loadForWrite(path)
	if err != nil {
		return err
	}
	spec, ok := set.Packages[name]
	if !ok {
		spec = Spec{}
	}
	spec.Version = version
	if url != "" {
		spec.URL = url
	}
	set.Packages[name] = spec
	return save(path, set)
}

func loadForWrite(path string) (Set, error) {
	set, err := Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Set{Packages: map[string]Spec{}}, nil
		}
		return Set{}, err
	}
	return set, nil
}

func save(path string, set Set) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(set)
}
