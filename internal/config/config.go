// Package config loads soar's main config.toml: profiles, repositories,
// path overrides, sync intervals, parallel limits, search limits, and
// the global verification/desktop-integration toggles. It
// follows a project.Config-style pattern (BurntSushi/toml decode
// with post-load default-filling) generalized from a single-project file
// to the process-wide config.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Repository struct {
	Name            string `toml:"name"`
	URL             string `toml:"url"`
	PubkeyURL       string `toml:"pubkey_url"`
	SyncInterval    string `toml:"sync_interval"`
	Enabled         bool   `toml:"enabled"`
	Nest            bool   `toml:"nest"`
	VerifySignature bool   `toml:"verify_signature"`
}

type ProfileConfig struct {
	Root string `toml:"root"`
}

type Config struct {
	DefaultProfile     string                   `toml:"default_profile"`
	Profiles           map[string]ProfileConfig `toml:"profiles"`
	Repositories       []Repository             `toml:"repositories"`
	ParallelLimit      int                      `toml:"parallel_limit"`
	GHCRConcurrency    int                      `toml:"ghcr_concurrency"`
	SearchLimit        int                      `toml:"search_limit"`
	VerifySignatures   bool                     `toml:"verify_signatures"`
	DesktopIntegration bool                     `toml:"desktop_integration"`
	NestRepositories   []Repository             `toml:"nest_repositories"`
	NestSyncInterval   string                   `toml:"nest_sync_interval"`
}

func Default() Config {
	return Config{
		DefaultProfile: "default",
		Profiles: map[string]ProfileConfig{
			"default": {},
		},
		Repositories: []Repository{
			{
				Name:            "bincache",
				URL:             "https://meta.pkgforge.dev/bincache/metadata.db.zst",
				SyncInterval:    "3h",
				Enabled:         true,
				VerifySignature: true,
			},
		},
		ParallelLimit:      4,
		GHCRConcurrency:    8,
		SearchLimit:        50,
		VerifySignatures:   true,
		DesktopIntegration: true,
		NestSyncInterval:   "24h",
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	// Decode into a fresh struct so TOML arrays (Repositories) fully
	// replace the defaults instead of merging with them.
	var fileCfg Config
	if _, err := toml.DecodeFile(path, &fileCfg); err != nil {
		return Config{}, err
	}
	mergeDefaults(&fileCfg, cfg)
	return fileCfg, nil
}

func mergeDefaults(dst *Config, defaults Config) {
	if dst.DefaultProfile == "" {
		dst.DefaultProfile = defaults.DefaultProfile
	}
	if dst.Profiles == nil {
		dst.Profiles = defaults.Profiles
	}
	if len(dst.Repositories) == 0 {
		dst.Repositories = defaults.Repositories
	}
	if dst.ParallelLimit <= 0 {
		dst.ParallelLimit = defaults.ParallelLimit
	}
	if dst.GHCRConcurrency <= 0 {
		dst.GHCRConcurrency = defaults.GHCRConcurrency
	}
	if dst.SearchLimit <= 0 {
		dst.SearchLimit = defaults.SearchLimit
	}
	if dst.NestSyncInterval == "" {
		dst.NestSyncInterval = defaults.NestSyncInterval
	}
}

func Save(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// ParseSyncInterval turns a repository's sync_interval string into a
// resolved policy. "always" and "never" are sentinel policies; "auto"
// and the empty string mean SyncAuto with a one-hour interval; any other
// value is parsed with time.ParseDuration (e.g. "3h").
type SyncPolicy int

const (
	SyncAlways SyncPolicy = iota
	SyncNever
	SyncAuto
)

func ParseSyncInterval(raw string) (SyncPolicy, time.Duration, error) {
	switch raw {
	case "always":
		return SyncAlways, 0, nil
	case "never":
		return SyncNever, 0, nil
	case "", "auto":
		return SyncAuto, time.Hour, nil
	default:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return SyncAuto, 0, err
		}
		return SyncAuto, d, nil
	}
}

func (c Config) ProfileRoot(name string) string {
	if name == "" {
		name = c.DefaultProfile
	}
	if p, ok := c.Profiles[name]; ok && p.Root != "" {
		return p.Root
	}
	return ""
}

// SignatureVerificationFor reports whether artifacts from the named
// repository should have their minisign signatures checked: the global
// verify_signatures toggle gates the per-repository flag, and a
// repository the config doesn't know (e.g. "local") is never checked.
func (c Config) SignatureVerificationFor(repoName string) bool {
	if !c.VerifySignatures {
		return false
	}
	repo, ok := c.RepoByName(repoName)
	if !ok {
		return false
	}
	return repo.VerifySignature
}

func (c Config) RepoByName(name string) (Repository, bool) {
	for _, r := range c.Repositories {
		if r.Name == name {
			return r, true
		}
	}
	for _, r := range c.NestRepositories {
		if "nest-"+r.Name == name || r.Name == name {
			return r, true
		}
	}
	return Repository{}, false
}
