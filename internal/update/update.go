// Package update implements the Updater: per-package
// newer-version discovery across the catalog or a declared release
// source, reuse of the Installer for the new version, and old-version
// cleanup.
package update

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkgforge-go/soar/internal/catalogdb"
	"github.com/pkgforge-go/soar/internal/desired"
	"github.com/pkgforge-go/soar/internal/events"
	"github.com/pkgforge-go/soar/internal/install"
	"github.com/pkgforge-go/soar/internal/release"
	"github.com/pkgforge-go/soar/internal/resolve"
	"github.com/pkgforge-go/soar/internal/statedb"
)

// Outcome is the per-package update-check verdict.
type Outcome int

const (
	Available Outcome = iota
	UpToDate
	Skipped
)

// CheckResult is the per-package outcome of an update check.
type CheckResult struct {
	Pkg        statedb.InstalledPackage
	Outcome    Outcome
	SkipReason string
	NewVersion string
	Target     install.Target
}

// Updater checks installed packages for newer versions and reuses the
// Installer to apply them.
type Updater struct {
	State     *statedb.Store
	Catalogs  catalogdb.Set
	Installer *install.Installer
	Bus       *events.Bus
	KeepOld   bool
}

func New(state *statedb.Store, catalogs catalogdb.Set, inst *install.Installer, bus *events.Bus, keepOld bool) *Updater {
	if bus == nil {
		bus = events.NewBus(nil)
	}
	return &Updater{State: state, Catalogs: catalogs, Installer: inst, Bus: bus, KeepOld: keepOld}
}

// Check evaluates one installed package against its catalog repo (or,
// for repo_name="local", the declared release source) and reports
// whether a newer version exists.
func (u *Updater) Check(ctx context.Context, pkg statedb.InstalledPackage, localSource *desired.Spec) (CheckResult, error) {
	opID := u.Bus.NextOpID()

	if pkg.RepoName == "local" {
		return u.checkLocal(ctx, opID, pkg, localSource)
	}
	return u.checkCatalog(opID, pkg)
}

func (u *Updater) checkCatalog(opID uint64, pkg statedb.InstalledPackage) (CheckResult, error) {
	store, ok := u.Catalogs[pkg.RepoName]
	if !ok {
		return u.skip(opID, pkg, "repository no longer enabled"), nil
	}
	newer, err := store.FindNewerVersion(pkg.PkgName, pkg.PkgID, pkg.Version)
	if err != nil {
		return CheckResult{}, err
	}
	if newer == nil {
		u.Bus.Emit(events.Event{OpID: opID, Kind: events.KindUpdateCheck, PkgName: pkg.PkgName, UpdateCheckStage: events.UpdateUpToDate})
		return CheckResult{Pkg: pkg, Outcome: UpToDate}, nil
	}
	u.Bus.Emit(events.Event{OpID: opID, Kind: events.KindUpdateCheck, PkgName: pkg.PkgName, UpdateCheckStage: events.UpdateAvailable})
	target := install.Target{InstallTarget: catalogTarget(*newer)}
	return CheckResult{Pkg: pkg, Outcome: Available, NewVersion: newer.Version, Target: target}, nil
}

func (u *Updater) checkLocal(ctx context.Context, opID uint64, pkg statedb.InstalledPackage, spec *desired.Spec) (CheckResult, error) {
	if spec == nil {
		return u.skip(opID, pkg, "no declared release source for local package"), nil
	}
	src := release.Source{
		GitHub: spec.GitHub, GitLab: spec.GitLab, VersionCommand: spec.VersionCommand,
		URL: spec.URL, AssetPattern: spec.AssetPattern, TagPattern: spec.TagPattern,
		IncludePrerelease: spec.IncludePrerelease,
	}
	resolved, err := src.Resolve(ctx)
	if err != nil {
		return u.skip(opID, pkg, err.Error()), nil
	}
	if !release.IsNewer(resolved.Version, pkg.Version) {
		u.Bus.Emit(events.Event{OpID: opID, Kind: events.KindUpdateCheck, PkgName: pkg.PkgName, UpdateCheckStage: events.UpdateUpToDate})
		return CheckResult{Pkg: pkg, Outcome: UpToDate}, nil
	}
	u.Bus.Emit(events.Event{OpID: opID, Kind: events.KindUpdateCheck, PkgName: pkg.PkgName, UpdateCheckStage: events.UpdateAvailable})
	target := install.Target{
		InstallTarget: resolve.InstallTarget{
			RepoName: "local", PkgID: pkg.PkgID, PkgName: pkg.PkgName,
			Version: resolved.Version, DownloadURL: resolved.DownloadURL, Size: resolved.Size,
		},
		Entrypoint: spec.Entrypoint, Binaries: spec.Binaries, BinaryOnly: spec.BinaryOnly,
		InstallPatterns: spec.InstallPatterns, Hooks: spec.Hooks, Sandbox: spec.Sandbox,
	}
	return CheckResult{Pkg: pkg, Outcome: Available, NewVersion: resolved.Version, Target: target}, nil
}

func (u *Updater) skip(opID uint64, pkg statedb.InstalledPackage, reason string) CheckResult {
	u.Bus.Emit(events.Event{OpID: opID, Kind: events.KindUpdateCheck, PkgName: pkg.PkgName, UpdateCheckStage: events.UpdateSkipped, SkipReason: reason})
	return CheckResult{Pkg: pkg, Outcome: Skipped, SkipReason: reason}
}

// Apply installs every Available result's target via the Installer and
// then, unless KeepOld, removes now-superseded version directories.
func (u *Updater) Apply(ctx context.Context, results []CheckResult) (*install.Report, error) {
	var targets []install.Target
	for _, r := range results {
		if r.Outcome == Available {
			targets = append(targets, r.Target)
		}
	}
	if len(targets) == 0 {
		return &install.Report{Failed: map[string]error{}, Warnings: map[string]string{}}, nil
	}
	report, err := u.Installer.Install(ctx, targets)
	if err != nil {
		return report, err
	}

	if !u.KeepOld {
		for _, r := range results {
			if r.Outcome != Available || !contains(report.Installed, r.Target.PkgName) {
				continue
			}
			u.cleanupOldVersions(r.Pkg.RepoName, r.Pkg.PkgID, r.Pkg.PkgName)
		}
	}
	return report, nil
}

// cleanupOldVersions keeps the newest installed row by surrogate id for
// (repo, pkgID, pkgName), deleting the rest and their directories,
// honoring pinned rows.
func (u *Updater) cleanupOldVersions(repo, pkgID, pkgName string) {
	opID := u.Bus.NextOpID()
	u.Bus.Emit(events.Event{OpID: opID, Kind: events.KindUpdateCleanup, PkgName: pkgName, UpdateCleanupStage: events.CleanupRemoving})
	ids, paths, err := u.State.GetOldPackagePaths(repo, pkgID, pkgName, false)
	if err != nil || len(ids) == 0 {
		u.Bus.Emit(events.Event{OpID: opID, Kind: events.KindUpdateCleanup, PkgName: pkgName, UpdateCleanupStage: events.CleanupKept})
		return
	}
	var freed int64
	for _, p := range paths {
		if size, derr := dirSize(p); derr == nil {
			freed += size
		}
		_ = os.RemoveAll(p)
	}
	if err := u.State.DeleteOldPackages(ids); err != nil {
		return
	}
	u.Bus.Emit(events.Event{OpID: opID, Kind: events.KindUpdateCleanup, PkgName: pkgName, UpdateCleanupStage: events.CleanupComplete, SizeFreed: freed})
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func catalogTarget(p catalogdb.Package) resolve.InstallTarget {
	t := resolve.InstallTarget{
		RepoName: p.RepoName, PkgID: p.PkgID, PkgName: p.PkgName, Version: p.Version, Size: p.Size,
	}
	if p.DownloadURL != nil {
		t.DownloadURL = *p.DownloadURL
	}
	if p.GhcrPkg != nil {
		t.GhcrPkg = *p.GhcrPkg
	}
	if p.PkgType != nil {
		t.PkgType = *p.PkgType
	}
	if p.Bsum != nil {
		t.Bsum = *p.Bsum
	}
	t.Provides = p.Provides()
	return t
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if info, ierr := d.Info(); ierr == nil {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
