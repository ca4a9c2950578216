// Package apply implements the Reconciler: it diffs a
// declarative desired set (packages.toml) against catalog and state,
// drives the Installer/Remover for whatever has drifted, and writes
// resolved versions back for entries that were declared loosely (a
// bare version of "*" or no version at all).
package apply

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkgforge-go/soar/internal/catalogdb"
	"github.com/pkgforge-go/soar/internal/desired"
	"github.com/pkgforge-go/soar/internal/events"
	"github.com/pkgforge-go/soar/internal/install"
	"github.com/pkgforge-go/soar/internal/release"
	"github.com/pkgforge-go/soar/internal/remove"
	"github.com/pkgforge-go/soar/internal/resolve"
	"github.com/pkgforge-go/soar/internal/statedb"
)

// Outcome classifies one declared package against the current system
// state.
type Outcome int

const (
	InSync Outcome = iota
	ToInstall
	ToUpdate
	ToRemove
)

func (o Outcome) String() string {
	switch o {
	case InSync:
		return "in_sync"
	case ToInstall:
		return "to_install"
	case ToUpdate:
		return "to_update"
	case ToRemove:
		return "to_remove"
	default:
		return "unknown"
	}
}

// Decision is the diff outcome for a single declared (or, for prune,
// installed-but-undeclared) package.
type Decision struct {
	Outcome Outcome
	Reason  string

	Target  install.Target            // valid for ToInstall/ToUpdate
	Removal *statedb.InstalledPackage // valid for ToRemove

	// PendingVersion/PendingURL are non-empty when a loosely-declared
	// entry (no explicit version, or "*") resolved to a concrete
	// version that differs from the literal in packages.toml; these are
	// written back to the desired set after a successful apply.
	PendingVersion string
	PendingURL     string
}

// DecisionRecord pairs a Decision with the declared package name it
// applies to.
type DecisionRecord struct {
	Name string
	Decision
}

// Options configures a reconcile run.
type Options struct {
	Prune    bool
	DryRun   bool
	NoVerify bool
}

// Report summarizes one reconcile run.
type Report struct {
	Decisions     []DecisionRecord
	InstallReport *install.Report
	RemoveErrors  map[string]error
}

// Reconciler computes and (unless dry-run) executes the diff between a
// desired.Set and the live system.
type Reconciler struct {
	State        *statedb.Store
	Catalogs     catalogdb.Set
	Installer    *install.Installer
	Remover      *remove.Remover
	Bus          *events.Bus
	Opts         Options
	PackagesPath string // packages.toml path, for pending-version write-back
}

func New(state *statedb.Store, catalogs catalogdb.Set, inst *install.Installer, rem *remove.Remover, bus *events.Bus, packagesPath string, opts Options) *Reconciler {
	if bus == nil {
		bus = events.NewBus(nil)
	}
	return &Reconciler{State: state, Catalogs: catalogs, Installer: inst, Remover: rem, Bus: bus, Opts: opts, PackagesPath: packagesPath}
}

// Plan computes the diff without mutating anything.
func (r *Reconciler) Plan(ctx context.Context, set desired.Set) ([]DecisionRecord, error) {
	var decisions []DecisionRecord
	total := len(set.Packages)
	done := 0
	opID := r.Bus.NextOpID()

	for name, spec := range set.Packages {
		var d Decision
		var err error
		if spec.IsReleaseSourced() {
			d, err = r.planLocal(ctx, name, spec)
		} else {
			d, err = r.planCatalog(name, spec)
		}
		if err != nil {
			d = Decision{Outcome: InSync, Reason: err.Error()}
		}
		decisions = append(decisions, DecisionRecord{Name: name, Decision: d})
		done++
		r.Bus.Emit(events.Event{OpID: opID, Kind: events.KindBatchProgress, BatchDone: done, BatchTotal: total})
	}

	if r.Opts.Prune {
		pruned, err := r.planPrune(set)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, pruned...)
	}
	return decisions, nil
}

// planLocal handles a release-sourced declared entry (github/gitlab/
// version_command/url), which installs under repo_name "local".
func (r *Reconciler) planLocal(ctx context.Context, name string, spec desired.Spec) (Decision, error) {
	pkgID := spec.PkgID
	if pkgID == "" {
		pkgID = localPkgID(name, spec)
	}
	repo := "local"
	installedTrue := true
	current, err := findOne(r.State, statedb.ListFilteredOptions{Repo: &repo, Name: &name, PkgID: &pkgID, IsInstalled: &installedTrue})
	if err != nil {
		return Decision{}, err
	}

	if current != nil && spec.Version != "" && normalizeVersion(current.Version) == normalizeVersion(spec.Version) {
		return Decision{Outcome: InSync}, nil
	}

	src := release.Source{
		GitHub: spec.GitHub, GitLab: spec.GitLab, VersionCommand: spec.VersionCommand,
		URL: spec.URL, AssetPattern: spec.AssetPattern, TagPattern: spec.TagPattern,
		IncludePrerelease: spec.IncludePrerelease,
	}
	resolved, err := src.Resolve(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve %s: %w", name, err)
	}

	d := Decision{}
	if current != nil && normalizeVersion(current.Version) == normalizeVersion(resolved.Version) {
		d.Outcome = InSync
		if spec.Version == "" || normalizeVersion(spec.Version) != normalizeVersion(resolved.Version) {
			d.PendingVersion = resolved.Version
			d.PendingURL = resolved.DownloadURL
		}
		return d, nil
	}

	target := install.Target{
		InstallTarget: resolve.InstallTarget{
			RepoName: "local", PkgID: pkgID, PkgName: name,
			Version: resolved.Version, DownloadURL: resolved.DownloadURL, Size: resolved.Size,
		},
		Entrypoint: spec.Entrypoint, Binaries: spec.Binaries, BinaryOnly: spec.BinaryOnly,
		InstallPatterns: spec.InstallPatterns, Hooks: spec.Hooks, Sandbox: spec.Sandbox,
		NoVerify: r.Opts.NoVerify,
	}
	d.Target = target
	d.PendingVersion = resolved.Version
	d.PendingURL = resolved.DownloadURL
	if current != nil {
		d.Outcome = ToUpdate
	} else {
		d.Outcome = ToInstall
	}
	return d, nil
}

// planCatalog handles a catalog-resolved declared entry.
func (r *Reconciler) planCatalog(name string, spec desired.Spec) (Decision, error) {
	var pkgIDFilter, versionFilter *string
	if spec.PkgID != "" {
		pkgIDFilter = &spec.PkgID
	}
	if spec.Version != "" {
		versionFilter = &spec.Version
	}
	namePtr := &name

	var pkgs []catalogdb.Package
	var err error
	if spec.Repo != "" {
		store, ok := r.Catalogs[spec.Repo]
		if !ok {
			return Decision{}, fmt.Errorf("%s: repository %q not enabled", name, spec.Repo)
		}
		pkgs, err = store.FindFiltered(catalogdb.FindFilteredOptions{Name: namePtr, PkgID: pkgIDFilter, Version: versionFilter, Limit: 1})
		if err == nil {
			for i := range pkgs {
				pkgs[i].RepoName = spec.Repo
			}
		}
	} else {
		pkgs, err = r.Catalogs.QueryAllFlat(func(s *catalogdb.Store) ([]catalogdb.Package, error) {
			return s.FindFiltered(catalogdb.FindFilteredOptions{Name: namePtr, PkgID: pkgIDFilter, Version: versionFilter, Limit: 1})
		})
	}
	if err != nil {
		return Decision{}, err
	}
	if len(pkgs) == 0 {
		return Decision{}, fmt.Errorf("%s: no matching catalog package", name)
	}
	pkg := pkgs[0]

	installedTrue := true
	current, err := findOne(r.State, statedb.ListFilteredOptions{Name: &name, PkgID: &pkg.PkgID, Repo: &pkg.RepoName, IsInstalled: &installedTrue})
	if err != nil {
		return Decision{}, err
	}

	d := Decision{}
	if current == nil {
		d.Outcome = ToInstall
		d.Target = install.Target{InstallTarget: catalogInstallTarget(pkg), NoVerify: r.Opts.NoVerify}
		return d, nil
	}
	if normalizeVersion(current.Version) == normalizeVersion(pkg.Version) {
		d.Outcome = InSync
		if spec.Version == "" || normalizeVersion(spec.Version) != normalizeVersion(pkg.Version) {
			d.PendingVersion = pkg.Version
		}
		return d, nil
	}
	if current.Pinned && spec.Version == "" {
		d.Outcome = InSync
		d.Reason = "pinned without explicit version"
		return d, nil
	}
	d.Outcome = ToUpdate
	d.Target = install.Target{InstallTarget: catalogInstallTarget(pkg), NoVerify: r.Opts.NoVerify}
	return d, nil
}

// planPrune adds a ToRemove decision for every installed record not
// matched by any declared (name, pkg_id?, repo?) triple.
func (r *Reconciler) planPrune(set desired.Set) ([]DecisionRecord, error) {
	installedTrue := true
	all, err := r.State.ListFiltered(statedb.ListFilteredOptions{IsInstalled: &installedTrue})
	if err != nil {
		return nil, err
	}
	var out []DecisionRecord
	for _, p := range all {
		if declaredMatches(set, p) {
			continue
		}
		pkg := p
		out = append(out, DecisionRecord{Name: p.PkgName, Decision: Decision{Outcome: ToRemove, Removal: &pkg}})
	}
	return out, nil
}

// declaredMatches reports whether an installed record is covered by any
// declared (name, pkg_id?, repo?) triple: the name must match, and
// pkg_id/repo only when the declaration narrows them. Release-sourced
// entries always live in repo "local" with a derived pkg_id.
func declaredMatches(set desired.Set, p statedb.InstalledPackage) bool {
	spec, ok := set.Packages[p.PkgName]
	if !ok {
		return false
	}
	if spec.IsReleaseSourced() {
		return p.RepoName == "local"
	}
	if spec.PkgID != "" && spec.PkgID != p.PkgID {
		return false
	}
	if spec.Repo != "" && spec.Repo != p.RepoName {
		return false
	}
	return true
}

// Execute runs the install -> update -> remove sequence for a computed
// plan, then writes back pending-version rewrites for declared entries
// whose installation succeeded (or that required no install at all).
func (r *Reconciler) Execute(ctx context.Context, set desired.Set, decisions []DecisionRecord) (*Report, error) {
	report := &Report{Decisions: decisions, RemoveErrors: map[string]error{}}

	var targets []install.Target
	for _, d := range decisions {
		if d.Outcome == ToInstall || d.Outcome == ToUpdate {
			targets = append(targets, d.Target)
		}
	}
	if len(targets) > 0 {
		installReport, err := r.Installer.Install(ctx, targets)
		report.InstallReport = installReport
		if err != nil {
			return report, err
		}
	}

	if r.Remover != nil {
		for _, d := range decisions {
			if d.Outcome != ToRemove || d.Removal == nil {
				continue
			}
			if err := r.Remover.Remove(remove.RemoveRequest{Pkg: *d.Removal}); err != nil {
				report.RemoveErrors[d.Name] = err
			}
		}
	}

	if r.PackagesPath != "" {
		r.writeBackPending(set, decisions, report.InstallReport)
	}
	return report, nil
}

func (r *Reconciler) writeBackPending(set desired.Set, decisions []DecisionRecord, installReport *install.Report) {
	installedOK := map[string]bool{}
	if installReport != nil {
		for _, n := range installReport.Installed {
			installedOK[n] = true
		}
	}
	for _, d := range decisions {
		if d.PendingVersion == "" {
			continue
		}
		if d.Outcome != InSync && !installedOK[d.Name] {
			continue
		}
		_ = desired.WriteBackVersion(r.PackagesPath, d.Name, d.PendingVersion, d.PendingURL)
	}
}

// Reconcile plans and, unless Opts.DryRun, executes. A dry run returns
// the diff alone without invoking any engine operation.
func (r *Reconciler) Reconcile(ctx context.Context, set desired.Set) (*Report, error) {
	decisions, err := r.Plan(ctx, set)
	if err != nil {
		return nil, err
	}
	if r.Opts.DryRun {
		return &Report{Decisions: decisions}, nil
	}
	return r.Execute(ctx, set, decisions)
}

func findOne(state *statedb.Store, opts statedb.ListFilteredOptions) (*statedb.InstalledPackage, error) {
	rows, err := state.ListFiltered(opts)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func catalogInstallTarget(p catalogdb.Package) resolve.InstallTarget {
	t := resolve.InstallTarget{RepoName: p.RepoName, PkgID: p.PkgID, PkgName: p.PkgName, Version: p.Version, Size: p.Size}
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

// localPkgID derives a pkg_id for a release-sourced package with no
// explicit pkg_id: the last path segment of its github/gitlab slug, or
// the declared name itself for version_command/url sources.
func localPkgID(name string, spec desired.Spec) string {
	slug := spec.GitHub
	if slug == "" {
		slug = spec.GitLab
	}
	if slug == "" {
		return name
	}
	parts := strings.Split(slug, "/")
	return parts[len(parts)-1]
}

// normalizeVersion strips a leading "v" so "v1.2.3" and "1.2.3"
// compare equal.
func normalizeVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}
