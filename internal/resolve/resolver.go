package resolve

import (
	"regexp"

	"github.com/pkgforge-go/soar/internal/catalogdb"
	"github.com/pkgforge-go/soar/internal/soarerr"
	"github.com/pkgforge-go/soar/internal/statedb"
)

// Result is the resolver's outcome. Exactly one of the four fields is
// set: Resolved, Ambiguous, NotFound, or AlreadyInstalled.
type Result struct {
	Resolved         []InstallTarget
	Ambiguous        *soarerr.AmbiguousError
	NotFound         string
	AlreadyInstalled *soarerr.AlreadyInstalledError
}

// queryPattern implements "name[#pkg_id][@version][:repo_name]".
var queryPattern = regexp.MustCompile(`^([^#@:]*)(?:#([^@:]+))?(?:@([^:]+))?(?::(.+))?$`)

type parsedQuery struct {
	Name    string
	PkgID   string
	Version string
	Repo    string
}

func parseQuery(q string) parsedQuery {
	m := queryPattern.FindStringSubmatch(q)
	if m == nil {
		return parsedQuery{Name: q}
	}
	return parsedQuery{Name: m[1], PkgID: m[2], Version: m[3], Repo: m[4]}
}

// Resolver resolves query strings against the catalog federation and
// the installed-state store.
type Resolver struct {
	Catalogs catalogdb.Set
	State    *statedb.Store
	Force    bool
}

// Resolve runs the full query grammar for one query string.
func (r *Resolver) Resolve(query string) (Result, error) {
	switch {
	case looksLikeURL(query):
		t, err := urlTargetFromString(query)
		if err != nil {
			return Result{}, err
		}
		return r.finish(t)
	case looksLikeGHCR(query):
		t, err := ghcrTargetFromString(query)
		if err != nil {
			return Result{}, err
		}
		return r.finish(t)
	}

	pq := parseQuery(query)

	if pq.PkgID == "all" {
		return r.resolveHashAll(query, pq)
	}
	if pq.Name == "" && pq.PkgID != "" {
		return r.resolvePkgIDOnly(query, pq)
	}
	return r.resolveNormal(query, pq)
}

// resolveNormal is the catalog-scoped lookup: exact match on whichever
// of name/pkg_id/version/repo the query supplied.
func (r *Resolver) resolveNormal(query string, pq parsedQuery) (Result, error) {
	candidates, err := r.lookup(pq)
	if err != nil {
		return Result{}, err
	}

	if len(candidates) == 0 {
		// No catalog match: prefer an existing installed identity in
		// the indicated repo for disambiguation.
		if pq.Repo != "" {
			existing, err := r.State.ListFiltered(statedb.ListFilteredOptions{
				Repo: strPtr(pq.Repo), Name: strPtrIfSet(pq.Name),
			})
			if err == nil && len(existing) > 0 {
				return r.finish(installTargetFromState(existing[0]))
			}
		}
		return Result{NotFound: pq.Name}, nil
	}

	if len(candidates) > 1 {
		return Result{Ambiguous: ambiguousFrom(query, candidates)}, nil
	}
	return r.finish(installTargetFromCatalog(candidates[0]))
}

// resolvePkgIDOnly handles "#pkg_id" with no name: expands across all
// names sharing that pkg_id.
func (r *Resolver) resolvePkgIDOnly(query string, pq parsedQuery) (Result, error) {
	var out []InstallTarget
	_, err := r.Catalogs.QueryAllFlat(func(s *catalogdb.Store) ([]catalogdb.Package, error) {
		pkgs, err := s.FindFiltered(catalogdb.FindFilteredOptions{PkgID: &pq.PkgID})
		if err != nil {
			return nil, err
		}
		for _, p := range pkgs {
			out = append(out, installTargetFromCatalog(p))
		}
		return pkgs, nil
	})
	if err != nil {
		return Result{}, err
	}
	if len(out) == 0 {
		return Result{NotFound: pq.PkgID}, nil
	}
	return r.finishMany(out)
}

// resolveHashAll handles "name#all": every package variant bearing the
// first-matched pkg_id across the specified scope. Multiple distinct
// pkg_ids among the matches is Ambiguous.
func (r *Resolver) resolveHashAll(query string, pq parsedQuery) (Result, error) {
	name := pq.Name
	candidates, err := r.lookup(parsedQuery{Name: name, Repo: pq.Repo})
	if err != nil {
		return Result{}, err
	}
	if len(candidates) == 0 {
		return Result{NotFound: name}, nil
	}

	seen := map[string]bool{}
	for _, c := range candidates {
		seen[c.PkgID] = true
	}
	if len(seen) > 1 {
		return Result{Ambiguous: ambiguousFrom(query, candidates)}, nil
	}

	firstPkgID := candidates[0].PkgID
	var out []InstallTarget
	for _, c := range candidates {
		if c.PkgID == firstPkgID {
			out = append(out, installTargetFromCatalog(c))
		}
	}
	return r.finishMany(out)
}

func (r *Resolver) lookup(pq parsedQuery) ([]catalogdb.Package, error) {
	opts := catalogdb.FindFilteredOptions{}
	if pq.Name != "" {
		opts.Name = &pq.Name
	}
	if pq.PkgID != "" {
		opts.PkgID = &pq.PkgID
	}
	if pq.Version != "" {
		opts.Version = &pq.Version
	}
	if pq.Repo != "" {
		if store, ok := r.Catalogs[pq.Repo]; ok {
			return store.FindFiltered(opts)
		}
		return nil, nil
	}
	return r.Catalogs.QueryAllFlat(func(s *catalogdb.Store) ([]catalogdb.Package, error) {
		return s.FindFiltered(opts)
	})
}

func (r *Resolver) finish(t InstallTarget) (Result, error) {
	return r.finishMany([]InstallTarget{t})
}

func (r *Resolver) finishMany(targets []InstallTarget) (Result, error) {
	if r.Force || r.State == nil {
		return Result{Resolved: targets}, nil
	}
	var out []InstallTarget
	for _, t := range targets {
		existing, err := r.State.FindExact(t.RepoName, t.PkgName, t.PkgID, t.Version)
		if err != nil {
			return Result{}, err
		}
		if existing != nil && existing.IsInstalled {
			return Result{AlreadyInstalled: &soarerr.AlreadyInstalledError{
				PkgName: t.PkgName, PkgID: t.PkgID, Version: t.Version,
			}}, nil
		}
		out = append(out, t)
	}
	return Result{Resolved: out}, nil
}

func ambiguousFrom(query string, pkgs []catalogdb.Package) *soarerr.AmbiguousError {
	cands := make([]soarerr.Candidate, len(pkgs))
	for i, p := range pkgs {
		cands[i] = soarerr.Candidate{PkgID: p.PkgID, PkgName: p.PkgName, Version: p.Version, Repo: p.RepoName}
	}
	return &soarerr.AmbiguousError{Query: query, Candidates: cands}
}

func installTargetFromCatalog(p catalogdb.Package) InstallTarget {
	t := InstallTarget{
		RepoName: p.RepoName,
		PkgID:    p.PkgID,
		PkgName:  p.PkgName,
		Version:  p.Version,
		Size:     p.Size,
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

func installTargetFromState(p statedb.InstalledPackage) InstallTarget {
	return InstallTarget{
		RepoName: p.RepoName,
		PkgID:    p.PkgID,
		PkgName:  p.PkgName,
		Version:  p.Version,
	}
}

func strPtr(s string) *string { return &s }
func strPtrIfSet(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
