package resolve

import (
	"path/filepath"
	"testing"

	"github.com/pkgforge-go/soar/internal/catalogdb"
	"github.com/pkgforge-go/soar/internal/statedb"
)

func newResolver(t *testing.T) (*Resolver, *statedb.Store) {
	t.Helper()
	root := t.TempDir()
	state, err := statedb.Open(filepath.Join(root, "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { state.Close() })

	catalog, err := catalogdb.Open(filepath.Join(root, "metadata.db"), "bincache")
	if err != nil {
		t.Fatalf("open catalog db: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })
	if err := catalog.ImportPackages([]catalogdb.RemotePackage{
		{PkgID: "jq-gnu", PkgName: "jq", Version: "1.7.1", DownloadURL: "https://example.com/jq-gnu"},
		{PkgID: "jq-musl", PkgName: "jq", Version: "1.7.1", DownloadURL: "https://example.com/jq-musl"},
		{PkgID: "curl-bincache", PkgName: "curl", Version: "8.9.1", DownloadURL: "https://example.com/curl"},
		{PkgID: "curl-bincache", PkgName: "curl-static", Version: "8.9.1", DownloadURL: "https://example.com/curl-static"},
	}, ""); err != nil {
		t.Fatalf("import catalog: %v", err)
	}

	return &Resolver{Catalogs: catalogdb.Set{"bincache": catalog}, State: state}, state
}

func TestResolveUniqueName(t *testing.T) {
	r, _ := newResolver(t)
	res, err := r.Resolve("curl")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Resolved) != 1 {
		t.Fatalf("result = %+v, want one resolved target", res)
	}
	got := res.Resolved[0]
	if got.PkgID != "curl-bincache" || got.Version != "8.9.1" || got.RepoName != "bincache" {
		t.Fatalf("target = %+v", got)
	}
}

func TestResolveAmbiguousName(t *testing.T) {
	r, _ := newResolver(t)
	res, err := r.Resolve("jq")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Ambiguous == nil {
		t.Fatalf("result = %+v, want ambiguous", res)
	}
	if len(res.Ambiguous.Candidates) != 2 {
		t.Fatalf("candidates = %+v", res.Ambiguous.Candidates)
	}
}

func TestResolveDisambiguatedByPkgID(t *testing.T) {
	r, _ := newResolver(t)
	res, err := r.Resolve("jq#jq-musl")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Resolved) != 1 || res.Resolved[0].PkgID != "jq-musl" {
		t.Fatalf("result = %+v", res)
	}
}

func TestResolvePkgIDOnlyExpandsAcrossNames(t *testing.T) {
	r, _ := newResolver(t)
	res, err := r.Resolve("#curl-bincache")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Resolved) != 2 {
		t.Fatalf("expected both names sharing the pkg_id, got %+v", res)
	}
}

func TestResolveHashAllSinglePkgID(t *testing.T) {
	r, _ := newResolver(t)
	res, err := r.Resolve("curl#all")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Resolved) != 1 || res.Resolved[0].PkgID != "curl-bincache" {
		t.Fatalf("result = %+v", res)
	}
}

func TestResolveHashAllAmbiguousAcrossPkgIDs(t *testing.T) {
	r, _ := newResolver(t)
	res, err := r.Resolve("jq#all")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Ambiguous == nil {
		t.Fatalf("result = %+v, want ambiguous across distinct pkg_ids", res)
	}
}

func TestResolveNotFound(t *testing.T) {
	r, _ := newResolver(t)
	res, err := r.Resolve("nonexistent")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.NotFound != "nonexistent" {
		t.Fatalf("result = %+v, want not-found", res)
	}
}

func TestResolveAlreadyInstalled(t *testing.T) {
	r, state := newResolver(t)
	if _, err := state.Insert("bincache", "curl-bincache", "curl", "8.9.1", nil, "default"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := state.RecordInstallation(statedb.RecordInstallationParams{
		Repo: "bincache", PkgName: "curl", PkgID: "curl-bincache", Version: "8.9.1", Path: "/p",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	res, err := r.Resolve("curl")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.AlreadyInstalled == nil {
		t.Fatalf("result = %+v, want already-installed", res)
	}

	r.Force = true
	res, err = r.Resolve("curl")
	if err != nil {
		t.Fatalf("Resolve with force: %v", err)
	}
	if len(res.Resolved) != 1 {
		t.Fatalf("force should bypass already-installed, got %+v", res)
	}
}

func TestResolveScopedToUnknownRepoFallsBackToState(t *testing.T) {
	r, state := newResolver(t)
	if _, err := state.Insert("local", "example.com.dl", "tool", "2.0", nil, "default"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := state.RecordInstallation(statedb.RecordInstallationParams{
		Repo: "local", PkgName: "tool", PkgID: "example.com.dl", Version: "2.0", Path: "/p",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	res, err := r.Resolve("tool:local")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.AlreadyInstalled == nil {
		t.Fatalf("result = %+v, want existing installed identity preferred", res)
	}
}
