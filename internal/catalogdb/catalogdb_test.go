package catalogdb

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.db")
	s, err := Open(path, "bincache")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRemote() []RemotePackage {
	return []RemotePackage{
		{PkgID: "jq", PkgName: "jq", Version: "1.6", Size: 100, Bsum: "a"},
		{PkgID: "jq", PkgName: "jq", Version: "1.7.1", Size: 120, Bsum: "b"},
		{PkgID: "curl", PkgName: "curl", Version: "8.9.1", Size: 500, Bsum: "c", Replaces: []string{"curl-old"}},
		{PkgID: "app-head", PkgName: "app", Version: "HEAD-202401010000", Size: 10, Bsum: "d"},
		{PkgID: "app-head", PkgName: "app", Version: "HEAD-202501010000", Size: 11, Bsum: "e"},
	}
}

func TestImportAndFindFiltered(t *testing.T) {
	s := openTestStore(t)
	if err := s.ImportPackages(sampleRemote(), "etag-1"); err != nil {
		t.Fatalf("ImportPackages: %v", err)
	}

	name := "jq"
	pkgs, err := s.FindFiltered(FindFilteredOptions{Name: &name})
	if err != nil {
		t.Fatalf("FindFiltered: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("expected 2 jq versions, got %d", len(pkgs))
	}
	for _, p := range pkgs {
		if p.RepoName != "bincache" {
			t.Fatalf("expected RepoName stamped, got %q", p.RepoName)
		}
	}

	etag, err := s.ETag()
	if err != nil {
		t.Fatalf("ETag: %v", err)
	}
	if etag != "etag-1" {
		t.Fatalf("expected etag-1, got %q", etag)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	remote := sampleRemote()
	if err := s.ImportPackages(remote, "etag-1"); err != nil {
		t.Fatalf("first import: %v", err)
	}
	if err := s.ImportPackages(remote, "etag-2"); err != nil {
		t.Fatalf("second import: %v", err)
	}
	name := "jq"
	pkgs, err := s.FindFiltered(FindFilteredOptions{Name: &name})
	if err != nil {
		t.Fatalf("FindFiltered: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("expected re-import to stay idempotent, got %d rows", len(pkgs))
	}
}

func TestFindNewerVersionSemver(t *testing.T) {
	s := openTestStore(t)
	if err := s.ImportPackages(sampleRemote(), "etag-1"); err != nil {
		t.Fatalf("ImportPackages: %v", err)
	}
	newer, err := s.FindNewerVersion("jq", "jq", "1.6")
	if err != nil {
		t.Fatalf("FindNewerVersion: %v", err)
	}
	if newer == nil || newer.Version != "1.7.1" {
		t.Fatalf("expected 1.7.1, got %+v", newer)
	}

	none, err := s.FindNewerVersion("jq", "jq", "1.7.1")
	if err != nil {
		t.Fatalf("FindNewerVersion: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no newer version, got %+v", none)
	}
}

func TestFindNewerVersionHeadBuild(t *testing.T) {
	s := openTestStore(t)
	if err := s.ImportPackages(sampleRemote(), "etag-1"); err != nil {
		t.Fatalf("ImportPackages: %v", err)
	}
	newer, err := s.FindNewerVersion("app", "app-head", "HEAD-202401010000")
	if err != nil {
		t.Fatalf("FindNewerVersion: %v", err)
	}
	if newer == nil || newer.Version != "HEAD-202501010000" {
		t.Fatalf("expected newer HEAD build, got %+v", newer)
	}
}

func TestFindReplacementPkgID(t *testing.T) {
	s := openTestStore(t)
	if err := s.ImportPackages(sampleRemote(), "etag-1"); err != nil {
		t.Fatalf("ImportPackages: %v", err)
	}
	replacement, ok, err := s.FindReplacementPkgID("curl-old")
	if err != nil {
		t.Fatalf("FindReplacementPkgID: %v", err)
	}
	if !ok || replacement != "curl" {
		t.Fatalf("expected curl to replace curl-old, got %q ok=%v", replacement, ok)
	}
}

func TestSearchFallsBackToFuzzy(t *testing.T) {
	s := openTestStore(t)
	if err := s.ImportPackages(sampleRemote(), "etag-1"); err != nil {
		t.Fatalf("ImportPackages: %v", err)
	}
	// "crl" is no substring of any name or pkg_id, but its letters appear
	// in order in "curl".
	pkgs, err := s.Search("crl", 10, false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	found := false
	for _, p := range pkgs {
		if p.PkgName == "curl" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fuzzy fallback to surface curl, got %+v", pkgs)
	}
}

func TestExistsByPkgID(t *testing.T) {
	s := openTestStore(t)
	if err := s.ImportPackages(sampleRemote(), "etag-1"); err != nil {
		t.Fatalf("ImportPackages: %v", err)
	}
	ok, err := s.ExistsByPkgID("curl")
	if err != nil || !ok {
		t.Fatalf("expected curl to exist, err=%v ok=%v", err, ok)
	}
	ok, err = s.ExistsByPkgID("nonexistent")
	if err != nil || ok {
		t.Fatalf("expected nonexistent to be absent, err=%v ok=%v", err, ok)
	}
}
