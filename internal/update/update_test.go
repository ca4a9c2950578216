package update

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkgforge-go/soar/internal/catalogdb"
	"github.com/pkgforge-go/soar/internal/events"
	"github.com/pkgforge-go/soar/internal/install"
	"github.com/pkgforge-go/soar/internal/statedb"
)

// elfPayload is longer than 52 bytes: filetype's ELF matcher rejects
// shorter buffers.
var elfPayload = append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}, []byte("fake static binary payload, padded past the ELF header size")...)

type fixture struct {
	state     *statedb.Store
	catalogs  catalogdb.Set
	collector *events.CollectorSink
	updater   *Updater
	server    *httptest.Server
}

func newFixture(t *testing.T, keepOld bool) *fixture {
	t.Helper()
	root := t.TempDir()

	state, err := statedb.Open(filepath.Join(root, "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { state.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(elfPayload)
	}))
	t.Cleanup(srv.Close)

	catalog, err := catalogdb.Open(filepath.Join(root, "metadata.db"), "bincache")
	if err != nil {
		t.Fatalf("open catalog db: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })
	if err := catalog.ImportPackages([]catalogdb.RemotePackage{
		{PkgID: "foo", PkgName: "foo", Version: "1.0"},
		{PkgID: "foo", PkgName: "foo", Version: "1.1", DownloadURL: srv.URL + "/foo"},
	}, ""); err != nil {
		t.Fatalf("import catalog: %v", err)
	}
	catalogs := catalogdb.Set{"bincache": catalog}

	collector := events.NewCollectorSink()
	bus := events.NewBus(collector)
	inst := install.New(state, bus, install.Options{
		ParallelLimit: 1,
		PackagesRoot:  filepath.Join(root, "packages"),
		BinDir:        filepath.Join(root, "bin"),
		DesktopDir:    filepath.Join(root, "applications"),
		IconsDir:      filepath.Join(root, "icons"),
		PortableBase:  filepath.Join(root, "portable-dirs"),
		CacheDir:      filepath.Join(root, "cache"),
		LockDir:       filepath.Join(root, "locks"),
	})

	return &fixture{
		state:     state,
		catalogs:  catalogs,
		collector: collector,
		updater:   New(state, catalogs, inst, bus, keepOld),
		server:    srv,
	}
}

// seedOldVersion installs foo 1.0 directly into state with a real
// directory, the starting point of an update run.
func (f *fixture) seedOldVersion(t *testing.T) statedb.InstalledPackage {
	t.Helper()
	oldDir := filepath.Join(t.TempDir(), "foo-foo-old")
	if err := os.MkdirAll(oldDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(oldDir, "foo"), elfPayload, 0755); err != nil {
		t.Fatalf("write old binary: %v", err)
	}
	if _, err := f.state.Insert("bincache", "foo", "foo", "1.0", nil, "default"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := f.state.RecordInstallation(statedb.RecordInstallationParams{
		Repo: "bincache", PkgName: "foo", PkgID: "foo", Version: "1.0", Path: oldDir,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	row, err := f.state.FindExact("bincache", "foo", "foo", "1.0")
	if err != nil || row == nil {
		t.Fatalf("find seeded row: %v", err)
	}
	return *row
}

func TestCheckFindsNewerCatalogVersion(t *testing.T) {
	f := newFixture(t, false)
	pkg := f.seedOldVersion(t)

	res, err := f.updater.Check(context.Background(), pkg, nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Outcome != Available || res.NewVersion != "1.1" {
		t.Fatalf("CheckResult = %+v, want 1.1 available", res)
	}
}

func TestCheckUpToDate(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.state.Insert("bincache", "foo", "foo", "1.1", nil, "default"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := f.state.RecordInstallation(statedb.RecordInstallationParams{
		Repo: "bincache", PkgName: "foo", PkgID: "foo", Version: "1.1", Path: "/p",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	row, _ := f.state.FindExact("bincache", "foo", "foo", "1.1")

	res, err := f.updater.Check(context.Background(), *row, nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Outcome != UpToDate {
		t.Fatalf("CheckResult = %+v, want up to date", res)
	}
}

func TestCheckSkipsUnknownRepo(t *testing.T) {
	f := newFixture(t, false)
	pkg := statedb.InstalledPackage{RepoName: "gone", PkgName: "foo", PkgID: "foo", Version: "1.0"}
	res, err := f.updater.Check(context.Background(), pkg, nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Outcome != Skipped {
		t.Fatalf("CheckResult = %+v, want skipped", res)
	}
}

func TestApplyInstallsAndCleansUpOldVersion(t *testing.T) {
	f := newFixture(t, false)
	pkg := f.seedOldVersion(t)
	oldDir := pkg.InstalledPath

	res, err := f.updater.Check(context.Background(), pkg, nil)
	if err != nil || res.Outcome != Available {
		t.Fatalf("Check: %+v %v", res, err)
	}

	report, err := f.updater.Apply(context.Background(), []CheckResult{res})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(report.Failed) != 0 {
		t.Fatalf("update failed: %v", report.Failed)
	}

	// New version committed, old version's row and directory gone.
	newRow, err := f.state.FindExact("bincache", "foo", "foo", "1.1")
	if err != nil || newRow == nil || !newRow.IsInstalled {
		t.Fatalf("expected committed 1.1 row, got %+v err=%v", newRow, err)
	}
	oldRow, err := f.state.FindExact("bincache", "foo", "foo", "1.0")
	if err != nil {
		t.Fatalf("FindExact old: %v", err)
	}
	if oldRow != nil {
		t.Errorf("old version row survived cleanup: %+v", oldRow)
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Errorf("old version directory survived cleanup")
	}

	var sawCleanup bool
	for _, e := range f.collector.ByKind(events.KindUpdateCleanup) {
		if e.UpdateCleanupStage == events.CleanupComplete {
			sawCleanup = true
			if e.SizeFreed <= 0 {
				t.Errorf("expected SizeFreed > 0, got %d", e.SizeFreed)
			}
		}
	}
	if !sawCleanup {
		t.Errorf("no CleanupComplete event observed")
	}
}

func TestApplyKeepOldPreservesPreviousVersion(t *testing.T) {
	f := newFixture(t, true)
	pkg := f.seedOldVersion(t)
	oldDir := pkg.InstalledPath

	res, err := f.updater.Check(context.Background(), pkg, nil)
	if err != nil || res.Outcome != Available {
		t.Fatalf("Check: %+v %v", res, err)
	}
	if _, err := f.updater.Apply(context.Background(), []CheckResult{res}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if _, err := os.Stat(oldDir); err != nil {
		t.Errorf("keep_old should preserve the old directory: %v", err)
	}
	oldRow, _ := f.state.FindExact("bincache", "foo", "foo", "1.0")
	if oldRow == nil {
		t.Errorf("keep_old should preserve the old state row")
	}
}
