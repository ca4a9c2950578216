package install

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkgforge-go/soar/internal/catalogdb"
	"github.com/pkgforge-go/soar/internal/events"
	"github.com/pkgforge-go/soar/internal/resolve"
	"github.com/pkgforge-go/soar/internal/soarerr"
	"github.com/pkgforge-go/soar/internal/statedb"
	"github.com/pkgforge-go/soar/internal/verify"
)

var elfPayload = append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}, []byte("fake static binary payload")...)

type testEnv struct {
	state     *statedb.Store
	collector *events.CollectorSink
	installer *Installer
	opts      Options
	server    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
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

	collector := events.NewCollectorSink()
	opts := Options{
		ParallelLimit: 2,
		PackagesRoot:  filepath.Join(root, "packages"),
		BinDir:        filepath.Join(root, "bin"),
		DesktopDir:    filepath.Join(root, "applications"),
		IconsDir:      filepath.Join(root, "icons"),
		PortableBase:  filepath.Join(root, "portable-dirs"),
		CacheDir:      filepath.Join(root, "cache"),
		LockDir:       filepath.Join(root, "locks"),
	}
	return &testEnv{
		state:     state,
		collector: collector,
		installer: New(state, events.NewBus(collector), opts),
		opts:      opts,
		server:    srv,
	}
}

func payloadBsum(t *testing.T) string {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(tmp, elfPayload, 0644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	sum, err := verify.ChecksumFile(tmp)
	if err != nil {
		t.Fatalf("checksum payload: %v", err)
	}
	return sum
}

func urlTarget(env *testEnv, name string, bsum string) Target {
	return Target{
		InstallTarget: resolve.InstallTarget{
			RepoName:    "bincache",
			PkgID:       name + "-bincache",
			PkgName:     name,
			Version:     "1.0.0",
			DownloadURL: env.server.URL + "/" + name,
			Bsum:        bsum,
			Provides:    []catalogdb.Provide{{Name: name}},
		},
	}
}

func TestInstallCommitsStateAndSymlink(t *testing.T) {
	env := newTestEnv(t)
	target := urlTarget(env, "jq", payloadBsum(t))

	report, err := env.installer.Install(context.Background(), []Target{target})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(report.Failed) != 0 {
		t.Fatalf("unexpected failures: %v", report.Failed)
	}
	if len(report.Installed) != 1 || report.Installed[0] != "jq" {
		t.Fatalf("report.Installed = %v", report.Installed)
	}

	row, err := env.state.FindExact("bincache", "jq", "jq-bincache", "1.0.0")
	if err != nil {
		t.Fatalf("FindExact: %v", err)
	}
	if row == nil || !row.IsInstalled {
		t.Fatalf("expected committed state row, got %+v", row)
	}
	if row.InstalledPath == "" {
		t.Fatalf("expected installed_path recorded")
	}

	link := filepath.Join(env.opts.BinDir, "jq")
	targetPath, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("expected bin symlink: %v", err)
	}
	if !strings.HasPrefix(targetPath, row.InstalledPath) {
		t.Fatalf("symlink %s escapes install dir %s", targetPath, row.InstalledPath)
	}

	// The linked file carries the executable bit.
	st, err := os.Stat(link)
	if err != nil || st.Mode()&0111 == 0 {
		t.Fatalf("expected executable symlink target, mode=%v err=%v", st.Mode(), err)
	}

	// Install marker identifies the occupying package.
	marker, err := readMarker(row.InstalledPath)
	if err != nil || marker == nil {
		t.Fatalf("readMarker: %v %v", marker, err)
	}
	if !marker.agrees("jq", "jq-bincache", "1.0.0") {
		t.Fatalf("marker mismatch: %+v", marker)
	}
}

func TestInstallEmitsCausalEventOrder(t *testing.T) {
	env := newTestEnv(t)
	target := urlTarget(env, "jq", payloadBsum(t))

	if _, err := env.installer.Install(context.Background(), []Target{target}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	var sawDownload, sawVerifyPassed, sawRecord, sawComplete bool
	for _, e := range env.collector.Events() {
		switch {
		case e.Kind == events.KindDownload:
			sawDownload = true
		case e.Kind == events.KindVerify && e.VerifyStage == events.VerifyPassed:
			if !sawDownload {
				t.Fatalf("verify before download")
			}
			sawVerifyPassed = true
		case e.Kind == events.KindInstall && e.InstallStage == events.InstallRecordingDatabase:
			if !sawVerifyPassed {
				t.Fatalf("record before verify")
			}
			sawRecord = true
		case e.Kind == events.KindOperationComplete:
			if !sawRecord {
				t.Fatalf("complete before record")
			}
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Fatalf("no OperationComplete event observed")
	}
}

func TestInstallChecksumMismatchFailsTarget(t *testing.T) {
	env := newTestEnv(t)
	target := urlTarget(env, "jq", strings.Repeat("0", 64))

	report, err := env.installer.Install(context.Background(), []Target{target})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, failed := report.Failed["jq"]; !failed {
		t.Fatalf("expected checksum mismatch to fail the target, report=%+v", report)
	}

	// No state commit happened.
	row, err := env.state.FindExact("bincache", "jq", "jq-bincache", "1.0.0")
	if err != nil {
		t.Fatalf("FindExact: %v", err)
	}
	if row != nil && row.IsInstalled {
		t.Fatalf("checksum failure must not commit state")
	}

	var sawFailed bool
	for _, e := range env.collector.ByKind(events.KindVerify) {
		if e.VerifyStage == events.VerifyFailed && e.FailReason == "checksum mismatch" {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("expected VerifyFailed(checksum mismatch) event")
	}
}

func TestInstallSameVersionIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	target := urlTarget(env, "jq", payloadBsum(t))

	if _, err := env.installer.Install(context.Background(), []Target{target}); err != nil {
		t.Fatalf("first install: %v", err)
	}
	report, err := env.installer.Install(context.Background(), []Target{target})
	if err != nil {
		t.Fatalf("second install: %v", err)
	}
	if len(report.Failed) != 0 {
		t.Fatalf("re-install failed: %v", report.Failed)
	}

	installedTrue := true
	name := "jq"
	rows, err := env.state.ListFiltered(statedb.ListFilteredOptions{Name: &name, IsInstalled: &installedTrue})
	if err != nil {
		t.Fatalf("ListFiltered: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one committed row after re-install, got %d", len(rows))
	}
}

func TestInstallUnlinksSiblingVariants(t *testing.T) {
	env := newTestEnv(t)
	bsum := payloadBsum(t)

	gnu := urlTarget(env, "jq", bsum)
	gnu.PkgID = "jq-gnu"
	if _, err := env.installer.Install(context.Background(), []Target{gnu}); err != nil {
		t.Fatalf("install gnu variant: %v", err)
	}

	musl := urlTarget(env, "jq", bsum)
	musl.PkgID = "jq-musl"
	if _, err := env.installer.Install(context.Background(), []Target{musl}); err != nil {
		t.Fatalf("install musl variant: %v", err)
	}

	name := "jq"
	rows, err := env.state.ListFiltered(statedb.ListFilteredOptions{Name: &name})
	if err != nil {
		t.Fatalf("ListFiltered: %v", err)
	}
	var linked int
	for _, r := range rows {
		if !r.Unlinked {
			linked++
			if r.PkgID != "jq-musl" {
				t.Errorf("expected the newest variant to stay linked, got %s", r.PkgID)
			}
		}
	}
	if linked != 1 {
		t.Fatalf("expected exactly one linked variant, got %d", linked)
	}
}

func TestVerifySignatureDisabledDeletesStraySig(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "jq"), elfPayload, 0755); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "jq.sig"), []byte("stray"), 0644); err != nil {
		t.Fatalf("write sig: %v", err)
	}

	target := urlTarget(env, "jq", "")
	if err := env.installer.verifySignature(1, target, dir); err != nil {
		t.Fatalf("verifySignature: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "jq.sig")); !os.IsNotExist(err) {
		t.Errorf("stray .sig must be silently deleted when verification isn't configured")
	}
	if _, err := os.Stat(filepath.Join(dir, "jq")); err != nil {
		t.Errorf("binary must survive: %v", err)
	}
}

func TestVerifySignatureMissingPubkeyIsWarning(t *testing.T) {
	env := newTestEnv(t)
	env.installer.Opts.SignatureVerify = func(repo string) bool { return repo == "bincache" }
	t.Setenv("SOAR_ROOT", t.TempDir()) // no cached minisign.pub anywhere under it

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "jq"), elfPayload, 0755); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "jq.sig"), []byte("sig"), 0644); err != nil {
		t.Fatalf("write sig: %v", err)
	}

	target := urlTarget(env, "jq", "")
	err := env.installer.verifySignature(1, target, dir)
	var w *soarerr.Warning
	if !errors.As(err, &w) {
		t.Fatalf("expected Warning for enabled verification with missing pubkey, got %v", err)
	}
	if _, serr := os.Stat(filepath.Join(dir, "jq.sig")); serr != nil {
		t.Errorf("the .sig must not be deleted on a missing-pubkey warning: %v", serr)
	}
}

func TestInstallSurvivesMissingPubkeyWarning(t *testing.T) {
	env := newTestEnv(t)
	env.installer.Opts.SignatureVerify = func(string) bool { return true }
	t.Setenv("SOAR_ROOT", t.TempDir())

	target := urlTarget(env, "jq", payloadBsum(t))
	report, err := env.installer.Install(context.Background(), []Target{target})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	// No .sig was downloaded, so nothing warns; with one present the
	// warning is a log event, never a failed target. Either way the
	// install itself must land.
	if len(report.Failed) != 0 {
		t.Fatalf("signature warning path must not fail targets: %v", report.Failed)
	}
	row, err := env.state.FindExact("bincache", "jq", "jq-bincache", "1.0.0")
	if err != nil || row == nil || !row.IsInstalled {
		t.Fatalf("expected committed row, got %+v err=%v", row, err)
	}
}

func TestInstallReclaimsCrashedPendingRow(t *testing.T) {
	env := newTestEnv(t)
	// A crashed prior attempt: pending row, no committed state.
	if _, err := env.state.Insert("bincache", "jq-bincache", "jq", "1.0.0", nil, "default"); err != nil {
		t.Fatalf("seed pending row: %v", err)
	}

	target := urlTarget(env, "jq", payloadBsum(t))
	report, err := env.installer.Install(context.Background(), []Target{target})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(report.Failed) != 0 {
		t.Fatalf("install over crashed pending row failed: %v", report.Failed)
	}

	broken, err := env.state.ListBroken()
	if err != nil {
		t.Fatalf("ListBroken: %v", err)
	}
	if len(broken) != 0 {
		t.Fatalf("expected pending rows reclaimed, got %d", len(broken))
	}
}
