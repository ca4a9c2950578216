// Package install implements the per-target install pipeline:
// locking, directory layout, download, verification,
// symlink creation, desktop integration, portable-dir setup, and state
// recording.
package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/pkgforge-go/soar/internal/desired"
	"github.com/pkgforge-go/soar/internal/download"
	"github.com/pkgforge-go/soar/internal/events"
	"github.com/pkgforge-go/soar/internal/integrate"
	"github.com/pkgforge-go/soar/internal/resolve"
	"github.com/pkgforge-go/soar/internal/sandbox"
	"github.com/pkgforge-go/soar/internal/soardir"
	"github.com/pkgforge-go/soar/internal/soarerr"
	"github.com/pkgforge-go/soar/internal/statedb"
	"github.com/pkgforge-go/soar/internal/verify"
)

// Target is one install request: a resolved package identity plus the
// desired-set fields (when this install is driven by packages.toml)
// that shape symlinking, portability, and hooks.
type Target struct {
	resolve.InstallTarget

	Entrypoint      string
	Binaries        []desired.Binary
	InstallPatterns []string
	BinaryOnly      bool
	Portable        *desired.Portable
	Hooks           desired.Hooks
	Sandbox         bool
	NoVerify        bool
	Unlinked        bool
}

// Options configures an Install run.
type Options struct {
	ParallelLimit   int
	GHCRConcurrency int
	NoVerify        bool
	// SignatureVerify reports whether a repository has signature
	// verification configured; nil means no repository does.
	SignatureVerify func(repoName string) bool
	PackagesRoot    string
	BinDir          string
	DesktopDir      string
	IconsDir        string
	PortableBase    string
	CacheDir        string
	LockDir         string
}

func (o Options) withDefaults() Options {
	if o.ParallelLimit <= 0 {
		o.ParallelLimit = 4
	}
	if o.GHCRConcurrency <= 0 {
		o.GHCRConcurrency = 8
	}
	if o.PackagesRoot == "" {
		o.PackagesRoot = soardir.PackagesDir()
	}
	if o.BinDir == "" {
		o.BinDir = soardir.BinDir()
	}
	if o.DesktopDir == "" {
		o.DesktopDir = soardir.DesktopDir()
	}
	if o.IconsDir == "" {
		o.IconsDir = soardir.IconsDir()
	}
	if o.PortableBase == "" {
		o.PortableBase = soardir.PortableDirsDir()
	}
	if o.CacheDir == "" {
		o.CacheDir = soardir.CacheDir()
	}
	if o.LockDir == "" {
		o.LockDir = filepath.Join(soardir.DBDir(), "locks")
	}
	return o
}

// Report is the public pipeline result: per-target success/failure/
// warning outcomes.
type Report struct {
	Installed []string
	Failed    map[string]error
	Warnings  map[string]string
}

func newReport() *Report {
	return &Report{Failed: map[string]error{}, Warnings: map[string]string{}}
}

// Installer wires the pipeline's store and event-bus dependencies.
type Installer struct {
	State *statedb.Store
	Bus   *events.Bus
	Opts  Options
}

func New(state *statedb.Store, bus *events.Bus, opts Options) *Installer {
	if bus == nil {
		bus = events.NewBus(nil)
	}
	return &Installer{State: state, Bus: bus, Opts: opts.withDefaults()}
}

// Install runs the pipeline for every target, up to Opts.ParallelLimit
// concurrently, via a conc/pool.Pool fan-out. Per-target errors are
// captured into the report rather
// than propagated, so the bounded pool itself needs no error
// aggregation.
func (in *Installer) Install(ctx context.Context, targets []Target) (*Report, error) {
	report := newReport()
	var mu sync.Mutex

	total := len(targets)
	done := 0

	p := pool.New().WithMaxGoroutines(in.Opts.ParallelLimit)
	for _, t := range targets {
		t := t
		p.Go(func() {
			opID := in.Bus.NextOpID()
			err := in.installOne(ctx, opID, t)
			mu.Lock()
			defer mu.Unlock()
			switch e := err.(type) {
			case nil:
				report.Installed = append(report.Installed, t.PkgName)
			case *soarerr.Warning:
				report.Warnings[t.PkgName] = e.Msg
				in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindLog, PkgName: t.PkgName, Message: e.Msg})
			default:
				report.Failed[t.PkgName] = err
				in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindOperationFailed, PkgName: t.PkgName, Err: err})
			}
			done++
			in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindBatchProgress, PkgName: t.PkgName, BatchDone: done, BatchTotal: total})
		})
	}
	p.Wait()
	return report, nil
}

// installOne runs the full pipeline for a single target.
func (in *Installer) installOne(ctx context.Context, opID uint64, t Target) error {
	lock, err := AcquirePackageLock(in.Opts.LockDir, t.PkgName)
	if err != nil {
		return fmt.Errorf("%w: %v", soarerr.ErrLockFailed, err)
	}
	defer lock.Release()

	// Step 2: re-check under lock.
	existing, err := in.State.FindExact(t.RepoName, t.PkgName, t.PkgID, t.Version)
	if err != nil {
		return err
	}
	if existing != nil && existing.IsInstalled && !t.Force {
		return nil
	}

	// Step 3: install directory name.
	dirName := installDirName(t.PkgName, t.PkgID, t.Version, t.Bsum)
	installDir := filepath.Join(in.Opts.PackagesRoot, dirName)

	// Step 4: stale-directory check.
	marker, err := readMarker(installDir)
	if err != nil {
		return err
	}
	hasPendingAttempt := false
	if existing != nil && !existing.IsInstalled {
		hasPendingAttempt = true
	}
	if _, statErr := os.Stat(installDir); statErr == nil {
		if hasPendingAttempt || !marker.agrees(t.PkgName, t.PkgID, t.Version) {
			if err := wipeStaleDir(installDir); err != nil {
				return fmt.Errorf("wipe stale install dir: %w", err)
			}
		}
	}
	if err := os.MkdirAll(installDir, 0755); err != nil {
		return fmt.Errorf("mkdir install dir: %w", err)
	}

	// Step 5: effective install patterns.
	var existingPatterns []string
	if existing != nil {
		existingPatterns = existing.InstallPatterns()
	}
	patterns := effectiveInstallPatterns(existingPatterns, t.InstallPatterns, t.BinaryOnly)

	// Step 6: insert pending record, reclaiming any pending rows a
	// crashed prior attempt left behind (they are disposable, and a
	// stale one would make the commit-time update ambiguous).
	stalePaths, err := in.State.DeletePendingInstalls(t.PkgID, t.PkgName, t.RepoName)
	if err != nil {
		return err
	}
	for _, p := range stalePaths {
		if p != installDir {
			_ = os.RemoveAll(p)
		}
	}
	recordID, err := in.State.Insert(t.RepoName, t.PkgID, t.PkgName, t.Version, patterns, "default")
	if err != nil {
		return err
	}

	if t.Hooks.PreInstall != "" {
		in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindInstall, PkgName: t.PkgName, InstallStage: events.InstallRunningHook})
		if err := in.runHook(t, installDir, t.Hooks.PreInstall); err != nil {
			return fmt.Errorf("pre_install hook for %s: %w", t.PkgName, err)
		}
	}

	in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindInstall, PkgName: t.PkgName, PkgID: t.PkgID, InstallStage: events.InstallExtracting})

	// Step 7: download.
	primary, err := in.downloadTarget(ctx, opID, t, installDir, patterns)
	if err != nil {
		return err
	}

	if err := writeMarker(installDir, Marker{PkgName: t.PkgName, PkgID: t.PkgID, Version: t.Version}); err != nil {
		return err
	}

	// Step 8: signature verification. A warning (missing pubkey with
	// verification enabled) surfaces as a log event without failing the
	// target.
	if err := in.verifySignature(opID, t, installDir); err != nil {
		var w *soarerr.Warning
		if !errors.As(err, &w) {
			return err
		}
		in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindLog, PkgName: t.PkgName, Message: w.Msg})
	}

	// Step 9: checksum verification. For OCI artifacts the primary
	// comes back empty from the transport; the checksum then runs
	// post-extract against the discovered real binary, if any.
	if len(t.Provides) > 0 && !t.NoVerify && !in.Opts.NoVerify {
		checksumTarget := primary
		if checksumTarget == "" && t.GhcrPkg != "" {
			checksumTarget, _ = discoverPrimaryExecutable(installDir, t.Entrypoint, t.PkgName)
		}
		if checksumTarget != "" {
			in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindVerify, PkgName: t.PkgName, VerifyStage: events.VerifyChecksum})
			switch err := verify.CheckChecksum(checksumTarget, t.Bsum); {
			case err == nil:
				in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindVerify, PkgName: t.PkgName, VerifyStage: events.VerifyPassed})
			default:
				if w, ok := err.(*soarerr.Warning); ok {
					in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindLog, PkgName: t.PkgName, Message: w.Msg})
					break
				}
				in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindVerify, PkgName: t.PkgName, VerifyStage: events.VerifyFailed, FailReason: "checksum mismatch"})
				return err
			}
		}
	}

	// Step 10: symlink creation.
	in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindInstall, PkgName: t.PkgName, InstallStage: events.InstallLinkingBinaries})
	plan, err := ResolveBinaryPlan(installDir, convertBinaries(t.Binaries), t.Provides, t.Entrypoint, t.PkgName)
	if err != nil {
		return err
	}
	if err := CreateBinLinks(plan, in.Opts.BinDir); err != nil {
		return err
	}
	var binPath string
	if len(plan.Links) > 0 {
		binPath = filepath.Join(in.Opts.BinDir, plan.Links[0].Name)
	}

	// Step 11: desktop integration.
	if !t.Unlinked {
		in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindInstall, PkgName: t.PkgName, InstallStage: events.InstallDesktopIntegration})
		if _, err := integrate.DesktopIntegrate(installDir, binPath, in.Opts.DesktopDir, in.Opts.IconsDir, in.Opts.CacheDir); err != nil {
			return fmt.Errorf("desktop integration: %w", err)
		}
	}

	// Step 12: portable-dir setup.
	in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindInstall, PkgName: t.PkgName, InstallStage: events.InstallSetupPortable})
	if err := in.setupPortable(t, binPath, recordID); err != nil {
		return err
	}

	// Step 13: record installation.
	in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindInstall, PkgName: t.PkgName, InstallStage: events.InstallRecordingDatabase})
	size, _ := dirSize(installDir)
	checksum := t.Bsum
	if checksum == "" && primary != "" {
		if sum, err := verify.ChecksumFile(primary); err == nil {
			checksum = sum
		}
	}
	providesNames := make([]string, 0, len(t.Provides))
	for _, p := range t.Provides {
		providesNames = append(providesNames, p.Name)
	}
	if _, err := in.State.RecordInstallation(statedb.RecordInstallationParams{
		Repo: t.RepoName, PkgName: t.PkgName, PkgID: t.PkgID, Version: t.Version,
		Size: size, Provides: providesNames, Checksum: checksum, Path: installDir,
	}); err != nil {
		return err
	}

	// Step 14: unlink others.
	if !t.Unlinked {
		if err := in.State.UnlinkOthers(t.PkgName, t.PkgID, t.Version); err != nil {
			return err
		}
	}

	// Step 15: post-install hook.
	in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindInstall, PkgName: t.PkgName, InstallStage: events.InstallRunningHook})
	if t.Hooks.PostInstall != "" {
		if err := in.runHook(t, installDir, t.Hooks.PostInstall); err != nil {
			return soarerr.NewWarning("post_install hook for %s failed: %v", t.PkgName, err)
		}
	}

	// Step 16: complete.
	in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindOperationComplete, PkgName: t.PkgName, PkgID: t.PkgID, InstallStage: events.InstallComplete})
	return nil
}

func (in *Installer) downloadTarget(ctx context.Context, opID uint64, t Target, installDir string, patterns []string) (string, error) {
	switch {
	case t.GhcrPkg != "":
		err := download.OciDownload(ctx, download.OciOptions{
			Reference:   t.GhcrPkg,
			ExtractTo:   installDir,
			GlobFilter:  patterns,
			Concurrency: in.Opts.GHCRConcurrency,
			OnProgress: func(p download.Progress) {
				in.Bus.Emit(events.Event{
					OpID: opID, Kind: events.KindDownload, PkgName: t.PkgName,
					DownloadStage: downloadStageFrom(p.Stage), Downloaded: p.Downloaded, Total: p.Total,
				})
			},
		})
		return "", err
	case t.DownloadURL != "":
		name := filepath.Base(t.DownloadURL)
		out := filepath.Join(installDir, name)
		opts := download.Options{
			URL:        t.DownloadURL,
			Output:     out,
			Overwrite:  download.OverwriteSkip,
			Extract:    t.PkgType == "archive",
			ExtractTo:  installDir,
			GlobFilter: patterns,
			OnProgress: func(p download.Progress) {
				in.Bus.Emit(events.Event{
					OpID: opID, Kind: events.KindDownload, PkgName: t.PkgName,
					DownloadStage: downloadStageFrom(p.Stage), Downloaded: p.Downloaded, Total: p.Total,
				})
			},
			OnRetry: func(e download.RetryEvent, attempt int) {
				in.Bus.Emit(events.Event{
					OpID: opID, Kind: events.KindDownload, PkgName: t.PkgName,
					DownloadStage: retryStageFrom(e), Attempt: attempt,
				})
			},
		}
		if err := download.Download(ctx, opts); err != nil {
			return "", err
		}
		// The downloaded artifact is the checksum subject even when it
		// was also extracted in place.
		return out, nil
	default:
		return "", fmt.Errorf("install target %s: no download source", t.PkgName)
	}
}

func downloadStageFrom(s download.Stage) events.DownloadStage {
	switch s {
	case download.StageStarting:
		return events.DownloadStarting
	case download.StageResuming:
		return events.DownloadResuming
	case download.StageComplete:
		return events.DownloadComplete
	default:
		return events.DownloadProgress
	}
}

func retryStageFrom(e download.RetryEvent) events.DownloadStage {
	switch e {
	case download.RetryRecovered:
		return events.DownloadRecovered
	case download.RetryAborted:
		return events.DownloadAborted
	default:
		return events.DownloadRetry
	}
}

// verifySignature checks every *.sig file in installDir against the
// repository's cached pubkey. With verification configured for the
// repository, a missing pubkey is a warning rather than a failure;
// without it, stray .sig files are silently deleted.
func (in *Installer) verifySignature(opID uint64, t Target, installDir string) error {
	entries, err := os.ReadDir(installDir)
	if err != nil {
		return nil
	}
	enabled := in.Opts.SignatureVerify != nil && in.Opts.SignatureVerify(t.RepoName)
	pubkeyPath := soardir.RepoPubkeyPath(t.RepoName)
	_, pubkeyErr := os.Stat(pubkeyPath)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sig") {
			continue
		}
		sigPath := filepath.Join(installDir, e.Name())
		if !enabled {
			_ = os.Remove(sigPath)
			continue
		}
		if pubkeyErr != nil {
			return soarerr.NewWarning("%s: signature verification enabled for %s but no cached pubkey", e.Name(), t.RepoName)
		}
		stem := strings.TrimSuffix(sigPath, ".sig")
		if _, err := os.Stat(stem); err != nil {
			continue
		}
		in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindVerify, PkgName: t.PkgName, VerifyStage: events.VerifySignature})
		if err := verify.CheckSignature(stem, sigPath, pubkeyPath); err != nil {
			in.Bus.Emit(events.Event{OpID: opID, Kind: events.KindVerify, PkgName: t.PkgName, VerifyStage: events.VerifyFailed, FailReason: err.Error()})
			return err
		}
		_ = os.Remove(sigPath)
	}
	return nil
}

func (in *Installer) setupPortable(t Target, binPath string, recordID int64) error {
	if t.Portable == nil || binPath == "" {
		return nil
	}
	kind := integrate.DetectKind(binPath)
	paths := integrate.ResolvePortable(t.Portable.Path, t.Portable.Home, t.Portable.Config, t.Portable.Share, t.Portable.Cache,
		filepath.Join(in.Opts.PortableBase, t.PkgName))
	if err := integrate.SetupPortableDirs(kind, binPath, paths); err != nil {
		return err
	}
	return in.State.UpsertPortable(recordID, "", paths.Home, paths.Config, paths.Share, paths.Cache)
}

func (in *Installer) runHook(t Target, installDir, command string) error {
	command = strings.ReplaceAll(command, "{{install_dir}}", installDir)
	if !t.Sandbox {
		return sandbox.RunUnrestricted(installDir, command)
	}
	return sandbox.New().WithXDGUserDirs(os.Getenv("HOME")).Run(installDir, command)
}

func convertBinaries(binaries []desired.Binary) []DesiredBinary {
	out := make([]DesiredBinary, len(binaries))
	for i, b := range binaries {
		out[i] = DesiredBinary{Source: b.Source, Rename: b.Rename}
	}
	return out
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}
