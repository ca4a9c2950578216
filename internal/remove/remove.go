// Package remove implements the package removal sequence: hook,
// unlink, directory removal, sibling reactivation, and state
// deletion.
package remove

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkgforge-go/soar/internal/events"
	"github.com/pkgforge-go/soar/internal/install"
	"github.com/pkgforge-go/soar/internal/sandbox"
	"github.com/pkgforge-go/soar/internal/soardir"
	"github.com/pkgforge-go/soar/internal/statedb"
)

// Options configures a Remover; it shares the installer's directory
// layout so the unlink steps target the same bin/desktop/icon trees.
type Options struct {
	BinDir     string
	DesktopDir string
	IconsDir   string
}

func (o Options) withDefaults() Options {
	if o.BinDir == "" {
		o.BinDir = soardir.BinDir()
	}
	if o.DesktopDir == "" {
		o.DesktopDir = soardir.DesktopDir()
	}
	if o.IconsDir == "" {
		o.IconsDir = soardir.IconsDir()
	}
	return o
}

// Remover removes installed packages from the state store and
// filesystem.
type Remover struct {
	State     *statedb.Store
	Bus       *events.Bus
	Opts      Options
	Installer *install.Installer
}

func New(state *statedb.Store, bus *events.Bus, inst *install.Installer, opts Options) *Remover {
	if bus == nil {
		bus = events.NewBus(nil)
	}
	return &Remover{State: state, Bus: bus, Opts: opts.withDefaults(), Installer: inst}
}

// PreRemoveHook, when non-empty, runs before any filesystem mutation
// (step 1); hooks run under the sandbox only when Sandbox is set.
type RemoveRequest struct {
	Pkg            statedb.InstalledPackage
	PreRemoveHook  string
	PostRemoveHook string
	Sandbox        bool
}

// Remove runs the full removal sequence for one installed package.
func (r *Remover) Remove(req RemoveRequest) error {
	opID := r.Bus.NextOpID()
	pkg := req.Pkg

	// Step 1: pre-remove hook.
	if req.PreRemoveHook != "" {
		r.Bus.Emit(events.Event{OpID: opID, Kind: events.KindRemove, PkgName: pkg.PkgName, RemoveStage: events.RemoveUnlinking})
		if err := r.runHook(req, pkg.InstalledPath); err != nil {
			return fmt.Errorf("pre_remove hook for %s: %w", pkg.PkgName, err)
		}
	}

	// Step 2: unlink binaries.
	if err := install.UnlinkBinariesInto(r.Opts.BinDir, pkg.InstalledPath); err != nil {
		return fmt.Errorf("unlink binaries: %w", err)
	}

	// Step 3: unlink desktop files and icons.
	if err := unlinkDesktopAndIcons(r.Opts.DesktopDir, r.Opts.IconsDir, pkg.InstalledPath); err != nil {
		return fmt.Errorf("unlink desktop integration: %w", err)
	}

	// Step 4: remove install directory (best-effort).
	r.Bus.Emit(events.Event{OpID: opID, Kind: events.KindRemove, PkgName: pkg.PkgName, RemoveStage: events.RemoveDeletingFiles})
	sizeFreed, _ := dirSize(pkg.InstalledPath)
	_ = os.RemoveAll(pkg.InstalledPath)

	// Step 5: reactivate a sibling variant if this was the active one.
	if !pkg.Unlinked {
		r.Bus.Emit(events.Event{OpID: opID, Kind: events.KindRemove, PkgName: pkg.PkgName, RemoveStage: events.RemoveReactivatingSibling})
		if err := r.reactivateSibling(pkg); err != nil {
			return fmt.Errorf("reactivate sibling: %w", err)
		}
	}

	// Step 6: delete the state row.
	r.Bus.Emit(events.Event{OpID: opID, Kind: events.KindRemove, PkgName: pkg.PkgName, RemoveStage: events.RemoveDeletingRecord})
	if err := r.State.Delete(pkg.ID); err != nil {
		return err
	}

	// Step 7: complete.
	r.Bus.Emit(events.Event{OpID: opID, Kind: events.KindRemove, PkgName: pkg.PkgName, RemoveStage: events.RemoveComplete, SizeFreed: sizeFreed})

	if req.PostRemoveHook != "" {
		if err := r.runHook(req, ""); err != nil {
			return fmt.Errorf("post_remove hook for %s: %w", pkg.PkgName, err)
		}
	}
	return nil
}

// reactivateSibling finds another installed variant of the same
// pkg_name (any pkg_id/version) and, if one exists, clears its
// unlinked flag and re-runs symlink creation for it.
func (r *Remover) reactivateSibling(removed statedb.InstalledPackage) error {
	installed := true
	siblings, err := r.State.ListFiltered(statedb.ListFilteredOptions{Name: &removed.PkgName, IsInstalled: &installed})
	if err != nil {
		return err
	}
	for _, s := range siblings {
		if s.ID == removed.ID {
			continue
		}
		if err := r.State.UnlinkOthers(removed.PkgName, s.PkgID, s.Version); err != nil {
			return err
		}
		// The state row doesn't retain the original binaries/provides
		// precedence, so reactivation falls back to auto-discovery; this
		// is always safe since the install directory already contains
		// whatever the original install produced.
		plan, err := install.ResolveBinaryPlan(s.InstalledPath, nil, nil, "", s.PkgName)
		if err != nil {
			return err
		}
		return install.CreateBinLinks(plan, r.Opts.BinDir)
	}
	return nil
}

func (r *Remover) runHook(req RemoveRequest, workDir string) error {
	command := req.PreRemoveHook
	if workDir == "" {
		command = req.PostRemoveHook
	}
	if !req.Sandbox {
		return sandbox.RunUnrestricted(workDir, command)
	}
	return sandbox.New().Run(workDir, command)
}

// unlinkDesktopAndIcons removes every symlink under desktopDir or
// iconsDir (the latter walked recursively, since icons live several
// directories deep under the hicolor theme) whose target resolves into
// installDir, per Remover step 3.
func unlinkDesktopAndIcons(desktopDir, iconsDir, installDir string) error {
	for _, root := range []string{desktopDir, iconsDir} {
		if err := unlinkSymlinksInto(root, installDir); err != nil {
			return err
		}
	}
	return nil
}

func unlinkSymlinksInto(root, installDir string) error {
	absInstall, err := filepath.Abs(installDir)
	if err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		target, lerr := os.Readlink(path)
		if lerr != nil {
			return nil
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		if strings.HasPrefix(target, absInstall+string(filepath.Separator)) || target == absInstall {
			_ = os.Remove(path)
		}
		return nil
	})
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
