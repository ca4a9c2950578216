package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pkgforge-go/soar/internal/desired"
	"github.com/pkgforge-go/soar/internal/install"
	"github.com/pkgforge-go/soar/internal/soardir"
	"github.com/pkgforge-go/soar/internal/statedb"
	"github.com/pkgforge-go/soar/internal/update"
)

var keepOldFlag bool

var updateCmd = &cobra.Command{
	Use:     "update [name]...",
	Short:   "Check installed packages for newer versions and install them",
	Aliases: []string{"upgrade"},
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := appCtx.State()
		if err != nil {
			return err
		}

		var pkgs []statedb.InstalledPackage
		if len(args) == 0 {
			pkgs, err = state.ListUpdatable()
		} else {
			for _, name := range args {
				installed := true
				matches, e := state.ListFiltered(statedb.ListFilteredOptions{Name: &name, IsInstalled: &installed})
				if e != nil {
					return e
				}
				pkgs = append(pkgs, matches...)
			}
		}
		if err != nil {
			return err
		}
		if len(pkgs) == 0 {
			pterm.Info.Println("nothing to update")
			return nil
		}

		var localSet desired.Set
		if set, err := desired.Load(soardir.PackagesConfigFile()); err == nil {
			localSet = set
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("load packages.toml: %w", err)
		}

		inst, err := newInstaller()
		if err != nil {
			return fmt.Errorf("build installer: %w", err)
		}
		upd, err := newUpdater(inst, keepOldFlag)
		if err != nil {
			return fmt.Errorf("build updater: %w", err)
		}

		ctx := context.Background()
		var results []update.CheckResult
		for _, pkg := range pkgs {
			var spec *desired.Spec
			if s, ok := localSet.Packages[pkg.PkgName]; ok {
				spec = &s
			}
			res, err := upd.Check(ctx, pkg, spec)
			if err != nil {
				pterm.Error.Printf("%s: %v\n", pkg.PkgName, err)
				continue
			}
			if res.Outcome == update.Available {
				pterm.Info.Printf("%s: %s -> %s\n", pkg.PkgName, pkg.Version, res.NewVersion)
			}
			results = append(results, res)
		}

		report, err := upd.Apply(ctx, results)
		if err != nil {
			return err
		}

		// Release/URL-sourced packages get their resolved version (and
		// URL, when the source supplied one) written back into
		// packages.toml once the new version actually landed.
		for _, res := range results {
			if res.Outcome != update.Available || res.Pkg.RepoName != "local" {
				continue
			}
			if !installedOK(report, res.Pkg.PkgName) {
				continue
			}
			if err := desired.WriteBackVersion(soardir.PackagesConfigFile(), res.Pkg.PkgName, res.NewVersion, res.Target.DownloadURL); err != nil {
				pterm.Warning.Printf("%s: record resolved version: %v\n", res.Pkg.PkgName, err)
			}
		}
		return printInstallReport(report)
	},
}

func installedOK(report *install.Report, name string) bool {
	for _, n := range report.Installed {
		if n == name {
			return true
		}
	}
	return false
}

func init() {
	updateCmd.Flags().BoolVar(&keepOldFlag, "keep-old", false, "keep the previous version's install directory after updating")
	rootCmd.AddCommand(updateCmd)
}
