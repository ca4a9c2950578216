package cli

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pkgforge-go/soar/internal/apply"
	"github.com/pkgforge-go/soar/internal/desired"
	"github.com/pkgforge-go/soar/internal/soardir"
)

var (
	applyDryRunFlag bool
	applyPruneFlag  bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Reconcile the system against packages.toml",
	Long: `Apply diffs the declared packages.toml against installed state,
installing anything missing or out of date, optionally removing
installed packages the file no longer declares (--prune).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := desired.Load(soardir.PackagesConfigFile())
		if err != nil {
			return fmt.Errorf("load packages.toml: %w", err)
		}

		inst, err := newInstaller()
		if err != nil {
			return fmt.Errorf("build installer: %w", err)
		}
		rem, err := newRemover(inst)
		if err != nil {
			return fmt.Errorf("build remover: %w", err)
		}
		rec, err := newReconciler(inst, rem, apply.Options{
			Prune:    applyPruneFlag,
			DryRun:   applyDryRunFlag,
			NoVerify: noVerifyFlag,
		})
		if err != nil {
			return fmt.Errorf("build reconciler: %w", err)
		}

		report, err := rec.Reconcile(context.Background(), set)
		if err != nil {
			return err
		}

		for _, d := range report.Decisions {
			switch d.Outcome {
			case apply.InSync:
				continue
			case apply.ToInstall:
				pterm.Info.Printf("%s: to install (%s)\n", d.Name, d.Reason)
			case apply.ToUpdate:
				pterm.Info.Printf("%s: to update (%s)\n", d.Name, d.Reason)
			case apply.ToRemove:
				pterm.Info.Printf("%s: to remove (%s)\n", d.Name, d.Reason)
			}
		}

		if applyDryRunFlag {
			return nil
		}
		if report.InstallReport != nil {
			if err := printInstallReport(report.InstallReport); err != nil {
				return err
			}
		}
		if len(report.RemoveErrors) > 0 {
			for name, err := range report.RemoveErrors {
				pterm.Error.Printf("%s: %v\n", name, err)
			}
			return fmt.Errorf("%d package(s) failed to remove", len(report.RemoveErrors))
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().BoolVar(&applyDryRunFlag, "dry-run", false, "compute the diff without installing or removing anything")
	applyCmd.Flags().BoolVar(&applyPruneFlag, "prune", false, "remove installed packages packages.toml no longer declares")
	rootCmd.AddCommand(applyCmd)
}
