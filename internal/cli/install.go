package cli

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pkgforge-go/soar/internal/install"
	"github.com/pkgforge-go/soar/internal/resolve"
)

var (
	sandboxFlag  bool
	unlinkedFlag bool
)

var installCmd = &cobra.Command{
	Use:   "install <query>...",
	Short: "Resolve and install one or more packages",
	Long: `Install accepts the query grammar name[#pkg_id][@version][:repo_name],
a direct URL, or a ghcr.io reference, resolves each against the
federated catalog, and installs every match.`,
	Aliases: []string{"i", "add"},
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, err := newResolver()
		if err != nil {
			return fmt.Errorf("build resolver: %w", err)
		}

		var targets []install.Target
		for _, query := range args {
			result, err := resolver.Resolve(query)
			if err != nil {
				pterm.Error.Printf("%s: %v\n", query, err)
				continue
			}
			switch {
			case result.Ambiguous != nil:
				pterm.Warning.Printf("%s: ambiguous, %d candidates\n", query, len(result.Ambiguous.Candidates))
				for _, c := range result.Ambiguous.Candidates {
					fmt.Printf("  %s#%s@%s (%s)\n", c.PkgName, c.PkgID, c.Version, c.Repo)
				}
			case result.AlreadyInstalled != nil:
				pterm.Info.Printf("%s: already installed (%s)\n", query, result.AlreadyInstalled.Version)
			case result.NotFound != "":
				pterm.Error.Printf("%s: no match found\n", result.NotFound)
			default:
				for _, t := range result.Resolved {
					targets = append(targets, targetFromResolved(t))
				}
			}
		}

		if len(targets) == 0 {
			return nil
		}

		inst, err := newInstaller()
		if err != nil {
			return fmt.Errorf("build installer: %w", err)
		}

		report, err := inst.Install(context.Background(), targets)
		if err != nil {
			return err
		}
		return printInstallReport(report)
	},
}

func targetFromResolved(t resolve.InstallTarget) install.Target {
	t.Force = forceFlag
	return install.Target{
		InstallTarget: t,
		Sandbox:       sandboxFlag,
		NoVerify:      noVerifyFlag,
		Unlinked:      unlinkedFlag,
	}
}

func printInstallReport(report *install.Report) error {
	for _, name := range report.Installed {
		pterm.Success.Printf("%s installed\n", name)
	}
	for name, msg := range report.Warnings {
		pterm.Warning.Printf("%s: %s\n", name, msg)
	}
	if len(report.Failed) == 0 {
		return nil
	}
	for name, err := range report.Failed {
		pterm.Error.Printf("%s: %v\n", name, err)
	}
	return fmt.Errorf("%d package(s) failed to install", len(report.Failed))
}

func init() {
	installCmd.Flags().BoolVar(&sandboxFlag, "sandbox", false, "run install hooks under the Landlock sandbox")
	installCmd.Flags().BoolVar(&unlinkedFlag, "unlinked", false, "skip desktop integration and leave other installed variants linked")
	rootCmd.AddCommand(installCmd)
}
