package cli

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pkgforge-go/soar/internal/statedb"
)

var (
	listRepoFlag      string
	listUpdatableFlag bool
	listBrokenFlag    bool
)

var listCmd = &cobra.Command{
	Use:     "list",
	Short:   "List installed packages",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := appCtx.State()
		if err != nil {
			return err
		}

		var pkgs []statedb.InstalledPackage
		switch {
		case listUpdatableFlag:
			pkgs, err = state.ListUpdatable()
		case listBrokenFlag:
			pkgs, err = state.ListBroken()
		default:
			installed := true
			opts := statedb.ListFilteredOptions{IsInstalled: &installed}
			if listRepoFlag != "" {
				opts.Repo = &listRepoFlag
			}
			pkgs, err = state.ListFiltered(opts)
		}
		if err != nil {
			return err
		}

		if len(pkgs) == 0 {
			pterm.Info.Println("no packages match")
			return nil
		}

		rows := [][]string{{"Name", "Version", "Repo", "Pinned"}}
		for _, p := range pkgs {
			pinned := ""
			if p.Pinned {
				pinned = "yes"
			}
			rows = append(rows, []string{p.PkgName, p.Version, p.RepoName, pinned})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

func init() {
	listCmd.Flags().StringVar(&listRepoFlag, "repo", "", "limit to one repository")
	listCmd.Flags().BoolVar(&listUpdatableFlag, "updatable", false, "only installed, unpinned packages")
	listCmd.Flags().BoolVar(&listBrokenFlag, "broken", false, "only pending/crashed records")
	rootCmd.AddCommand(listCmd)
}
