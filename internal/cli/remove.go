package cli

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pkgforge-go/soar/internal/remove"
	"github.com/pkgforge-go/soar/internal/statedb"
)

var removeCmd = &cobra.Command{
	Use:     "remove <name>...",
	Short:   "Remove one or more installed packages",
	Aliases: []string{"rm", "uninstall"},
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := newInstaller()
		if err != nil {
			return fmt.Errorf("build installer: %w", err)
		}
		rem, err := newRemover(inst)
		if err != nil {
			return fmt.Errorf("build remover: %w", err)
		}
		state, err := appCtx.State()
		if err != nil {
			return err
		}

		var failed int
		for _, name := range args {
			installed := true
			pkgs, err := state.ListFiltered(statedb.ListFilteredOptions{Name: &name, IsInstalled: &installed})
			if err != nil {
				pterm.Error.Printf("%s: %v\n", name, err)
				failed++
				continue
			}
			if len(pkgs) == 0 {
				pterm.Warning.Printf("%s: not installed\n", name)
				continue
			}
			for _, pkg := range pkgs {
				if err := rem.Remove(remove.RemoveRequest{Pkg: pkg}); err != nil {
					pterm.Error.Printf("%s: %v\n", name, err)
					failed++
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d package(s) failed to remove", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}
