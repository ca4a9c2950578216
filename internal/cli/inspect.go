package cli

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pkgforge-go/soar/internal/catalogdb"
	"github.com/pkgforge-go/soar/internal/statedb"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <name>",
	Short: "Show full catalog and installed-state detail for a package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		catalogs, err := appCtx.Catalogs()
		if err != nil {
			return err
		}
		matches, err := catalogs.QueryAllFlat(func(s *catalogdb.Store) ([]catalogdb.Package, error) {
			return s.FindFiltered(catalogdb.FindFilteredOptions{Name: &name})
		})
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			pterm.Warning.Printf("%s: no catalog entry\n", name)
		}
		for _, p := range matches {
			printPackage(p)
		}

		state, err := appCtx.State()
		if err != nil {
			return err
		}
		installed, err := state.ListFiltered(statedb.ListFilteredOptions{Name: &name})
		if err != nil {
			return err
		}
		for _, p := range installed {
			status := "installed"
			if !p.IsInstalled {
				status = "pending"
			}
			fmt.Printf("state: %s %s (%s, %s)\n", p.PkgName, p.Version, p.RepoName, status)
		}
		return nil
	},
}

func printPackage(p catalogdb.Package) {
	pterm.DefaultSection.Println(fmt.Sprintf("%s (%s)", p.PkgName, p.RepoName))
	fmt.Printf("version: %s\n", p.Version)
	fmt.Printf("pkg_id: %s\n", p.PkgID)
	if p.Description != nil {
		fmt.Printf("description: %s\n", *p.Description)
	}
	if homepages := p.Homepages(); len(homepages) > 0 {
		fmt.Printf("homepage: %s\n", strings.Join(homepages, ", "))
	}
	if licenses := p.Licenses(); len(licenses) > 0 {
		fmt.Printf("license: %s\n", strings.Join(licenses, ", "))
	}
	fmt.Printf("size: %s\n", humanSize(p.Size))
	if provides := p.Provides(); len(provides) > 0 {
		names := make([]string, len(provides))
		for i, pr := range provides {
			names[i] = pr.Name
		}
		fmt.Printf("provides: %s\n", strings.Join(names, ", "))
	}
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
