package cli

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pkgforge-go/soar/internal/catalogdb"
)

var (
	searchRepoFlag  string
	searchLimitFlag int
)

var searchCmd = &cobra.Command{
	Use:   "search <pattern>",
	Short: "Search the federated catalog by name or pkg_id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := args[0]
		limit := searchLimitFlag
		if limit <= 0 {
			limit = appCtx.Config.SearchLimit
		}

		catalogs, err := appCtx.Catalogs()
		if err != nil {
			return err
		}

		var results []catalogdb.Package
		if searchRepoFlag != "" {
			store, ok := catalogs[searchRepoFlag]
			if !ok {
				pterm.Error.Printf("unknown repository %s\n", searchRepoFlag)
				return nil
			}
			results, err = store.Search(pattern, limit, false)
		} else {
			for _, store := range catalogs {
				hits, serr := store.Search(pattern, limit, false)
				if serr != nil {
					return serr
				}
				results = append(results, hits...)
			}
		}
		if err != nil {
			return err
		}

		if len(results) == 0 {
			pterm.Info.Printf("no packages match %q\n", pattern)
			return nil
		}

		rows := [][]string{{"Name", "Version", "Repo", "Description"}}
		for _, p := range results {
			desc := ""
			if p.Description != nil {
				desc = *p.Description
			}
			rows = append(rows, []string{p.PkgName, p.Version, p.RepoName, desc})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchRepoFlag, "repo", "", "limit search to one repository")
	searchCmd.Flags().IntVar(&searchLimitFlag, "limit", 0, "maximum results (default: config search_limit)")
	rootCmd.AddCommand(searchCmd)
}
