package cli

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var syncForceFlag bool

var syncCmd = &cobra.Command{
	Use:   "sync [repo]...",
	Short: "Sync repository catalogs",
	Long: `Sync fetches and ingests the metadata feed for every enabled
repository (or just the named ones), honoring each repository's
sync_interval unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sy, err := newSyncer(syncForceFlag)
		if err != nil {
			return fmt.Errorf("build syncer: %w", err)
		}

		ctx := context.Background()
		var results []registrySyncResult
		if len(args) == 0 {
			set, all := sy.SyncAll(ctx, appCtx.Config)
			appCtx.ReplaceCatalogs(set)
			for _, r := range all {
				results = append(results, registrySyncResult{name: r.RepoName, err: r.Err})
			}
		} else {
			for _, name := range args {
				repo, ok := appCtx.Config.RepoByName(name)
				if !ok {
					results = append(results, registrySyncResult{name: name, err: fmt.Errorf("unknown repository")})
					continue
				}
				if _, err := sy.SyncRepository(ctx, repo, name); err != nil {
					results = append(results, registrySyncResult{name: name, err: err})
					continue
				}
				results = append(results, registrySyncResult{name: name})
			}
		}

		var failed int
		for _, r := range results {
			if r.err != nil {
				pterm.Error.Printf("%s: %v\n", r.name, r.err)
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d repository sync(s) failed", failed)
		}
		return nil
	},
}

type registrySyncResult struct {
	name string
	err  error
}

func init() {
	syncCmd.Flags().BoolVar(&syncForceFlag, "force", false, "sync regardless of sync_interval")
	rootCmd.AddCommand(syncCmd)
}
