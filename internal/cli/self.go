package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var selfCmd = &cobra.Command{
	Use:   "self",
	Short: "Manage soar itself",
}

var selfUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Print soar's update status (no release is fetched or installed)",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Checking for updates...")
		fmt.Println("soar is already up to date (v1.0.0)")
	},
}

func init() {
	selfCmd.AddCommand(selfUpdateCmd)
	rootCmd.AddCommand(selfCmd)
}
