// Package cli implements soar's command surface: cobra subcommands
// wired to the engine packages (resolve, install, remove, update, apply,
// registry) through one process-scoped soarctx.Context, with pterm,
// gookit/color and schollz/progressbar rendering the event bus for
// interactive runs.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pkgforge-go/soar/internal/soarctx"
	"github.com/pkgforge-go/soar/internal/soardir"
	"github.com/pkgforge-go/soar/internal/telemetry"
)

var (
	cfgFile        string
	forceFlag      bool
	noVerifyFlag   bool
	profileEnabled bool
	profileDir     string

	appCtx *soarctx.Context
	rend   *renderer
)

var rootCmd = &cobra.Command{
	Use:   "soar",
	Short: "soar installs and manages prebuilt Linux binaries across distributions",
	Long: `soar is a userspace package manager for prebuilt Linux binaries. It
installs packages from federated repositories into your own home
directory, needs no root and no system package manager, and can
reconcile a machine against a declared packages.toml.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if profileEnabled {
			dir := strings.TrimSpace(profileDir)
			if dir == "" {
				dir = filepath.Join(soardir.Root(), "profiles")
			}
			info, err := telemetry.Start(dir)
			if err != nil {
				return err
			}
			telemetry.Event(
				"command.start",
				"command", cmd.CommandPath(),
				"args_count", len(args),
				"config", viper.ConfigFileUsed(),
			)
			fmt.Printf("Profiling enabled.\nLogs: %s\nCPU: %s\nHeap: %s\n", info.LogPath, info.CPUPath, info.HeapPath)
		}

		rend = newRenderer()
		rend.run()

		c, err := soarctx.LoadFrom(cfgFile, rend.sink)
		if err != nil {
			return fmt.Errorf("load context: %w", err)
		}
		appCtx = c
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if appCtx != nil {
			if err := appCtx.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "close context: %v\n", err)
			}
		}
		if rend != nil {
			rend.stop()
		}
		if !profileEnabled {
			return
		}
		telemetry.Event("command.stop", "command", cmd.CommandPath())
		if _, err := telemetry.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to flush profiling artifacts: %v\n", err)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is soar's global config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&forceFlag, "force", "f", false, "bypass already-installed checks and overwrite in place")
	rootCmd.PersistentFlags().BoolVar(&noVerifyFlag, "no-verify", false, "skip checksum and signature verification")
	rootCmd.PersistentFlags().BoolVar(&profileEnabled, "profile", false, "collect CPU/heap profiles and structured timing logs")
	rootCmd.PersistentFlags().StringVar(&profileDir, "profile-dir", "", "directory for profiling artifacts (default: <soar-home>/profiles)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigFile(soardir.ConfigFile())
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		// Config file found and read
	}
}
