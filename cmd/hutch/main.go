package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hutch-run/hutch/pkg/log"
	"github.com/hutch-run/hutch/pkg/supervisor"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - single-node container runtime supervisor",
	Long: `Hutch runs containers on a single host: it assembles layered root
filesystems, isolates processes in their own namespaces, enforces resource
budgets through cgroups and keeps containers alive with health checks and
restart policies.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("data-dir", "/var/lib/hutch", "Directory for layers, logs and state")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON instead of console output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(initCmd)
}

// initCmd is the hidden in-namespace init stage. The runtime re-executes
// this binary with "init" as PID 1 of the fresh namespaces; it must never
// be invoked by hand.
var initCmd = &cobra.Command{
	Use:    "init",
	Short:  "Container init stage (internal)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return supervisor.RunInit()
	},
}
