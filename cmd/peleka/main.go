package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/log"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "peleka",
	Short: "peleka deploys containers to a fleet of hosts over SSH with zero downtime",
	Long: `peleka drives blue-green and in-place container deployments against
a fleet of remote Docker or Podman hosts, reached over SSH, with a
per-host distributed lock and health-checked promotion.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("peleka version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON instead of console format")
	rootCmd.PersistentFlags().String("destination", "", "named destination overlay to merge over the base config")
	rootCmd.PersistentFlags().String("output", "human", "output format: human, quiet, ndjson")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// exitCodeFor maps a returned error to the process exit code table;
// errors that never wrap an errkind.Error fall back to the general code.
func exitCodeFor(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return errkind.ExitCode(err)
}
