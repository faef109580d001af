// letterd runs the newsletter scheduling core: the HTTP API, the tick
// pipeline and its task sweeper.
//
// Usage:
//
//	letterd [--config FILE] <command> [flags]
//
// Commands:
//
//	serve    Run the HTTP API (and the embedded trigger when cron.schedule is set)
//	tick     Run one tick pipeline invocation and print the result
//	migrate  Apply or inspect database migrations
//	version  Print the build version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set through ldflags at build time.
var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "letterd",
		Short:         "letterd schedules newsletter posts and delivers them through a task queue",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	configFn := func() string { return configPath }
	rootCmd.AddCommand(
		newServeCmd(configFn),
		newTickCmd(configFn),
		newMigrateCmd(configFn),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
