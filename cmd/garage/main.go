// Command garage runs the shop's WhatsApp messaging service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Overridden with -ldflags "-X main.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "garage.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "garage",
		Short:         "Garage messaging service",
		Long:          "Runs the per-mechanic WhatsApp sessions used to message repair shop clients.",
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newDBCmd(),
		newSessionsCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), versionString())
			},
		},
	)
	return root
}

func versionString() string {
	return fmt.Sprintf("garage %s (commit: %s, built: %s)", Version, Commit, Date)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "garage:", err)
		os.Exit(1)
	}
}
