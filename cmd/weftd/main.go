// Command weftd runs the workflow execution engine as a standalone
// daemon: an HTTP trigger API, the retention sweeper, and crash
// recovery on boot.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "weftd",
		Short:         "Workflow automation execution engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "path to config file (default: ./weftd.yaml)")
	root.AddCommand(newServeCmd(), newSweepCmd())
	return root
}
