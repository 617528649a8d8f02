package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flowpilot",
		Short:         "Durable workflow engine for AI employees",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file (default ~/.flowpilot/settings.yaml)")
	root.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "flowpilot server URL (default base_url from config)")

	root.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newGraphCmd(),
		newStartCmd(),
		newDeliverCmd(),
		newInspectCmd(),
		newCancelCmd(),
		newReloadCmd(),
		newVersionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
