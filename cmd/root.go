package cmd

import (
	"os"

	"nodewarden/cmd/commands/dbcheck"
	"nodewarden/cmd/commands/serve"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
func rootCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "nodewarden",
		Short: "Control plane for game server nodes",
		Long: `nodewarden is the control plane for a fleet of game hosting nodes.
It tracks nodes, their network allocations, and the servers deployed
onto them, and drives each node's agent over its HTTP API.

Quick start:
  nodewarden serve                 # Run the control-plane API
  nodewarden dbcheck               # Verify the inventory database`,
	}

	cmd.AddCommand(serve.NewCommand())
	cmd.AddCommand(dbcheck.NewCommand())

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	var root = rootCmd()
	err := root.Execute()
	if err != nil {
		os.Exit(1)
	}
}
