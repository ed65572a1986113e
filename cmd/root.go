// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"opensocdebug.org/osd/internal/daemon"
)

var (
	// Global flags
	configFile string
	socketPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "osd",
	Short: "osd - Open SoC Debug host software",
	Long: `osd connects a host to the debug infrastructure of a system-on-chip.

The daemon runs a host controller that routes debug packets between host
modules and gateways; each gateway bridges one device subnet over a device
link. The remaining commands talk to a running daemon over its control socket
or, like modules, act as a host module themselves.`,
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (built-in defaults when empty)")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/osd.sock",
		"daemon socket path")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(modulesCmd)
}
