package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"opensocdebug.org/osd/internal/daemon"
)

var pidFile string

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the osd daemon in foreground",
	Long: `Run the osd daemon process in foreground.

The daemon will:
  1. Load configuration from the config file (or built-in defaults)
  2. Initialize logging, metrics and the traffic tap
  3. Start the host controller
  4. Connect the configured gateways and keep them connected
  5. Start the UDS server for CLI control
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (overrides control.pid_file)")
}

func runDaemon() error {
	socket := ""
	if rootCmd.PersistentFlags().Changed("socket") {
		socket = socketPath
	}

	d, err := daemon.New(configFile, socket, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return d.Run()
}
