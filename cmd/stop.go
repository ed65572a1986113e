package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"opensocdebug.org/osd/internal/daemon"
)

var stopPIDFile string

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the osd daemon",
	Long: `Stop the osd daemon gracefully.

The shutdown is requested over the control socket. If the socket does not
answer and --pidfile is given, the daemon is sent SIGTERM instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), newControlClient(), cmd.OutOrStdout(), stopPIDFile)
	},
}

func init() {
	stopCmd.Flags().StringVarP(&stopPIDFile, "pidfile", "p", "", "PID file used when the socket does not answer")
}

func runStop(ctx context.Context, client ControlClient, w io.Writer, pidFile string) error {
	err := client.Shutdown(ctx)
	if err == nil {
		fmt.Fprintln(w, "daemon is shutting down")
		return nil
	}
	if pidFile == "" {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}

	if serr := daemon.StopByPID(pidFile, 10*time.Second); serr != nil {
		return fmt.Errorf("shutdown request failed (%v) and %w", err, serr)
	}
	fmt.Fprintln(w, "daemon stopped")
	return nil
}
