package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Manage the gateways of a running daemon",
}

var gatewayListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured gateways",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGatewayList(cmd.Context(), newControlClient(), cmd.OutOrStdout())
	},
}

var gatewayConnectCmd = &cobra.Command{
	Use:   "connect NAME",
	Short: "Connect a gateway and resume supervising it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGatewayConnect(cmd.Context(), newControlClient(), cmd.OutOrStdout(), args[0], true)
	},
}

var gatewayDisconnectCmd = &cobra.Command{
	Use:   "disconnect NAME",
	Short: "Disconnect a gateway until it is connected again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGatewayConnect(cmd.Context(), newControlClient(), cmd.OutOrStdout(), args[0], false)
	},
}

func init() {
	gatewayCmd.AddCommand(gatewayListCmd, gatewayConnectCmd, gatewayDisconnectCmd)
}

func runGatewayList(ctx context.Context, client ControlClient, w io.Writer) error {
	gws, err := client.GatewayList(ctx)
	if err != nil {
		return fmt.Errorf("failed to list gateways: %w", err)
	}
	return writeYAML(w, gws)
}

func runGatewayConnect(ctx context.Context, client ControlClient, w io.Writer, name string, connect bool) error {
	if connect {
		if err := client.GatewayConnect(ctx, name); err != nil {
			return fmt.Errorf("failed to connect gateway %s: %w", name, err)
		}
		fmt.Fprintf(w, "gateway %s connected\n", name)
		return nil
	}
	if err := client.GatewayDisconnect(ctx, name); err != nil {
		return fmt.Errorf("failed to disconnect gateway %s: %w", name, err)
	}
	fmt.Fprintf(w, "gateway %s disconnected\n", name)
	return nil
}
