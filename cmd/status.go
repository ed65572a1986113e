package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"opensocdebug.org/osd/internal/command"
	"opensocdebug.org/osd/internal/hostctrl"
)

var statusRoutes bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the osd daemon for its status: version, uptime, host controller
and gateways. With --routes the host controller routing tables are shown too.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), newControlClient(), cmd.OutOrStdout(), statusRoutes)
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusRoutes, "routes", "r", false, "include routing tables")
}

type statusOutput struct {
	Daemon *command.DaemonStatus `yaml:"daemon"`
	Routes *routesOutput         `yaml:"routes,omitempty"`
}

type routesOutput struct {
	Modules  map[string]string `yaml:"modules"`
	Gateways map[string]string `yaml:"gateways"`
}

func formatRoutes(r hostctrl.Routes) *routesOutput {
	out := &routesOutput{Modules: map[string]string{}, Gateways: map[string]string{}}
	for addr, peer := range r.Modules {
		out.Modules[fmt.Sprintf("0x%04x", addr)] = peer
	}
	for subnet, peer := range r.Gateways {
		out.Gateways[fmt.Sprintf("%d", subnet)] = peer
	}
	return out
}

func runStatus(ctx context.Context, client ControlClient, w io.Writer, withRoutes bool) error {
	status, err := client.DaemonStatus(ctx)
	if err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}

	out := statusOutput{Daemon: status}
	if withRoutes {
		routes, err := client.HostCtrlRoutes(ctx)
		if err != nil {
			return fmt.Errorf("failed to query routes: %w", err)
		}
		out.Routes = formatRoutes(routes)
	}
	return writeYAML(w, out)
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	return enc.Close()
}
