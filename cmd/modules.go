package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/hostmod"
)

var (
	modulesHostCtrl string
	modulesSubnet   uint
	modulesTimeout  time.Duration
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Enumerate the debug modules of a subnet",
	Long: `Connect to a host controller as a host module, read the system
identification of a subnet and describe every debug module in it.

Modules that do not answer are listed with unknown: true and the command
exits with an error after printing the list.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkSubnet(modulesSubnet); err != nil {
			return err
		}
		hm, err := hostmod.New(hostmod.Config{
			HostCtrl: modulesHostCtrl,
			Timeout:  modulesTimeout,
			Logger:   slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn})),
		})
		if err != nil {
			return err
		}
		if err := hm.Connect(); err != nil {
			return multierr.Append(err, hm.Close())
		}
		return multierr.Append(runModules(cmd.Context(), hm, cmd.OutOrStdout(), modulesSubnet), hm.Close())
	},
}

func init() {
	modulesCmd.Flags().StringVar(&modulesHostCtrl, "hostctrl", "tcp://127.0.0.1:9537", "host controller address")
	modulesCmd.Flags().UintVar(&modulesSubnet, "subnet", 0, "subnet to enumerate")
	modulesCmd.Flags().DurationVar(&modulesTimeout, "timeout", 2*time.Second, "timeout of each register access")
}

// ModuleLister is the host module surface used by the modules command.
type ModuleLister interface {
	SystemInfo(ctx context.Context, subnet uint) (hostmod.SystemInfo, error)
	GetModules(ctx context.Context, subnet uint) ([]hostmod.ModuleDesc, error)
}

type moduleOutput struct {
	Addr    string `yaml:"addr"`
	Vendor  uint16 `yaml:"vendor"`
	Type    uint16 `yaml:"type"`
	Version uint16 `yaml:"version"`
	Unknown bool   `yaml:"unknown,omitempty"`
}

type modulesOutput struct {
	Subnet  uint               `yaml:"subnet"`
	System  hostmod.SystemInfo `yaml:"system"`
	Modules []moduleOutput     `yaml:"modules"`
}

func checkSubnet(subnet uint) error {
	if subnet > core.MaxSubnet {
		return fmt.Errorf("%w: --subnet %d out of range (0-%d)", core.ErrConfigInvalid, subnet, core.MaxSubnet)
	}
	return nil
}

func runModules(ctx context.Context, hm ModuleLister, w io.Writer, subnet uint) error {
	if err := checkSubnet(subnet); err != nil {
		return err
	}
	info, err := hm.SystemInfo(ctx, subnet)
	if err != nil {
		return fmt.Errorf("failed to read system information of subnet %d: %w", subnet, err)
	}

	mods, listErr := hm.GetModules(ctx, subnet)
	if listErr != nil && !hostmod.IsPartial(listErr) {
		return fmt.Errorf("failed to enumerate subnet %d: %w", subnet, listErr)
	}

	out := modulesOutput{Subnet: subnet, System: info}
	for _, m := range mods {
		out.Modules = append(out.Modules, moduleOutput{
			Addr:    fmt.Sprintf("0x%04x", uint16(m.Addr)),
			Vendor:  m.Vendor,
			Type:    m.Type,
			Version: m.Version,
			Unknown: m.Unknown,
		})
	}
	if err := writeYAML(w, out); err != nil {
		return err
	}
	return listErr
}
