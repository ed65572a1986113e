package cmd

import (
	"context"
	"time"

	"opensocdebug.org/osd/internal/command"
	"opensocdebug.org/osd/internal/hostctrl"
)

// ControlClient is the daemon control surface used by the commands.
type ControlClient interface {
	DaemonStatus(ctx context.Context) (*command.DaemonStatus, error)
	HostCtrlRoutes(ctx context.Context) (hostctrl.Routes, error)
	GatewayList(ctx context.Context) ([]command.GatewayStatus, error)
	GatewayConnect(ctx context.Context, name string) error
	GatewayDisconnect(ctx context.Context, name string) error
	Shutdown(ctx context.Context) error
}

const controlTimeout = 10 * time.Second

func newControlClient() ControlClient {
	return command.NewUDSClient(socketPath, controlTimeout)
}
