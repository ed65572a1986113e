package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"opensocdebug.org/osd/internal/command"
	"opensocdebug.org/osd/internal/config"
	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/devicelink"
	"opensocdebug.org/osd/internal/gateway"
)

// managedGateway owns one configured gateway and its device link. The
// gateway is recreated on every connect; mu serializes all access because
// gateway methods must not be called concurrently.
type managedGateway struct {
	cfg config.GatewayConfig
	log *slog.Logger

	mu         sync.Mutex
	gw         *gateway.Gateway
	link       devicelink.Link
	supervised bool
}

func newManagedGateway(cfg config.GatewayConfig) *managedGateway {
	return &managedGateway{
		cfg:        cfg,
		log:        slog.Default().With("component", "daemon", "gateway", cfg.Name, "subnet", cfg.Subnet),
		supervised: true,
	}
}

// startGateways connects every configured gateway. A failed connect is not
// fatal; supervision keeps retrying.
func (d *Daemon) startGateways() {
	for _, gc := range d.config.Gateways {
		if d.hostctrl != nil && gc.HostCtrl == config.LocalAddr(d.config.HostCtrl.Listen) {
			// The listen address may name port 0; use the bound one.
			gc.HostCtrl = config.LocalAddr(d.hostctrl.Addr())
		}
		mg := newManagedGateway(gc)
		d.gateways = append(d.gateways, mg)

		if err := mg.connect(d.ctx); err != nil {
			mg.log.Warn("gateway connect failed, will retry", "error", err, "retry_in", gc.ReconnectInterval)
		}
		d.group.Go(func() error {
			mg.supervise(d.ctx)
			return nil
		})
	}
}

// connect opens the device link and registers the gateway. Connecting a
// connected gateway is a no-op.
func (mg *managedGateway) connect(ctx context.Context) error {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return mg.connectLocked(ctx)
}

func (mg *managedGateway) connectLocked(ctx context.Context) error {
	if mg.gw != nil {
		if mg.gw.IsConnected() {
			return nil
		}
		if err := mg.teardownLocked(); err != nil {
			mg.log.Warn("stale gateway teardown failed", "error", err)
		}
	}

	link, err := devicelink.Open(ctx, mg.cfg.Device.Type, mg.cfg.Subnet, mg.cfg.Device.Options)
	if err != nil {
		return fmt.Errorf("open %s device link: %w", mg.cfg.Device.Type, err)
	}

	gw, err := gateway.New(gateway.Config{
		Name:     mg.cfg.Name,
		Subnet:   mg.cfg.Subnet,
		HostCtrl: mg.cfg.HostCtrl,
		Timeout:  mg.cfg.Timeout,
		Link:     link,
		Logger:   slog.Default(),
	})
	if err != nil {
		return multierr.Append(err, link.Close())
	}
	if err := gw.Connect(); err != nil {
		return multierr.Combine(err, gw.Close(), link.Close())
	}

	mg.gw, mg.link = gw, link
	return nil
}

// disconnect unregisters the gateway and closes its device link.
func (mg *managedGateway) disconnect() error {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if mg.gw == nil {
		return fmt.Errorf("gateway %s: %w", mg.cfg.Name, core.ErrNotConnected)
	}
	return mg.teardownLocked()
}

func (mg *managedGateway) teardownLocked() error {
	var err error
	if mg.gw != nil {
		err = multierr.Append(err, mg.gw.Close())
		mg.gw = nil
	}
	if mg.link != nil {
		err = multierr.Append(err, mg.link.Close())
		mg.link = nil
	}
	return err
}

func (mg *managedGateway) close() error {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.supervised = false
	return mg.teardownLocked()
}

// check runs one supervision step. A lost gateway is torn down on the step
// that notices the loss and reconnected on the following one.
func (mg *managedGateway) check(ctx context.Context) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if !mg.supervised {
		return
	}

	if mg.gw != nil {
		if mg.gw.IsConnected() {
			return
		}
		mg.log.Warn("gateway connection lost", "retry_in", mg.cfg.ReconnectInterval)
		if err := mg.teardownLocked(); err != nil {
			mg.log.Warn("gateway teardown failed", "error", err)
		}
		return
	}

	if err := mg.connectLocked(ctx); err != nil {
		mg.log.Warn("gateway reconnect failed", "error", err, "retry_in", mg.cfg.ReconnectInterval)
		return
	}
	mg.log.Info("gateway reconnected")
}

func (mg *managedGateway) supervise(ctx context.Context) {
	ticker := time.NewTicker(mg.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mg.check(ctx)
		}
	}
}

func (mg *managedGateway) status() command.GatewayStatus {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return command.GatewayStatus{
		Name:       mg.cfg.Name,
		Subnet:     mg.cfg.Subnet,
		HostCtrl:   mg.cfg.HostCtrl,
		Device:     mg.cfg.Device.Type,
		Connected:  mg.gw != nil && mg.gw.IsConnected(),
		Supervised: mg.supervised,
	}
}

func (d *Daemon) lookupGateway(name string) (*managedGateway, error) {
	for _, mg := range d.gateways {
		if mg.cfg.Name == name {
			return mg, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", command.ErrGatewayNotFound, name)
}

// Gateways implements command.Controller.
func (d *Daemon) Gateways() []command.GatewayStatus {
	out := make([]command.GatewayStatus, 0, len(d.gateways))
	for _, mg := range d.gateways {
		out = append(out, mg.status())
	}
	return out
}

// ConnectGateway connects the named gateway and puts it back under
// supervision.
func (d *Daemon) ConnectGateway(ctx context.Context, name string) error {
	mg, err := d.lookupGateway(name)
	if err != nil {
		return err
	}
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.supervised = true
	return mg.connectLocked(ctx)
}

// DisconnectGateway disconnects the named gateway. It stays disconnected
// until ConnectGateway is called.
func (d *Daemon) DisconnectGateway(_ context.Context, name string) error {
	mg, err := d.lookupGateway(name)
	if err != nil {
		return err
	}
	mg.mu.Lock()
	mg.supervised = false
	mg.mu.Unlock()
	return mg.disconnect()
}
