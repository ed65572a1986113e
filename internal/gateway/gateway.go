// Package gateway bridges a device link to a host controller. The gateway
// registers itself as the router for one subnet and forwards packets in both
// directions: a dedicated goroutine reads from the device, the worker
// goroutine forwards in both directions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.uber.org/multierr"

	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/metrics"
	"opensocdebug.org/osd/internal/worker"
)

// StatusDeviceDisconnected is sent as a notification by whichever goroutine
// detects that the device link was lost. The owner handles it on its next
// API call by running the full disconnect sequence.
const StatusDeviceDisconnected = "I-DEVICE-DISCONNECTED"

const (
	statusConnect        = "I-CONNECT"
	statusConnectDone    = "I-CONNECT-DONE"
	statusDisconnect     = "I-DISCONNECT"
	statusDisconnectDone = "I-DISCONNECT-DONE"
)

const (
	// ReaderStopTimeout bounds how long the disconnect after a device loss
	// waits for the device reader before cancelling its read. Disconnect and
	// Close cancel the read right away.
	ReaderStopTimeout = 2 * time.Second

	deviceQueueSize = 64
	readRetryDelay  = 10 * time.Millisecond
)

// Config configures a Gateway.
type Config struct {
	// Name identifies the gateway in logs.
	Name string
	// Subnet is the device subnet served by this gateway.
	Subnet uint
	// HostCtrl is the host controller address.
	HostCtrl string
	// Timeout bounds each management round trip with the host controller.
	Timeout time.Duration
	Link    DeviceLink
	Logger  *slog.Logger
}

// Gateway is the owner-side handle of a gateway. Its methods must not be
// called concurrently.
type Gateway struct {
	cfg Config
	w   *worker.Worker

	fromDevice chan [][]byte
	reader     *deviceReader

	deviceConnected   bool
	hostctrlConnected bool

	subnetLabel string
	log         *slog.Logger
}

// New creates a disconnected gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Link == nil {
		panic("gateway: nil device link")
	}
	if cfg.HostCtrl == "" {
		return nil, fmt.Errorf("%w: gateway host controller address required", core.ErrConfigInvalid)
	}
	if cfg.Subnet > core.MaxSubnet {
		return nil, fmt.Errorf("%w: subnet %d out of range", core.ErrConfigInvalid, cfg.Subnet)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = worker.DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway", "subnet", cfg.Subnet)
	if cfg.Name != "" {
		logger = logger.With("gateway", cfg.Name)
	}

	g := &Gateway{
		cfg:         cfg,
		fromDevice:  make(chan [][]byte, deviceQueueSize),
		subnetLabel: strconv.FormatUint(uint64(cfg.Subnet), 10),
		log:         logger,
	}

	w, err := worker.New(newBridge(g), worker.Options{
		Name:    "gateway",
		Timeout: 2 * cfg.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway worker: %w", err)
	}
	g.w = w
	return g, nil
}

// Subnet returns the subnet served by the gateway.
func (g *Gateway) Subnet() uint {
	return g.cfg.Subnet
}

// Connect registers the gateway with the host controller and starts reading
// from the device.
func (g *Gateway) Connect() error {
	g.handleNotifications()

	if !g.hostctrlConnected {
		if _, err := g.w.Call(worker.Message{Name: statusConnect}, statusConnectDone); err != nil {
			return fmt.Errorf("gateway connect to %s: %w: %w", g.cfg.HostCtrl, core.ErrConnectionFailed, err)
		}
		g.hostctrlConnected = true
	}

	if !g.deviceConnected {
		g.reader = startDeviceReader(g)
		g.deviceConnected = true
	}

	metrics.GatewayConnected.WithLabelValues(g.subnetLabel).Set(1)
	g.log.Info("gateway connected", "hostctrl", g.cfg.HostCtrl)
	return nil
}

// Disconnect stops the device reader and unregisters from the host
// controller. It is a no-op on a disconnected gateway.
func (g *Gateway) Disconnect() error {
	g.handleNotifications()
	return g.disconnect(0)
}

// IsConnected reports whether the gateway is connected to both the device and
// the host controller. A lost device link is observed here at the latest.
func (g *Gateway) IsConnected() bool {
	g.handleNotifications()
	return g.deviceConnected && g.hostctrlConnected
}

// Close disconnects and stops the worker.
func (g *Gateway) Close() error {
	g.handleNotifications()
	return multierr.Append(g.disconnect(0), g.w.Close())
}

// disconnect stops the device reader, waiting up to grace for it to leave
// on its own, and unregisters from the host controller.
func (g *Gateway) disconnect(grace time.Duration) error {
	if !g.deviceConnected && !g.hostctrlConnected {
		return nil
	}
	var err error

	if g.deviceConnected {
		if forced := g.reader.stop(grace); forced {
			g.log.Warn("device reader did not stop in time, cancelled")
		}
		g.reader = nil
		g.deviceConnected = false
	}

	if g.hostctrlConnected {
		if _, e := g.w.Call(worker.Message{Name: statusDisconnect}, statusDisconnectDone); e != nil {
			err = multierr.Append(err, fmt.Errorf("gateway disconnect: %w", e))
		}
		g.hostctrlConnected = false
	}

	metrics.GatewayConnected.WithLabelValues(g.subnetLabel).Set(0)
	g.log.Info("gateway disconnected")
	return err
}

// handleNotifications drains pending notifications from the worker and the
// device reader. A device disconnect runs the full disconnect sequence.
func (g *Gateway) handleNotifications() {
	lost := false
drain:
	for {
		select {
		case msg := <-g.w.Notifications():
			if msg.Name == StatusDeviceDisconnected {
				lost = true
			}
		default:
			break drain
		}
	}
	if !lost {
		return
	}
	g.log.Warn("device disconnect detected")
	if err := g.disconnect(ReaderStopTimeout); err != nil {
		g.log.Error("disconnect after device loss failed", "error", err)
	}
}

// deviceReader is the goroutine blocking on DeviceLink.ReadPacket.
type deviceReader struct {
	quit   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func startDeviceReader(g *Gateway) *deviceReader {
	ctx, cancel := context.WithCancel(context.Background())
	r := &deviceReader{
		quit:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run(ctx, g)
	return r
}

func (r *deviceReader) run(ctx context.Context, g *Gateway) {
	defer close(r.done)

	for {
		select {
		case <-r.quit:
			return
		default:
		}

		p, err := g.cfg.Link.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, core.ErrNotConnected) {
				g.log.Warn("device read failed, link lost", "error", err)
				metrics.GatewayDeviceErrors.WithLabelValues(g.subnetLabel, "read", "disconnect").Inc()
				g.w.Notify(StatusDeviceDisconnected, 0)
				return
			}
			g.log.Debug("device read failed, retrying", "error", err)
			metrics.GatewayDeviceErrors.WithLabelValues(g.subnetLabel, "read", "transient").Inc()
			select {
			case <-time.After(readRetryDelay):
				continue
			case <-r.quit:
				return
			}
		}

		select {
		case g.fromDevice <- [][]byte{p.Bytes()}:
		case <-r.quit:
			return
		}
	}
}

// stop asks the reader to exit and waits up to grace. A reader still
// blocked in ReadPacket after that is cancelled; with no grace it is
// cancelled at once. The goroutine is joined either way. stop reports
// whether the grace period ran out.
func (r *deviceReader) stop(grace time.Duration) (forced bool) {
	close(r.quit)
	defer r.cancel()

	if grace <= 0 {
		r.cancel()
		<-r.done
		return false
	}
	select {
	case <-r.done:
		return false
	case <-time.After(grace):
	}
	r.cancel()
	<-r.done
	return true
}
