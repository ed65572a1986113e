package gateway

import (
	"errors"
	"log/slog"

	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/metrics"
	"opensocdebug.org/osd/internal/transport"
	"opensocdebug.org/osd/internal/wire"
	"opensocdebug.org/osd/internal/worker"
)

const (
	sourceHostCtrl = "hostctrl"
	sourceDevice   = "device"
)

// bridge is the worker extension of the gateway.
type bridge struct {
	gw *Gateway
	ep *transport.Endpoint

	log *slog.Logger
}

func newBridge(g *Gateway) *bridge {
	return &bridge{gw: g, log: g.log}
}

func (b *bridge) Init(t *worker.Thread) error {
	t.AddSource(sourceDevice, worker.Source{
		C:      b.gw.fromDevice,
		Handle: b.toHostCtrl,
	})
	return nil
}

func (b *bridge) Destroy(t *worker.Thread) {
	b.detach(t, false)
}

func (b *bridge) HandleCommand(t *worker.Thread, msg worker.Message) error {
	switch msg.Name {
	case statusConnect:
		if err := b.attach(t); err != nil {
			b.log.Error("failed to register with host controller", "hostctrl", b.gw.cfg.HostCtrl, "error", err)
			t.SendStatus(statusConnectDone, -1)
			return nil
		}
		t.SendStatus(statusConnectDone, 0)
	case statusDisconnect:
		// After a device write failure the registration is already gone.
		b.detach(t, true)
		t.SendStatus(statusDisconnectDone, 0)
	default:
		b.log.Warn("unknown control message", "name", msg.Name)
	}
	return nil
}

// attach connects to the host controller and registers the gateway for its
// subnet.
func (b *bridge) attach(t *worker.Thread) error {
	if b.ep != nil {
		return nil
	}
	b.discardStale()

	ep, err := transport.Dial(t.Context(), b.gw.cfg.HostCtrl)
	if err != nil {
		return err
	}
	reply, err := ep.Request(t.Context(), wire.GatewayRegister(b.gw.cfg.Subnet), b.gw.cfg.Timeout, nil)
	if err == nil && !reply.Ack {
		err = errors.New("registration rejected, subnet already served")
	}
	if err != nil {
		_ = ep.Close()
		return err
	}

	b.ep = ep
	t.AddSource(sourceHostCtrl, worker.Source{
		C:      ep.In(),
		Handle: b.toDevice,
		Closed: func(t *worker.Thread) error {
			b.log.Warn("host controller connection closed")
			_ = b.ep.Close()
			b.ep = nil
			t.Notify(StatusDeviceDisconnected, 0)
			return nil
		},
	})
	return nil
}

// detach unregisters from the host controller and closes the connection.
func (b *bridge) detach(t *worker.Thread, unregister bool) {
	if b.ep == nil {
		return
	}
	t.RemoveSource(sourceHostCtrl)
	if unregister {
		reply, err := b.ep.Request(t.Context(), wire.GatewayUnregister(b.gw.cfg.Subnet), b.gw.cfg.Timeout, nil)
		switch {
		case err != nil:
			b.log.Warn("unregister from host controller failed", "error", err)
		case !reply.Ack:
			b.log.Warn("host controller rejected unregister")
		}
	}
	if err := b.ep.Close(); err != nil {
		b.log.Debug("closing host controller connection", "error", err)
	}
	b.ep = nil
}

// discardStale drops packets read from the device before the last
// disconnect.
func (b *bridge) discardStale() {
	for {
		select {
		case <-b.gw.fromDevice:
		default:
			return
		}
	}
}

// toHostCtrl forwards one packet read from the device.
func (b *bridge) toHostCtrl(t *worker.Thread, msg [][]byte) error {
	if b.ep == nil {
		b.log.Debug("not registered, dropping packet from device")
		return nil
	}
	if err := b.ep.Send([][]byte{[]byte(wire.KindData), msg[0]}); err != nil {
		b.log.Warn("forwarding packet to host controller failed", "error", err)
		return nil
	}
	metrics.GatewayPackets.WithLabelValues(b.gw.subnetLabel, "to_hostctrl").Inc()
	return nil
}

// toDevice forwards one message received from the host controller.
func (b *bridge) toDevice(t *worker.Thread, frames [][]byte) error {
	kind, body, err := wire.Split(frames)
	if err != nil {
		b.log.Warn("dropping malformed message from host controller", "error", err)
		return nil
	}
	if kind != wire.KindData {
		b.log.Warn("unexpected management message", "body", string(body))
		return nil
	}
	p, err := core.UnmarshalPacket(body)
	if err != nil {
		b.log.Warn("dropping invalid packet from host controller", "error", err)
		return nil
	}

	err = b.gw.cfg.Link.WritePacket(t.Context(), p)
	switch {
	case err == nil:
		metrics.GatewayPackets.WithLabelValues(b.gw.subnetLabel, "to_device").Inc()
	case errors.Is(err, core.ErrNotConnected):
		b.log.Warn("device write failed, link lost", "error", err)
		metrics.GatewayDeviceErrors.WithLabelValues(b.gw.subnetLabel, "write", "disconnect").Inc()
		b.detach(t, true)
		t.Notify(StatusDeviceDisconnected, 0)
	default:
		b.log.Warn("device write failed, dropping packet", "error", err, "packet", p)
		metrics.GatewayDeviceErrors.WithLabelValues(b.gw.subnetLabel, "write", "transient").Inc()
	}
	return nil
}
