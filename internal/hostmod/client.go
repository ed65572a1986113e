package hostmod

import (
	"log/slog"

	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/metrics"
	"opensocdebug.org/osd/internal/transport"
	"opensocdebug.org/osd/internal/wire"
	"opensocdebug.org/osd/internal/worker"
)

const (
	statusConnect        = "I-CONNECT"
	statusConnectDone    = "I-CONNECT-DONE"
	statusDisconnect     = "I-DISCONNECT"
	statusDisconnectDone = "I-DISCONNECT-DONE"
	statusSend           = "I-SEND"
	statusSendDone       = "I-SEND-DONE"

	// StatusHostCtrlDisconnected notifies the owner that the host controller
	// connection was lost.
	StatusHostCtrlDisconnected = "I-HOSTCTRL-DISCONNECTED"
)

// Values of a failed I-CONNECT-DONE.
const (
	connectFailed     = -1
	connectSubnetFull = -2
	connectProtocol   = -3
)

const sourceHostCtrl = "hostctrl"

// client is the worker extension of a host module.
type client struct {
	hm   *HostMod
	ep   *transport.Endpoint
	addr core.Addr

	events *reassembler

	log *slog.Logger
}

func newClient(h *HostMod) *client {
	return &client{
		hm:     h,
		events: newReassembler(h.cfg.FragmentExpiry),
		log:    h.log,
	}
}

func (c *client) Init(t *worker.Thread) error {
	return nil
}

func (c *client) Destroy(t *worker.Thread) {
	c.close(t)
}

func (c *client) HandleCommand(t *worker.Thread, msg worker.Message) error {
	switch msg.Name {
	case statusConnect:
		t.SendStatus(statusConnectDone, c.connect(t))
	case statusDisconnect:
		c.disconnect(t)
		t.SendStatus(statusDisconnectDone, 0)
	case statusSend:
		t.SendStatus(statusSendDone, c.send(msg.Frames))
	default:
		c.log.Warn("unknown control message", "name", msg.Name)
	}
	return nil
}

// connect requests an address and returns it, or a negative value on
// failure.
func (c *client) connect(t *worker.Thread) int {
	if c.ep != nil {
		return int(c.addr)
	}
	ep, err := transport.Dial(t.Context(), c.hm.cfg.HostCtrl)
	if err != nil {
		c.log.Error("failed to connect to host controller", "hostctrl", c.hm.cfg.HostCtrl, "error", err)
		return connectFailed
	}
	reply, err := ep.Request(t.Context(), wire.AddrRequest(), c.hm.cfg.Timeout, c.dispatch)
	if err != nil || reply.Addr == nil {
		_ = ep.Close()
		switch {
		case err != nil:
			c.log.Error("address request failed", "error", err)
			return connectFailed
		case !reply.Ack:
			c.log.Error("address request rejected, subnet full")
			return connectSubnetFull
		default:
			c.log.Error("address request acknowledged without an address")
			return connectProtocol
		}
	}

	c.ep = ep
	c.addr = *reply.Addr
	t.AddSource(sourceHostCtrl, worker.Source{
		C: ep.In(),
		Handle: func(t *worker.Thread, frames [][]byte) error {
			kind, body, err := wire.Split(frames)
			if err != nil {
				c.log.Warn("dropping malformed message", "error", err)
				return nil
			}
			if kind != wire.KindData {
				c.log.Warn("unexpected management message", "body", string(body))
				return nil
			}
			c.dispatch(body)
			return nil
		},
		Closed: func(t *worker.Thread) error {
			c.log.Warn("host controller connection closed")
			_ = c.ep.Close()
			c.ep = nil
			t.Notify(StatusHostCtrlDisconnected, 0)
			return nil
		},
	})
	return int(c.addr)
}

func (c *client) disconnect(t *worker.Thread) {
	if c.ep == nil {
		return
	}
	reply, err := c.ep.Request(t.Context(), wire.AddrRelease(), c.hm.cfg.Timeout, c.dispatch)
	switch {
	case err != nil:
		c.log.Warn("address release failed", "error", err)
	case !reply.Ack:
		c.log.Warn("host controller rejected address release")
	}
	c.close(t)
}

func (c *client) close(t *worker.Thread) {
	c.events.reset()
	if c.ep == nil {
		return
	}
	t.RemoveSource(sourceHostCtrl)
	if err := c.ep.Close(); err != nil {
		c.log.Debug("closing host controller connection", "error", err)
	}
	c.ep = nil
}

func (c *client) send(frames [][]byte) int {
	if c.ep == nil || len(frames) != 1 {
		return -1
	}
	if err := c.ep.Send([][]byte{[]byte(wire.KindData), frames[0]}); err != nil {
		c.log.Warn("sending packet failed", "error", err)
		return -1
	}
	return 0
}

// dispatch handles one data message from the host controller. Register
// responses go to the waiting caller, events are reassembled and delivered.
func (c *client) dispatch(body []byte) {
	p, err := core.UnmarshalPacket(body)
	if err != nil {
		c.log.Warn("dropping invalid packet", "error", err)
		return
	}

	switch p.Type() {
	case core.TypeReg:
		select {
		case c.hm.responses <- p:
		default:
			c.log.Warn("register response queue full, dropping", "packet", p)
		}
	case core.TypeEvent:
		ev := c.events.add(p)
		if ev == nil {
			return
		}
		c.deliver(ev)
	default:
		c.deliver(p)
	}
}

func (c *client) deliver(p *core.Packet) {
	metrics.HostmodEventsDelivered.Inc()
	if h := c.hm.cfg.EventHandler; h != nil {
		h(p)
		return
	}
	c.hm.inbox.push(p)
}
