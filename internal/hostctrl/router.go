package hostctrl

import (
	"fmt"
	"log/slog"

	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/metrics"
	"opensocdebug.org/osd/internal/transport"
	"opensocdebug.org/osd/internal/wire"
	"opensocdebug.org/osd/internal/worker"
)

const sourceRouter = "router"

// router is the worker extension of the host controller. Its state is only
// touched from the worker goroutine.
type router struct {
	ctrl   *Controller
	subnet uint

	ep *transport.Endpoint

	// modules maps local addresses to peer identities, gateways maps subnets
	// to peer identities. Presence means registered.
	modules  map[uint]string
	gateways map[uint]string

	log *slog.Logger
}

func newRouter(c *Controller) *router {
	return &router{
		ctrl:     c,
		subnet:   c.cfg.Subnet,
		modules:  map[uint]string{},
		gateways: map[uint]string{},
		log:      c.log,
	}
}

func (r *router) Init(t *worker.Thread) error {
	return nil
}

func (r *router) Destroy(t *worker.Thread) {
	r.unbind(t)
}

func (r *router) HandleCommand(t *worker.Thread, msg worker.Message) error {
	switch msg.Name {
	case statusStart:
		if err := r.bind(t); err != nil {
			r.log.Error("failed to start host controller", "listen", r.ctrl.cfg.Listen, "error", err)
			t.SendStatus(statusStartDone, -1)
			return nil
		}
		t.SendStatus(statusStartDone, 0)
	case statusStop:
		r.unbind(t)
		t.SendStatus(statusStopDone, 0)
	default:
		r.log.Warn("unknown control message", "name", msg.Name)
	}
	return nil
}

func (r *router) bind(t *worker.Thread) error {
	if r.ep != nil {
		return nil
	}
	ep, err := transport.Listen(t.Context(), r.ctrl.cfg.Listen)
	if err != nil {
		return err
	}
	r.ep = ep
	t.AddSource(sourceRouter, worker.Source{
		C:      ep.In(),
		Handle: r.handle,
		Closed: func(t *worker.Thread) error {
			r.log.Warn("host controller endpoint closed")
			return nil
		},
	})
	r.publish()
	return nil
}

func (r *router) unbind(t *worker.Thread) {
	if r.ep == nil {
		return
	}
	t.RemoveSource(sourceRouter)
	if err := r.ep.Close(); err != nil {
		r.log.Debug("closing host controller endpoint", "error", err)
	}
	r.ep = nil
	r.publish()
}

func (r *router) publish() {
	addr := ""
	if r.ep != nil {
		addr = r.ep.Addr()
	}
	r.ctrl.publish(addr, r.modules, r.gateways)
	metrics.HostctrlAddressesAllocated.Set(float64(len(r.modules)))
	metrics.HostctrlGatewaysRegistered.Set(float64(len(r.gateways)))
}

// handle processes one message [peer, kind, body] received on the router.
// Malformed messages are logged and dropped; they never end the event loop.
func (r *router) handle(t *worker.Thread, frames [][]byte) error {
	if len(frames) < 1 {
		return nil
	}
	peer := string(frames[0])
	kind, body, err := wire.Split(frames[1:])
	if err != nil {
		r.log.Warn("dropping malformed message", "peer", peer, "error", err)
		metrics.HostctrlPacketsDropped.WithLabelValues("malformed").Inc()
		return nil
	}

	switch kind {
	case wire.KindManagement:
		r.handleManagement(peer, body)
	case wire.KindData:
		r.route(peer, body)
	}
	return nil
}

func (r *router) handleManagement(peer string, body []byte) {
	req, err := wire.ParseRequest(body)
	var reply wire.Reply
	if err != nil {
		r.log.Warn("malformed management request", "peer", peer, "error", err)
		reply = wire.Nack
	} else {
		reply = r.manage(peer, req)
	}

	result := "nack"
	if reply.Ack {
		result = "ack"
	}
	metrics.HostctrlManagementRequests.WithLabelValues(req.Op.String(), result).Inc()
	r.log.Debug("management request", "peer", peer, "request", req.String(), "reply", reply.String())

	r.send(peer, wire.ManagementFrames(reply))
}

func (r *router) manage(peer string, req wire.Request) wire.Reply {
	switch req.Op {
	case wire.OpAddrRequest:
		addr, err := r.allocate(peer)
		if err != nil {
			r.log.Error("address request failed", "peer", peer, "error", err)
			return wire.Nack
		}
		r.log.Info("address allocated", "peer", peer, "addr", addr)
		return wire.AddrReply(addr)

	case wire.OpAddrRelease:
		for local := uint(core.SCMLocal + 1); local <= core.MaxLocal; local++ {
			if p, ok := r.modules[local]; ok && p == peer {
				delete(r.modules, local)
				r.publish()
				r.log.Info("address released", "peer", peer, "addr", core.NewAddr(r.subnet, local))
				return wire.Ack
			}
		}
		return wire.Nack

	case wire.OpGatewayRegister:
		if _, ok := r.gateways[req.Subnet]; ok {
			r.log.Warn("gateway already registered", "peer", peer, "gw_subnet", req.Subnet)
			return wire.Nack
		}
		r.gateways[req.Subnet] = peer
		r.publish()
		r.log.Info("gateway registered", "peer", peer, "gw_subnet", req.Subnet)
		return wire.Ack

	case wire.OpGatewayUnregister:
		if p, ok := r.gateways[req.Subnet]; !ok || p != peer {
			return wire.Nack
		}
		delete(r.gateways, req.Subnet)
		r.publish()
		r.log.Info("gateway unregistered", "peer", peer, "gw_subnet", req.Subnet)
		return wire.Ack

	default:
		return wire.Ack
	}
}

// allocate assigns the lowest free local address to peer. Local address 0
// belongs to the subnet's system control module and is never handed out.
func (r *router) allocate(peer string) (core.Addr, error) {
	for local := uint(core.SCMLocal + 1); local <= core.MaxLocal; local++ {
		if _, used := r.modules[local]; used {
			continue
		}
		r.modules[local] = peer
		r.publish()
		return core.NewAddr(r.subnet, local), nil
	}
	return 0, fmt.Errorf("subnet %d: %w", r.subnet, core.ErrSubnetFull)
}

func (r *router) route(peer string, body []byte) {
	p, err := core.UnmarshalPacket(body)
	if err != nil {
		r.log.Warn("dropping invalid data message", "peer", peer, "error", err)
		metrics.HostctrlPacketsDropped.WithLabelValues("invalid").Inc()
		return
	}

	dest := p.Dest()
	var (
		target string
		ok     bool
		via    string
	)
	if dest.Subnet() == r.subnet {
		target, ok = r.modules[dest.Local()]
		via = "local"
	} else {
		target, ok = r.gateways[dest.Subnet()]
		via = "gateway"
	}
	if !ok {
		r.log.Warn("dropping unroutable packet", "peer", peer, "dest", dest, "route", via)
		metrics.HostctrlPacketsDropped.WithLabelValues("no_route_" + via).Inc()
		return
	}

	if !r.send(target, [][]byte{[]byte(wire.KindData), body}) {
		metrics.HostctrlPacketsDropped.WithLabelValues("send_failed").Inc()
		return
	}
	r.log.Debug("routed packet", "from", peer, "to", target, "packet", p)
	metrics.HostctrlPacketsRouted.WithLabelValues(via).Inc()
	r.ctrl.cfg.Tap.Publish(p)
}

// send delivers frames to peer. Failures are reported but never escalated.
func (r *router) send(peer string, frames [][]byte) bool {
	if r.ep == nil {
		return false
	}
	if err := r.ep.Send(wire.Routed([]byte(peer), frames)); err != nil {
		r.log.Warn("send to peer failed", "peer", peer, "error", err)
		return false
	}
	return true
}
