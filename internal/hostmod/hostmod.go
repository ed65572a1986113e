// Package hostmod is the client side of the host controller network: it
// gives host software an address in the debug interconnect and implements
// register access and event transfer on top of it.
package hostmod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/metrics"
	"opensocdebug.org/osd/internal/worker"
)

const responseQueueSize = 16

// Flags modifies register and event calls.
type Flags uint

const (
	// Blocking waits without the module timeout, only bounded by ctx.
	Blocking Flags = 1 << iota
)

// EventHandler receives complete events inside the worker goroutine. It must
// not call back into the HostMod.
type EventHandler func(p *core.Packet)

// Config configures a HostMod.
type Config struct {
	// HostCtrl is the host controller address.
	HostCtrl string
	// Timeout bounds non-blocking register accesses, event receives and
	// management round trips.
	Timeout time.Duration
	// EventHandler, if set, receives all events; EventReceive is unusable then.
	EventHandler EventHandler
	// FragmentExpiry drops buffered event fragments of a source after this
	// long without a new fragment. Zero keeps them until the last fragment.
	FragmentExpiry time.Duration
	Logger         *slog.Logger
}

// HostMod is a host module. Its methods must not be called concurrently.
type HostMod struct {
	cfg Config
	w   *worker.Worker

	addr      core.Addr
	connected bool

	responses chan *core.Packet
	inbox     *inbox

	log *slog.Logger
}

// New creates a disconnected host module.
func New(cfg Config) (*HostMod, error) {
	if cfg.HostCtrl == "" {
		return nil, fmt.Errorf("%w: host controller address required", core.ErrConfigInvalid)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = worker.DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hostmod")

	h := &HostMod{
		cfg:       cfg,
		responses: make(chan *core.Packet, responseQueueSize),
		inbox:     newInbox(),
		log:       logger,
	}
	w, err := worker.New(newClient(h), worker.Options{
		Name:    "hostmod",
		Timeout: 2 * cfg.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hostmod worker: %w", err)
	}
	h.w = w
	return h, nil
}

// Connect obtains an address from the host controller.
func (h *HostMod) Connect() error {
	h.handleNotifications()
	if h.connected {
		return nil
	}

	v, err := h.w.Call(worker.Message{Name: statusConnect}, statusConnectDone)
	if err != nil {
		switch v {
		case connectSubnetFull:
			return fmt.Errorf("hostmod connect to %s: %w: %w", h.cfg.HostCtrl, core.ErrConnectionFailed, core.ErrSubnetFull)
		case connectProtocol:
			return fmt.Errorf("hostmod connect to %s: %w: %w", h.cfg.HostCtrl, core.ErrConnectionFailed, core.ErrProtocol)
		}
		return fmt.Errorf("hostmod connect to %s: %w: %w", h.cfg.HostCtrl, core.ErrConnectionFailed, err)
	}

	h.addr = core.Addr(v)
	h.connected = true
	h.log.Info("host module connected", "addr", h.addr)
	return nil
}

// Disconnect releases the address.
func (h *HostMod) Disconnect() error {
	h.handleNotifications()
	return h.disconnect()
}

func (h *HostMod) disconnect() error {
	if !h.connected {
		return nil
	}
	h.connected = false
	if _, err := h.w.Call(worker.Message{Name: statusDisconnect}, statusDisconnectDone); err != nil {
		return fmt.Errorf("hostmod disconnect: %w", err)
	}
	h.log.Info("host module disconnected")
	return nil
}

// IsConnected reports whether the module holds an address.
func (h *HostMod) IsConnected() bool {
	h.handleNotifications()
	return h.connected
}

// Addr returns the address of the module. Only valid while connected.
func (h *HostMod) Addr() core.Addr {
	return h.addr
}

// Close disconnects and stops the worker.
func (h *HostMod) Close() error {
	h.handleNotifications()
	return multierr.Append(h.disconnect(), h.w.Close())
}

func (h *HostMod) handleNotifications() {
	for {
		select {
		case msg := <-h.w.Notifications():
			if msg.Name == StatusHostCtrlDisconnected && h.connected {
				h.log.Warn("host controller connection lost")
				h.connected = false
			}
		default:
			return
		}
	}
}

func (h *HostMod) requireConnected() error {
	h.handleNotifications()
	if !h.connected {
		return core.ErrNotConnected
	}
	return nil
}

// Send sends a packet as is.
func (h *HostMod) Send(p *core.Packet) error {
	if err := h.requireConnected(); err != nil {
		return err
	}
	if _, err := h.w.Call(worker.Message{Name: statusSend, Frames: [][]byte{p.Bytes()}}, statusSendDone); err != nil {
		return fmt.Errorf("send packet: %w", err)
	}
	return nil
}

// EventSend sends a prepared EVENT packet.
func (h *HostMod) EventSend(p *core.Packet) error {
	if p.Type() != core.TypeEvent {
		return fmt.Errorf("%w: %s is not an event packet", core.ErrFailure, p.Type())
	}
	return h.Send(p)
}

// EventReceive returns the next complete event. Without Blocking it fails
// with ErrTimedOut if no event arrives within the module timeout.
func (h *HostMod) EventReceive(ctx context.Context, flags Flags) (*core.Packet, error) {
	if err := h.requireConnected(); err != nil {
		return nil, err
	}
	if h.cfg.EventHandler != nil {
		return nil, fmt.Errorf("%w: events are delivered to the event handler", core.ErrFailure)
	}

	var deadline <-chan time.Time
	if flags&Blocking == 0 {
		timer := time.NewTimer(h.cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	p, ok := h.inbox.pop(ctx, deadline)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no event within %s: %w", h.cfg.Timeout, core.ErrTimedOut)
	}
	return p, nil
}

// RegRead reads a register of the module at dest.
func (h *HostMod) RegRead(ctx context.Context, dest core.Addr, reg uint16, width Width, flags Flags) ([]uint16, error) {
	reqSub, respSub, err := width.readSubtypes()
	if err != nil {
		return nil, err
	}
	req := core.NewPacketWithHeader(dest, h.addr, core.TypeReg, reqSub, 1)
	req.Payload()[0] = reg

	resp, err := h.transact(ctx, req, flags)
	if err != nil {
		metrics.HostmodRegisterAccesses.WithLabelValues("read", "error").Inc()
		return nil, fmt.Errorf("read register 0x%04x of %s: %w", reg, dest, err)
	}

	switch {
	case resp.Subtype() == core.SubRespReadRegError:
		err = core.ErrDevice
	case resp.Subtype() != respSub:
		err = fmt.Errorf("%w: response subtype %d, expected %d", core.ErrDeviceInvalidData, resp.Subtype(), respSub)
	case resp.PayloadWords() != width.Words():
		err = fmt.Errorf("%w: %d payload words, expected %d", core.ErrDeviceInvalidData, resp.PayloadWords(), width.Words())
	}
	if err != nil {
		metrics.HostmodRegisterAccesses.WithLabelValues("read", "error").Inc()
		return nil, fmt.Errorf("read register 0x%04x of %s: %w", reg, dest, err)
	}
	metrics.HostmodRegisterAccesses.WithLabelValues("read", "ok").Inc()

	out := make([]uint16, width.Words())
	copy(out, resp.Payload())
	return out, nil
}

// RegWrite writes value, most significant word first, to a register of the
// module at dest.
func (h *HostMod) RegWrite(ctx context.Context, dest core.Addr, reg uint16, width Width, value []uint16, flags Flags) error {
	sub, err := width.writeSubtype()
	if err != nil {
		return err
	}
	if len(value) != width.Words() {
		return fmt.Errorf("%w: %d words for a %d bit register", core.ErrFailure, len(value), int(width))
	}
	req := core.NewPacketWithHeader(dest, h.addr, core.TypeReg, sub, 1+len(value))
	req.Payload()[0] = reg
	copy(req.Payload()[1:], value)

	resp, err := h.transact(ctx, req, flags)
	if err == nil {
		switch resp.Subtype() {
		case core.SubRespWriteRegSuccess:
		case core.SubRespWriteRegError:
			err = core.ErrDevice
		default:
			err = fmt.Errorf("%w: response subtype %d", core.ErrDeviceInvalidData, resp.Subtype())
		}
	}
	if err != nil {
		metrics.HostmodRegisterAccesses.WithLabelValues("write", "error").Inc()
		return fmt.Errorf("write register 0x%04x of %s: %w", reg, dest, err)
	}
	metrics.HostmodRegisterAccesses.WithLabelValues("write", "ok").Inc()
	return nil
}

// ReadReg16 reads a 16 bit register.
func (h *HostMod) ReadReg16(ctx context.Context, dest core.Addr, reg uint16) (uint16, error) {
	v, err := h.RegRead(ctx, dest, reg, Width16, 0)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// ReadReg32 reads a 32 bit register.
func (h *HostMod) ReadReg32(ctx context.Context, dest core.Addr, reg uint16) (uint32, error) {
	v, err := h.RegRead(ctx, dest, reg, Width32, 0)
	if err != nil {
		return 0, err
	}
	return uint32(v[0])<<16 | uint32(v[1]), nil
}

// ReadReg64 reads a 64 bit register.
func (h *HostMod) ReadReg64(ctx context.Context, dest core.Addr, reg uint16) (uint64, error) {
	v, err := h.RegRead(ctx, dest, reg, Width64, 0)
	if err != nil {
		return 0, err
	}
	var out uint64
	for _, w := range v {
		out = out<<16 | uint64(w)
	}
	return out, nil
}

// WriteReg16 writes a 16 bit register.
func (h *HostMod) WriteReg16(ctx context.Context, dest core.Addr, reg, value uint16) error {
	return h.RegWrite(ctx, dest, reg, Width16, []uint16{value}, 0)
}

// WriteReg32 writes a 32 bit register.
func (h *HostMod) WriteReg32(ctx context.Context, dest core.Addr, reg uint16, value uint32) error {
	return h.RegWrite(ctx, dest, reg, Width32, []uint16{uint16(value >> 16), uint16(value)}, 0)
}

// WriteReg64 writes a 64 bit register.
func (h *HostMod) WriteReg64(ctx context.Context, dest core.Addr, reg uint16, value uint64) error {
	words := make([]uint16, 4)
	for i := range words {
		words[i] = uint16(value >> (16 * (3 - i)))
	}
	return h.RegWrite(ctx, dest, reg, Width64, words, 0)
}

// transact sends a register request and waits for its response.
func (h *HostMod) transact(ctx context.Context, req *core.Packet, flags Flags) (*core.Packet, error) {
	if err := h.requireConnected(); err != nil {
		return nil, err
	}
	// Responses of earlier timed out requests.
drain:
	for {
		select {
		case p := <-h.responses:
			h.log.Debug("discarding stale register response", "packet", p)
		default:
			break drain
		}
	}

	if err := h.Send(req); err != nil {
		return nil, err
	}

	var deadline <-chan time.Time
	if flags&Blocking == 0 {
		timer := time.NewTimer(h.cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		select {
		case resp := <-h.responses:
			if resp.Src() != req.Dest() {
				h.log.Debug("discarding register response from unexpected source", "packet", resp)
				continue
			}
			return resp, nil
		case <-deadline:
			return nil, fmt.Errorf("no response within %s: %w", h.cfg.Timeout, core.ErrTimedOut)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// DescribeModule reads the identification registers of the module at addr.
func (h *HostMod) DescribeModule(ctx context.Context, addr core.Addr) (ModuleDesc, error) {
	d := ModuleDesc{Addr: addr}
	var err error
	if d.Vendor, err = h.ReadReg16(ctx, addr, RegModVendor); err != nil {
		return d, err
	}
	if d.Type, err = h.ReadReg16(ctx, addr, RegModType); err != nil {
		return d, err
	}
	if d.Version, err = h.ReadReg16(ctx, addr, RegModVersion); err != nil {
		return d, err
	}
	return d, nil
}

// GetModules enumerates the modules of subnet. Modules that cannot be
// described are returned with Unknown set and the error wraps
// core.ErrPartialResult.
func (h *HostMod) GetModules(ctx context.Context, subnet uint) ([]ModuleDesc, error) {
	scm, err := scmOf(subnet)
	if err != nil {
		return nil, err
	}
	n, err := h.ReadReg16(ctx, scm, RegSCMNumMod)
	if err != nil {
		return nil, fmt.Errorf("read module count of subnet %d: %w", subnet, err)
	}
	if int(n) > core.MaxLocal+1 {
		return nil, fmt.Errorf("%w: subnet %d reports %d modules", core.ErrDeviceInvalidData, subnet, n)
	}

	mods := make([]ModuleDesc, 0, n)
	var errs error
	for local := uint(0); local < uint(n); local++ {
		addr := core.NewAddr(subnet, local)
		d, err := h.DescribeModule(ctx, addr)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return mods, ctxErr
			}
			h.log.Warn("unable to describe module", "module", addr, "error", err)
			errs = multierr.Append(errs, err)
			d = ModuleDesc{Addr: addr, Unknown: true}
		}
		mods = append(mods, d)
	}
	if errs != nil {
		return mods, fmt.Errorf("%w: %w", core.ErrPartialResult, errs)
	}
	return mods, nil
}

// MaxEventWords returns the largest event payload, in words, the subnet
// accepts.
func (h *HostMod) MaxEventWords(ctx context.Context, subnet uint) (int, error) {
	scm, err := scmOf(subnet)
	if err != nil {
		return 0, err
	}
	n, err := h.ReadReg16(ctx, scm, RegSCMMaxPktLen)
	if err != nil {
		return 0, err
	}
	if int(n) < core.HeaderWords {
		return 0, fmt.Errorf("%w: maximum packet length %d", core.ErrDeviceInvalidData, n)
	}
	return core.SizeToPayload(int(n)), nil
}

// SystemInfo reads the identification of subnet from its SCM.
func (h *HostMod) SystemInfo(ctx context.Context, subnet uint) (SystemInfo, error) {
	var info SystemInfo
	scm, err := scmOf(subnet)
	if err != nil {
		return info, err
	}
	regs := []struct {
		reg uint16
		dst *uint16
	}{
		{RegSCMSystemVendorID, &info.VendorID},
		{RegSCMSystemDeviceID, &info.DeviceID},
		{RegSCMNumMod, &info.NumModules},
		{RegSCMMaxPktLen, &info.MaxPktLen},
	}
	for _, r := range regs {
		v, err := h.ReadReg16(ctx, scm, r.reg)
		if err != nil {
			return info, err
		}
		*r.dst = v
	}
	return info, nil
}

// SetEventDest directs the events of the module at addr to this host module.
func (h *HostMod) SetEventDest(ctx context.Context, addr core.Addr) error {
	if err := h.requireConnected(); err != nil {
		return err
	}
	return h.WriteReg16(ctx, addr, RegModEventDest, uint16(h.addr))
}

// SetEventActive enables or disables event generation of the module at addr.
func (h *HostMod) SetEventActive(ctx context.Context, addr core.Addr, active bool) error {
	cs, err := h.ReadReg16(ctx, addr, RegModCS)
	if err != nil {
		return err
	}
	if active {
		cs |= ModCSActive
	} else {
		cs &^= ModCSActive
	}
	return h.WriteReg16(ctx, addr, RegModCS, cs)
}

func scmOf(subnet uint) (core.Addr, error) {
	if subnet > core.MaxSubnet {
		return 0, fmt.Errorf("%w: subnet %d out of range (0-%d)", core.ErrConfigInvalid, subnet, core.MaxSubnet)
	}
	return core.SCM(subnet), nil
}

// IsPartial reports whether err only signals missing items of an otherwise
// complete result.
func IsPartial(err error) bool {
	return errors.Is(err, core.ErrPartialResult)
}
