package devicelink

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"opensocdebug.org/osd/internal/core"
)

// Register addresses served by the simulated device.
const (
	regModVendor    = 0x0000
	regModType      = 0x0001
	regModVersion   = 0x0002
	regModCS        = 0x0003
	regModEventDest = 0x0004

	regSCMSystemVendorID = 0x0200
	regSCMSystemDeviceID = 0x0201
	regSCMNumMod         = 0x0202
	regSCMMaxPktLen      = 0x0203
)

// SimModule describes one module of a simulated subnet.
type SimModule struct {
	Vendor  uint16
	Type    uint16
	Version uint16
}

// SimConfig describes a simulated subnet. Module 0 is the SCM.
type SimConfig struct {
	Subnet    uint
	VendorID  uint16
	DeviceID  uint16
	MaxPktLen uint16
	Modules   []SimModule
}

// Sim answers register accesses on the device side of a Loopback, so a
// gateway can be exercised without hardware. Every register is 16 bit wide;
// wider accesses address consecutive registers.
type Sim struct {
	link *Loopback
	cfg  SimConfig

	mu   sync.Mutex
	regs map[core.Addr]map[uint16]uint16

	log *slog.Logger
}

// NewSim creates a simulated subnet behind link.
func NewSim(link *Loopback, cfg SimConfig) *Sim {
	if cfg.MaxPktLen == 0 {
		cfg.MaxPktLen = 12
	}
	s := &Sim{
		link: link,
		cfg:  cfg,
		regs: map[core.Addr]map[uint16]uint16{},
		log:  slog.Default().With("component", "devicesim", "subnet", cfg.Subnet),
	}
	for i, m := range cfg.Modules {
		addr := core.NewAddr(cfg.Subnet, uint(i))
		regs := map[uint16]uint16{
			regModVendor:    m.Vendor,
			regModType:      m.Type,
			regModVersion:   m.Version,
			regModCS:        0,
			regModEventDest: 0,
		}
		if i == core.SCMLocal {
			regs[regSCMSystemVendorID] = cfg.VendorID
			regs[regSCMSystemDeviceID] = cfg.DeviceID
			regs[regSCMNumMod] = uint16(len(cfg.Modules))
			regs[regSCMMaxPktLen] = cfg.MaxPktLen
		}
		s.regs[addr] = regs
	}
	return s
}

// Reg returns the current value of a register.
func (s *Sim) Reg(addr core.Addr, reg uint16) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.regs[addr][reg]
	return v, ok
}

// Run answers requests until ctx is done or the link is closed.
func (s *Sim) Run(ctx context.Context) error {
	for {
		req, err := s.link.Next(ctx)
		if err != nil {
			if errors.Is(err, core.ErrNotConnected) {
				return nil
			}
			return err
		}
		if req.Type() != core.TypeReg {
			s.log.Debug("ignoring non register packet", "packet", req)
			continue
		}
		if err := s.link.Inject(ctx, s.handle(req)); err != nil {
			return err
		}
	}
}

func (s *Sim) handle(req *core.Packet) *core.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := req.Subtype()
	regs, ok := s.regs[req.Dest()]

	switch {
	case sub <= core.SubReqReadReg128:
		words := 1 << sub
		if !ok || req.PayloadWords() != 1 {
			return s.reply(req, core.SubRespReadRegError, 0)
		}
		base := req.Payload()[0]
		resp := s.reply(req, core.SubRespReadRegSuccess16+sub, words)
		for i := 0; i < words; i++ {
			v, ok := regs[base+uint16(i)]
			if !ok {
				return s.reply(req, core.SubRespReadRegError, 0)
			}
			resp.Payload()[i] = v
		}
		return resp

	case sub <= core.SubReqWriteReg128:
		words := 1 << (sub - core.SubReqWriteReg16)
		if !ok || req.PayloadWords() != 1+words {
			return s.reply(req, core.SubRespWriteRegError, 0)
		}
		base := req.Payload()[0]
		for i := 0; i < words; i++ {
			if _, ok := regs[base+uint16(i)]; !ok {
				return s.reply(req, core.SubRespWriteRegError, 0)
			}
		}
		for i := 0; i < words; i++ {
			regs[base+uint16(i)] = req.Payload()[1+i]
		}
		return s.reply(req, core.SubRespWriteRegSuccess, 0)

	default:
		return s.reply(req, core.SubRespReadRegError, 0)
	}
}

func (s *Sim) reply(req *core.Packet, sub uint8, words int) *core.Packet {
	return core.NewPacketWithHeader(req.Src(), req.Dest(), core.TypeReg, sub, words)
}
