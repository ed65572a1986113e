package hostmod

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/devicelink"
	"opensocdebug.org/osd/internal/gateway"
	"opensocdebug.org/osd/internal/hostctrl"
	"opensocdebug.org/osd/internal/transport"
	"opensocdebug.org/osd/internal/wire"
)

const (
	hostSubnet   = 1
	deviceSubnet = 0
)

// testbed is a host controller with a gateway to a simulated device subnet.
type testbed struct {
	ctrl *hostctrl.Controller
	gw   *gateway.Gateway
	link *devicelink.Loopback
	sim  *devicelink.Sim
}

func newTestbed(t *testing.T) *testbed {
	t.Helper()

	ctrl, err := hostctrl.New(hostctrl.Config{Listen: "tcp://127.0.0.1:0", Subnet: hostSubnet, Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	link := devicelink.NewLoopback(0)
	sim := devicelink.NewSim(link, devicelink.SimConfig{
		Subnet:    deviceSubnet,
		VendorID:  0x0001,
		DeviceID:  0x0042,
		MaxPktLen: 12,
		Modules: []devicelink.SimModule{
			{Vendor: 1, Type: 1, Version: 0},
			{Vendor: 1, Type: 2, Version: 1},
			{Vendor: 1, Type: 4, Version: 2},
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go sim.Run(ctx)

	gw, err := gateway.New(gateway.Config{
		Subnet:   deviceSubnet,
		HostCtrl: ctrl.Addr(),
		Timeout:  time.Second,
		Link:     link,
	})
	require.NoError(t, err)
	require.NoError(t, gw.Connect())

	t.Cleanup(func() {
		_ = gw.Close()
		cancel()
		_ = link.Close()
		_ = ctrl.Stop()
		_ = ctrl.Close()
	})
	return &testbed{ctrl: ctrl, gw: gw, link: link, sim: sim}
}

func connect(t *testing.T, addr string, opts ...func(*Config)) *HostMod {
	t.Helper()
	cfg := Config{HostCtrl: addr, Timeout: time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	h, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, h.Connect())
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestEndToEndEvent(t *testing.T) {
	tb := newTestbed(t)
	h := connect(t, tb.ctrl.Addr())
	assert.True(t, h.IsConnected())
	assert.Equal(t, core.NewAddr(hostSubnet, 1), h.Addr())

	ev := core.NewPacketWithHeader(h.Addr(), core.NewAddr(deviceSubnet, 2), core.TypeEvent, core.SubEventLast, 4)
	copy(ev.Payload(), []uint16{0xcafe, 0xf00d, 0x0000, 0xffff})
	require.NoError(t, tb.link.Inject(context.Background(), ev.Clone()))

	got, err := h.EventReceive(context.Background(), Blocking)
	require.NoError(t, err)
	assert.Equal(t, ev.Bytes(), got.Bytes())
}

func TestEndToEndFragmentedEvent(t *testing.T) {
	tb := newTestbed(t)
	h := connect(t, tb.ctrl.Addr())
	src := core.NewAddr(deviceSubnet, 1)

	for i, sub := range []uint8{core.SubEventCont, core.SubEventCont, core.SubEventLast} {
		p := core.NewPacketWithHeader(h.Addr(), src, core.TypeEvent, sub, 2)
		copy(p.Payload(), []uint16{uint16(2 * i), uint16(2*i + 1)})
		require.NoError(t, tb.link.Inject(context.Background(), p))
	}

	got, err := h.EventReceive(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 1, 2, 3, 4, 5}, got.Payload())

	_, err = h.EventReceive(context.Background(), 0)
	assert.ErrorIs(t, err, core.ErrTimedOut)
}

func TestEventHandler(t *testing.T) {
	tb := newTestbed(t)
	events := make(chan *core.Packet, 1)
	h := connect(t, tb.ctrl.Addr(), func(c *Config) {
		c.EventHandler = func(p *core.Packet) { events <- p }
	})

	ev := core.NewPacketWithHeader(h.Addr(), core.NewAddr(deviceSubnet, 2), core.TypeEvent, core.SubEventLast, 1)
	require.NoError(t, tb.link.Inject(context.Background(), ev.Clone()))

	select {
	case got := <-events:
		assert.True(t, ev.Equal(got))
	case <-time.After(2 * time.Second):
		t.Fatal("event handler not called")
	}

	_, err := h.EventReceive(context.Background(), 0)
	assert.ErrorIs(t, err, core.ErrFailure)
}

func TestEventSend(t *testing.T) {
	tb := newTestbed(t)
	h := connect(t, tb.ctrl.Addr())
	peer := connect(t, tb.ctrl.Addr())

	ev := core.NewPacketWithHeader(peer.Addr(), h.Addr(), core.TypeEvent, core.SubEventLast, 2)
	require.NoError(t, h.EventSend(ev))

	got, err := peer.EventReceive(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, ev.Equal(got))

	reg := core.NewPacketWithHeader(peer.Addr(), h.Addr(), core.TypeReg, 0, 1)
	assert.ErrorIs(t, h.EventSend(reg), core.ErrFailure)
}

func TestRegisterAccess(t *testing.T) {
	tb := newTestbed(t)
	h := connect(t, tb.ctrl.Addr())
	ctx := context.Background()
	scm := core.SCM(deviceSubnet)

	n, err := h.ReadReg16(ctx, scm, RegSCMNumMod)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), n)

	ids, err := h.ReadReg32(ctx, scm, RegSCMSystemVendorID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0001_0042), ids)

	mod := core.NewAddr(deviceSubnet, 1)
	require.NoError(t, h.WriteReg32(ctx, mod, RegModCS, 0x0001_0400))
	v, _ := tb.sim.Reg(mod, RegModCS)
	assert.Equal(t, uint16(0x0001), v)
	v, _ = tb.sim.Reg(mod, RegModEventDest)
	assert.Equal(t, uint16(0x0400), v)

	words, err := h.RegRead(ctx, mod, RegModVendor, Width64, Blocking)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 1, 0x0001}, words)

	_, err = h.ReadReg16(ctx, mod, 0x0123)
	assert.ErrorIs(t, err, core.ErrDevice)

	err = h.WriteReg16(ctx, mod, 0x0123, 1)
	assert.ErrorIs(t, err, core.ErrDevice)

	_, err = h.RegRead(ctx, mod, RegModVendor, Width(24), 0)
	assert.ErrorIs(t, err, core.ErrFailure)

	err = h.RegWrite(ctx, mod, RegModVendor, Width32, []uint16{1}, 0)
	assert.ErrorIs(t, err, core.ErrFailure)
}

func TestRegisterReadTimeout(t *testing.T) {
	tb := newTestbed(t)
	h := connect(t, tb.ctrl.Addr(), func(c *Config) { c.Timeout = 200 * time.Millisecond })

	// No gateway serves subnet 5, the request is dropped.
	_, err := h.ReadReg16(context.Background(), core.SCM(5), RegSCMNumMod)
	assert.ErrorIs(t, err, core.ErrTimedOut)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = h.RegRead(ctx, core.SCM(5), RegSCMNumMod, Width16, Blocking)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestModuleEnumeration(t *testing.T) {
	tb := newTestbed(t)
	h := connect(t, tb.ctrl.Addr())
	ctx := context.Background()

	mods, err := h.GetModules(ctx, deviceSubnet)
	require.NoError(t, err)
	require.Len(t, mods, 3)
	assert.Equal(t, ModuleDesc{Addr: core.NewAddr(deviceSubnet, 2), Vendor: 1, Type: 4, Version: 2}, mods[2])

	// Claim more modules than the subnet has.
	require.NoError(t, h.WriteReg16(ctx, core.SCM(deviceSubnet), RegSCMNumMod, 5))
	mods, err = h.GetModules(ctx, deviceSubnet)
	assert.ErrorIs(t, err, core.ErrPartialResult)
	assert.True(t, IsPartial(err))
	require.Len(t, mods, 5)
	assert.False(t, mods[2].Unknown)
	assert.True(t, mods[3].Unknown)
	assert.True(t, mods[4].Unknown)
	assert.Equal(t, core.NewAddr(deviceSubnet, 4), mods[4].Addr)
}

func TestSystemHelpers(t *testing.T) {
	tb := newTestbed(t)
	h := connect(t, tb.ctrl.Addr())
	ctx := context.Background()
	mod := core.NewAddr(deviceSubnet, 2)

	info, err := h.SystemInfo(ctx, deviceSubnet)
	require.NoError(t, err)
	assert.Equal(t, SystemInfo{VendorID: 1, DeviceID: 0x42, NumModules: 3, MaxPktLen: 12}, info)

	words, err := h.MaxEventWords(ctx, deviceSubnet)
	require.NoError(t, err)
	assert.Equal(t, 9, words)

	require.NoError(t, h.SetEventDest(ctx, mod))
	v, _ := tb.sim.Reg(mod, RegModEventDest)
	assert.Equal(t, uint16(h.Addr()), v)

	require.NoError(t, h.SetEventActive(ctx, mod, true))
	v, _ = tb.sim.Reg(mod, RegModCS)
	assert.Equal(t, ModCSActive, v&ModCSActive)

	require.NoError(t, h.SetEventActive(ctx, mod, false))
	v, _ = tb.sim.Reg(mod, RegModCS)
	assert.Zero(t, v&ModCSActive)
}

func TestSubnetOutOfRange(t *testing.T) {
	tb := newTestbed(t)
	h := connect(t, tb.ctrl.Addr())
	ctx := context.Background()

	assert.NotPanics(t, func() {
		_, err := h.GetModules(ctx, core.MaxSubnet+1)
		assert.ErrorIs(t, err, core.ErrConfigInvalid)

		_, err = h.SystemInfo(ctx, core.MaxSubnet+1)
		assert.ErrorIs(t, err, core.ErrConfigInvalid)

		_, err = h.MaxEventWords(ctx, 1000)
		assert.ErrorIs(t, err, core.ErrConfigInvalid)
	})
	assert.True(t, h.IsConnected())
}

func TestDisconnect(t *testing.T) {
	tb := newTestbed(t)
	h := connect(t, tb.ctrl.Addr())
	require.Len(t, tb.ctrl.Routes().Modules, 1)

	require.NoError(t, h.Disconnect())
	assert.False(t, h.IsConnected())
	assert.Empty(t, tb.ctrl.Routes().Modules)

	_, err := h.ReadReg16(context.Background(), core.SCM(deviceSubnet), RegSCMNumMod)
	assert.ErrorIs(t, err, core.ErrNotConnected)
	assert.ErrorIs(t, h.Send(core.NewPacket(0)), core.ErrNotConnected)
	_, err = h.EventReceive(context.Background(), 0)
	assert.ErrorIs(t, err, core.ErrNotConnected)

	require.NoError(t, h.Connect())
	assert.Equal(t, core.NewAddr(hostSubnet, 1), h.Addr())
}

// fakeHostCtrl answers address requests with reply and data messages with
// respond.
func fakeHostCtrl(t *testing.T, reply wire.Reply, respond func(req *core.Packet) *core.Packet) string {
	t.Helper()
	ep, err := transport.Listen(context.Background(), "tcp://127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })

	go func() {
		for frames := range ep.In() {
			peer := frames[0]
			kind, body, err := wire.Split(frames[1:])
			if err != nil {
				continue
			}
			if kind == wire.KindManagement {
				_ = ep.Send(wire.Routed(peer, wire.ManagementFrames(reply)))
				continue
			}
			req, err := core.UnmarshalPacket(body)
			if err != nil || respond == nil {
				continue
			}
			_ = ep.Send(wire.Routed(peer, wire.DataFrames(respond(req))))
		}
	}()
	return ep.Addr()
}

func TestConnectSubnetFull(t *testing.T) {
	addr := fakeHostCtrl(t, wire.Nack, nil)
	h, err := New(Config{HostCtrl: addr, Timeout: time.Second})
	require.NoError(t, err)
	defer h.Close()

	err = h.Connect()
	assert.ErrorIs(t, err, core.ErrConnectionFailed)
	assert.ErrorIs(t, err, core.ErrSubnetFull)
	assert.False(t, h.IsConnected())
}

func TestConnectAckWithoutAddress(t *testing.T) {
	addr := fakeHostCtrl(t, wire.Ack, nil)
	h, err := New(Config{HostCtrl: addr, Timeout: time.Second})
	require.NoError(t, err)
	defer h.Close()

	err = h.Connect()
	assert.ErrorIs(t, err, core.ErrConnectionFailed)
	assert.ErrorIs(t, err, core.ErrProtocol)
	assert.NotErrorIs(t, err, core.ErrSubnetFull)
	assert.False(t, h.IsConnected())
}

func TestInvalidResponse(t *testing.T) {
	self := core.NewAddr(hostSubnet, 1)
	addr := fakeHostCtrl(t, wire.AddrReply(self), func(req *core.Packet) *core.Packet {
		// A 32 bit success for a 16 bit read.
		return core.NewPacketWithHeader(req.Src(), req.Dest(), core.TypeReg, core.SubRespReadRegSuccess32, 2)
	})
	h := connect(t, addr)
	assert.Equal(t, self, h.Addr())

	_, err := h.ReadReg16(context.Background(), core.SCM(0), RegSCMNumMod)
	assert.ErrorIs(t, err, core.ErrDeviceInvalidData)
}

func TestConnectFailsWithoutHostCtrl(t *testing.T) {
	h, err := New(Config{HostCtrl: "tcp://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	defer h.Close()

	assert.ErrorIs(t, h.Connect(), core.ErrConnectionFailed)
}
