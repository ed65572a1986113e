package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/transport"
	"opensocdebug.org/osd/internal/wire"
)

const testSubnet = 3

type readResult struct {
	p   *core.Packet
	err error
}

// fakeLink is a device link driven by the test.
type fakeLink struct {
	reads  chan readResult
	writes chan *core.Packet

	mu       sync.Mutex
	writeErr error
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		reads:  make(chan readResult, 16),
		writes: make(chan *core.Packet, 16),
	}
}

func (l *fakeLink) ReadPacket(ctx context.Context) (*core.Packet, error) {
	select {
	case r := <-l.reads:
		return r.p, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLink) WritePacket(ctx context.Context, p *core.Packet) error {
	l.mu.Lock()
	err := l.writeErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.writes <- p
	return nil
}

func (l *fakeLink) failWrites(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErr = err
}

// fakeHostCtrl records management requests and data messages.
type fakeHostCtrl struct {
	ep   *transport.Endpoint
	data chan []byte

	mu       sync.Mutex
	requests []wire.Request
	peer     []byte
	nack     bool
}

func startFakeHostCtrl(t *testing.T) *fakeHostCtrl {
	t.Helper()
	ep, err := transport.Listen(context.Background(), "tcp://127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeHostCtrl{ep: ep, data: make(chan []byte, 16)}
	go f.serve()
	t.Cleanup(func() { _ = ep.Close() })
	return f
}

func (f *fakeHostCtrl) serve() {
	for frames := range f.ep.In() {
		if len(frames) < 1 {
			continue
		}
		peer := frames[0]
		kind, body, err := wire.Split(frames[1:])
		if err != nil {
			continue
		}
		if kind == wire.KindData {
			f.data <- body
			continue
		}
		req, err := wire.ParseRequest(body)
		if err != nil {
			continue
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.peer = peer
		reply := wire.Ack
		if f.nack {
			reply = wire.Nack
		}
		f.mu.Unlock()
		_ = f.ep.Send(wire.Routed(peer, wire.ManagementFrames(reply)))
	}
}

func (f *fakeHostCtrl) count(op wire.Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Op == op {
			n++
		}
	}
	return n
}

func (f *fakeHostCtrl) sendData(p *core.Packet) error {
	f.mu.Lock()
	peer := f.peer
	f.mu.Unlock()
	return f.ep.Send(wire.Routed(peer, wire.DataFrames(p)))
}

func newGateway(t *testing.T, hc *fakeHostCtrl, link DeviceLink) *Gateway {
	t.Helper()
	g, err := New(Config{
		Name:     "test",
		Subnet:   testSubnet,
		HostCtrl: hc.ep.Addr(),
		Timeout:  time.Second,
		Link:     link,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func testPacket(words ...uint16) *core.Packet {
	p := core.NewPacketWithHeader(core.NewAddr(1, 1), core.NewAddr(testSubnet, 0), core.TypeEvent, core.SubEventLast, len(words))
	copy(p.Payload(), words)
	return p
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Link: newFakeLink()})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{Link: newFakeLink(), HostCtrl: "tcp://127.0.0.1:1", Subnet: 64})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	assert.Panics(t, func() { _, _ = New(Config{HostCtrl: "tcp://127.0.0.1:1"}) })
}

func TestConnectForwardDisconnect(t *testing.T) {
	hc := startFakeHostCtrl(t)
	link := newFakeLink()
	g := newGateway(t, hc, link)

	require.NoError(t, g.Connect())
	assert.True(t, g.IsConnected())
	assert.Equal(t, 1, hc.count(wire.OpGatewayRegister))

	fromDevice := testPacket(0x1111, 0x2222)
	link.reads <- readResult{p: fromDevice}
	select {
	case body := <-hc.data:
		assert.Equal(t, fromDevice.Bytes(), body)
	case <-time.After(2 * time.Second):
		t.Fatal("packet from device not forwarded")
	}

	toDevice := testPacket(0x3333)
	require.NoError(t, hc.sendData(toDevice))
	select {
	case p := <-link.writes:
		assert.True(t, toDevice.Equal(p))
	case <-time.After(2 * time.Second):
		t.Fatal("packet from host controller not forwarded")
	}

	require.NoError(t, g.Disconnect())
	assert.False(t, g.IsConnected())
	assert.Equal(t, 1, hc.count(wire.OpGatewayUnregister))

	require.NoError(t, g.Disconnect())
	assert.Equal(t, 1, hc.count(wire.OpGatewayUnregister))
}

func TestDisconnectCancelsBlockedRead(t *testing.T) {
	hc := startFakeHostCtrl(t)
	link := newFakeLink()
	g := newGateway(t, hc, link)
	require.NoError(t, g.Connect())

	start := time.Now()
	require.NoError(t, g.Disconnect())
	assert.Less(t, time.Since(start), ReaderStopTimeout/2)
	assert.Equal(t, 1, hc.count(wire.OpGatewayUnregister))

	require.NoError(t, g.Connect())
	start = time.Now()
	require.NoError(t, g.Close())
	assert.Less(t, time.Since(start), ReaderStopTimeout/2)
}

func TestTransientReadErrorIsRetried(t *testing.T) {
	hc := startFakeHostCtrl(t)
	link := newFakeLink()
	g := newGateway(t, hc, link)
	require.NoError(t, g.Connect())

	p := testPacket(0xabcd)
	link.reads <- readResult{err: errors.New("crc mismatch")}
	link.reads <- readResult{p: p}

	select {
	case body := <-hc.data:
		assert.Equal(t, p.Bytes(), body)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not recover from a transient error")
	}
	assert.True(t, g.IsConnected())
}

func TestDeviceReadDisconnect(t *testing.T) {
	hc := startFakeHostCtrl(t)
	link := newFakeLink()
	g := newGateway(t, hc, link)
	require.NoError(t, g.Connect())

	link.reads <- readResult{err: core.ErrNotConnected}

	require.Eventually(t, func() bool { return !g.IsConnected() }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, hc.count(wire.OpGatewayUnregister))

	require.NoError(t, g.Disconnect())
	assert.Equal(t, 1, hc.count(wire.OpGatewayUnregister))
}

func TestDeviceWriteDisconnect(t *testing.T) {
	hc := startFakeHostCtrl(t)
	link := newFakeLink()
	g := newGateway(t, hc, link)
	require.NoError(t, g.Connect())

	link.failWrites(core.ErrNotConnected)
	require.NoError(t, hc.sendData(testPacket(0x0001)))

	require.Eventually(t, func() bool { return hc.count(wire.OpGatewayUnregister) == 1 }, 2*time.Second, 10*time.Millisecond)

	// The device reader is still blocked in ReadPacket and gets cancelled.
	start := time.Now()
	require.Eventually(t, func() bool { return !g.IsConnected() }, 5*time.Second, 10*time.Millisecond)
	assert.Less(t, time.Since(start), ReaderStopTimeout+2*time.Second)
	assert.Equal(t, 1, hc.count(wire.OpGatewayUnregister))
}

func TestTransientWriteErrorDropsPacket(t *testing.T) {
	hc := startFakeHostCtrl(t)
	link := newFakeLink()
	g := newGateway(t, hc, link)
	require.NoError(t, g.Connect())

	link.failWrites(errors.New("fifo full"))
	require.NoError(t, hc.sendData(testPacket(0x0001)))
	time.Sleep(100 * time.Millisecond)
	assert.True(t, g.IsConnected())

	link.failWrites(nil)
	p := testPacket(0x0002)
	require.NoError(t, hc.sendData(p))
	select {
	case got := <-link.writes:
		assert.True(t, p.Equal(got))
	case <-time.After(2 * time.Second):
		t.Fatal("packet not written after transient failure")
	}
}

func TestConnectRejected(t *testing.T) {
	hc := startFakeHostCtrl(t)
	hc.mu.Lock()
	hc.nack = true
	hc.mu.Unlock()

	g := newGateway(t, hc, newFakeLink())
	err := g.Connect()
	assert.ErrorIs(t, err, core.ErrConnectionFailed)
	assert.False(t, g.IsConnected())
}

func TestReconnectAfterDeviceLoss(t *testing.T) {
	hc := startFakeHostCtrl(t)
	link := newFakeLink()
	g := newGateway(t, hc, link)
	require.NoError(t, g.Connect())

	link.reads <- readResult{err: core.ErrNotConnected}
	require.Eventually(t, func() bool { return !g.IsConnected() }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, g.Connect())
	assert.True(t, g.IsConnected())
	assert.Equal(t, 2, hc.count(wire.OpGatewayRegister))
}
