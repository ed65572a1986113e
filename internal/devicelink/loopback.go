package devicelink

import (
	"context"
	"fmt"
	"sync"

	"opensocdebug.org/osd/internal/core"
)

const defaultLoopbackQueue = 64

// Loopback is an in-memory device link. The gateway side uses ReadPacket and
// WritePacket; the device side uses Inject and Next.
type Loopback struct {
	toHost   chan *core.Packet
	toDevice chan *core.Packet

	closed    chan struct{}
	closeOnce sync.Once
}

// NewLoopback creates a loopback link buffering up to size packets per
// direction.
func NewLoopback(size int) *Loopback {
	if size <= 0 {
		size = defaultLoopbackQueue
	}
	return &Loopback{
		toHost:   make(chan *core.Packet, size),
		toDevice: make(chan *core.Packet, size),
		closed:   make(chan struct{}),
	}
}

// ReadPacket returns the next packet injected by the device side.
func (l *Loopback) ReadPacket(ctx context.Context) (*core.Packet, error) {
	select {
	case p := <-l.toHost:
		return p, nil
	case <-l.closed:
		return nil, fmt.Errorf("loopback closed: %w", core.ErrNotConnected)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WritePacket queues p for the device side.
func (l *Loopback) WritePacket(ctx context.Context, p *core.Packet) error {
	select {
	case <-l.closed:
		return fmt.Errorf("loopback closed: %w", core.ErrNotConnected)
	default:
	}
	select {
	case l.toDevice <- p.Clone():
		return nil
	case <-l.closed:
		return fmt.Errorf("loopback closed: %w", core.ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inject sends p from the device side to the gateway.
func (l *Loopback) Inject(ctx context.Context, p *core.Packet) error {
	select {
	case l.toHost <- p:
		return nil
	case <-l.closed:
		return fmt.Errorf("loopback closed: %w", core.ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next packet written by the gateway.
func (l *Loopback) Next(ctx context.Context) (*core.Packet, error) {
	select {
	case p := <-l.toDevice:
		return p, nil
	case <-l.closed:
		return nil, fmt.Errorf("loopback closed: %w", core.ErrNotConnected)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close disconnects both sides.
func (l *Loopback) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}
