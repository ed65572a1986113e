package devicelink

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"opensocdebug.org/osd/internal/core"
)

const defaultDialTimeout = 5 * time.Second

// TCP is a device link over a TCP stream. Every packet is sent as its size in
// words followed by the packet words, all big-endian 16 bit words.
type TCP struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
}

// DialTCP connects to a device. Recognized options: addr (required) and
// dial_timeout (a Go duration, default 5s).
func DialTCP(ctx context.Context, opts map[string]string) (*TCP, error) {
	addr := opts["addr"]
	if addr == "" {
		return nil, fmt.Errorf("%w: tcp device link needs an addr option", core.ErrConfigInvalid)
	}
	timeout := defaultDialTimeout
	if s, ok := opts["dial_timeout"]; ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid dial_timeout %q", core.ErrConfigInvalid, s)
		}
		timeout = d
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial device at %s: %w: %w", addr, core.ErrConnectionFailed, err)
	}
	return NewTCP(conn), nil
}

// NewTCP wraps an established connection.
func NewTCP(conn net.Conn) *TCP {
	return &TCP{conn: conn, r: bufio.NewReader(conn)}
}

// ReadPacket reads one packet. A cancelled ctx interrupts the read.
func (t *TCP) ReadPacket(ctx context.Context) (*core.Packet, error) {
	// Clear a deadline left by an earlier cancelled read.
	_ = t.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var hdr [2]byte
	if _, err := io.ReadFull(t.r, hdr[:]); err != nil {
		return nil, t.readErr(ctx, err)
	}
	size := int(binary.BigEndian.Uint16(hdr[:]))
	if size < core.HeaderWords {
		// Skip the announced words to stay aligned on the next frame.
		if _, err := t.r.Discard(2 * size); err != nil {
			return nil, t.readErr(ctx, err)
		}
		return nil, fmt.Errorf("%w: packet of %d words", core.ErrPacketTooShort, size)
	}
	buf := make([]byte, 2*size)
	if _, err := io.ReadFull(t.r, buf); err != nil {
		return nil, t.readErr(ctx, err)
	}
	return core.UnmarshalPacket(buf)
}

func (t *TCP) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if isDisconnect(err) {
		return fmt.Errorf("device read: %w: %w", core.ErrNotConnected, err)
	}
	return fmt.Errorf("device read: %w", err)
}

// WritePacket writes one packet.
func (t *TCP) WritePacket(ctx context.Context, p *core.Packet) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
		defer t.conn.SetWriteDeadline(time.Time{})
	}

	body := p.Bytes()
	buf := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(buf, uint16(p.SizeWords()))
	copy(buf[2:], body)

	if _, err := t.conn.Write(buf); err != nil {
		if isDisconnect(err) {
			return fmt.Errorf("device write: %w: %w", core.ErrNotConnected, err)
		}
		return fmt.Errorf("device write: %w", err)
	}
	return nil
}

// Close closes the connection.
func (t *TCP) Close() error {
	return t.conn.Close()
}

func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && !opErr.Timeout() {
		return true
	}
	return false
}
