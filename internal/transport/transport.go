// Package transport implements the network endpoints of the host controller
// protocol on top of ZeroMQ ROUTER/DEALER sockets.
//
// Each Endpoint runs one reader goroutine that moves received messages into a
// Go channel, so owners can multiplex several endpoints with select.
//
// Dealers announce themselves with single-frame heartbeats and say goodbye on
// Close. Routers keep the set of live peers from that and refuse to send to
// anyone else, since a ZeroMQ router silently drops messages for unknown
// identities.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
)

// inboxSize bounds the number of received messages waiting for their owner.
const inboxSize = 256

// HeartbeatInterval is how often a dealer announces itself to its router. A
// router forgets peers it has not heard from in three intervals.
var HeartbeatInterval = time.Second

// ErrUnknownPeer is returned when a router sends to a peer that is gone or
// never connected.
var ErrUnknownPeer = errors.New("transport: unknown peer")

var (
	frameHeartbeat = []byte("\x00HB")
	frameBye       = []byte("\x00BYE")
)

// Endpoint is one ZeroMQ socket plus its reader goroutine.
type Endpoint struct {
	sock   zmq4.Socket
	id     string
	addr   string
	router bool

	in   chan [][]byte
	done chan struct{}
	wg   sync.WaitGroup

	// Router only: last time each peer identity was heard from.
	peerMu sync.Mutex
	peers  map[string]time.Time

	// Dealer only: set once a connection to the router has carried traffic.
	linked atomic.Bool

	closeOnce sync.Once
}

// Listen binds a router endpoint on addr. A router prefixes every received
// message with the identity of the sending peer and routes every sent
// message to the peer named by its first frame.
func Listen(ctx context.Context, addr string) (*Endpoint, error) {
	sock := zmq4.NewRouter(ctx, zmq4.WithID(zmq4.SocketIdentity("hostctrl")))
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	bound := addr
	if a := sock.Addr(); a != nil && strings.HasPrefix(addr, "tcp://") {
		bound = "tcp://" + a.String()
	}
	return start(sock, "hostctrl", bound, true), nil
}

// Dial connects a dealer endpoint to the router at addr. Every dealer gets a
// unique identity so the router can tell peers apart.
func Dial(ctx context.Context, addr string) (*Endpoint, error) {
	id := uuid.NewString()
	sock := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(id)))
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return start(sock, id, addr, false), nil
}

func start(sock zmq4.Socket, id, addr string, router bool) *Endpoint {
	e := &Endpoint{
		sock:   sock,
		id:     id,
		addr:   addr,
		router: router,
		in:     make(chan [][]byte, inboxSize),
		done:   make(chan struct{}),
	}
	if router {
		e.peers = make(map[string]time.Time)
	}
	e.wg.Add(1)
	go e.readLoop()
	if !router {
		e.wg.Add(1)
		go e.heartbeatLoop()
	}
	return e
}

func (e *Endpoint) heartbeatLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := e.sock.Send(zmq4.NewMsg(frameHeartbeat)); err == nil {
			select {
			case <-e.done:
				return
			default:
				e.linked.Store(true)
			}
		}
		select {
		case <-ticker.C:
		case <-e.done:
			return
		}
	}
}

// control handles transport-level frames. It reports whether frames were
// consumed.
func (e *Endpoint) control(frames [][]byte) bool {
	if !e.router {
		e.linked.Store(true)
		return false
	}
	if len(frames) == 0 {
		return false
	}
	peer := string(frames[0])

	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	if len(frames) == 2 && bytes.Equal(frames[1], frameBye) {
		delete(e.peers, peer)
		return true
	}
	e.peers[peer] = time.Now()
	return len(frames) == 2 && bytes.Equal(frames[1], frameHeartbeat)
}

func (e *Endpoint) peerAlive(peer []byte) bool {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	seen, ok := e.peers[string(peer)]
	if !ok {
		return false
	}
	if time.Since(seen) > 3*HeartbeatInterval {
		delete(e.peers, string(peer))
		return false
	}
	return true
}

func (e *Endpoint) readLoop() {
	defer e.wg.Done()
	defer close(e.in)

	for {
		msg, err := e.sock.Recv()
		if err != nil {
			select {
			case <-e.done:
			default:
				slog.Debug("endpoint receive failed", "addr", e.addr, "error", err)
			}
			return
		}
		if e.control(msg.Frames) {
			continue
		}
		select {
		case e.in <- msg.Frames:
		case <-e.done:
			return
		}
	}
}

// In returns the channel of received messages. It is closed once the socket
// stops receiving, either because of Close or a transport error.
func (e *Endpoint) In() <-chan [][]byte {
	return e.in
}

// Send sends frames as one multipart message. On a router the first frame
// names the peer, and sending to a peer that is not live fails with
// ErrUnknownPeer.
func (e *Endpoint) Send(frames [][]byte) error {
	if e.router && (len(frames) == 0 || !e.peerAlive(frames[0])) {
		return fmt.Errorf("send to %s failed: %w", e.addr, ErrUnknownPeer)
	}
	if err := e.sock.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		return fmt.Errorf("send to %s failed: %w", e.addr, err)
	}
	return nil
}

// ID returns the socket identity of the endpoint.
func (e *Endpoint) ID() string {
	return e.id
}

// Addr returns the address the endpoint is bound or connected to. For tcp
// listeners the actual port is filled in.
func (e *Endpoint) Addr() string {
	return e.addr
}

// Close closes the socket and waits for the reader goroutine. It is safe to
// call Close more than once.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.linked.Load() {
			_ = e.sock.Send(zmq4.NewMsg(frameBye))
		}
		close(e.done)
		err = e.sock.Close()
		e.wg.Wait()
	})
	return err
}
