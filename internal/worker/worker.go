// Package worker runs component logic in a dedicated goroutine that is only
// reachable through messages.
//
// A Worker owns one goroutine running an event loop. The loop multiplexes the
// control channel from the owning goroutine with any number of sources (Go
// channels, usually fed by network endpoints) registered by the extension.
// Callbacks of one worker never run concurrently.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"opensocdebug.org/osd/internal/core"
)

// Reserved status names. Status names start with StatusPrefix.
const (
	StatusPrefix         = "I-"
	StatusShutdown       = "I-SHUTDOWN"
	StatusShutdownDone   = "I-SHUTDOWN-DONE"
	StatusThreadInitDone = "I-THREADINIT-DONE"
)

// DefaultTimeout bounds every wait of the owning goroutine on the worker.
const DefaultTimeout = 2 * time.Second

const (
	controlQueueSize = 16
	notifyQueueSize  = 8
)

// Message is a control message between the owner and the worker goroutine.
// Frames optionally carries data, e.g. a packet to send.
type Message struct {
	Name   string
	Value  int
	Frames [][]byte
}

// Extension is the component-specific logic run inside the worker goroutine.
// The extension value is moved into the worker by New and dropped after
// Destroy returns.
type Extension interface {
	// Init runs before the event loop starts. A non-nil error makes New fail.
	Init(t *Thread) error
	// Destroy runs after the event loop ended, also after a failed Init.
	Destroy(t *Thread)
	// HandleCommand handles every control message except StatusShutdown.
	// A non-nil error terminates the event loop.
	HandleCommand(t *Thread, msg Message) error
}

// Options configures a Worker.
type Options struct {
	// Name identifies the worker in logs.
	Name string
	// Timeout bounds status waits and the graceful shutdown handshake.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Worker is the owner-side handle of a worker goroutine. Its methods must be
// called from a single owning goroutine, except Notify.
type Worker struct {
	toThread   chan Message
	fromThread chan Message
	notify     chan Message

	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	timeout time.Duration
	log     *slog.Logger
}

// New starts the worker goroutine and blocks until ext.Init completed. If Init
// fails the goroutine has already exited when New returns.
func New(ext Extension, opts Options) (*Worker, error) {
	if ext == nil {
		panic("worker: nil extension")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name != "" {
		logger = logger.With("worker", opts.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		toThread:   make(chan Message, controlQueueSize),
		fromThread: make(chan Message, controlQueueSize),
		notify:     make(chan Message, notifyQueueSize),
		cancel:     cancel,
		done:       make(chan struct{}),
		timeout:    opts.Timeout,
		log:        logger,
	}

	t := &Thread{
		ctx:     ctx,
		replies: w.fromThread,
		notify:  w.notify,
		control: w.toThread,
		log:     logger,
	}
	go w.run(t, ext)

	// Init may block on the network, so this wait is not bounded by the
	// status timeout.
	var status Message
	select {
	case status = <-w.fromThread:
	case <-w.done:
		select {
		case status = <-w.fromThread:
		default:
			return nil, fmt.Errorf("worker exited during init: %w", core.ErrConnectionFailed)
		}
	}
	if status.Name != StatusThreadInitDone {
		w.cancel()
		<-w.done
		return nil, fmt.Errorf("%w: expected %s, got %s", core.ErrProtocol, StatusThreadInitDone, status.Name)
	}
	if status.Value != 0 {
		<-w.done
		w.cancel()
		return nil, fmt.Errorf("worker init failed: %w", core.ErrConnectionFailed)
	}
	return w, nil
}

func (w *Worker) run(t *Thread, ext Extension) {
	defer close(w.done)

	if err := ext.Init(t); err != nil {
		t.log.Error("worker init failed", "error", err)
		ext.Destroy(t)
		t.SendStatus(StatusThreadInitDone, -1)
		return
	}
	t.SendStatus(StatusThreadInitDone, 0)

	if err := t.loop(ext); err != nil {
		t.log.Error("worker event loop terminated", "error", err)
	}

	ext.Destroy(t)
	t.SendStatus(StatusShutdownDone, 0)
}

// Running reports whether the worker goroutine is still alive.
func (w *Worker) Running() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Send queues a control message for the worker goroutine.
func (w *Worker) Send(msg Message) error {
	select {
	case <-w.done:
		return fmt.Errorf("worker not running: %w", core.ErrNotConnected)
	default:
	}

	select {
	case w.toThread <- msg:
		return nil
	case <-w.done:
		return fmt.Errorf("worker not running: %w", core.ErrNotConnected)
	case <-time.After(w.timeout):
		return fmt.Errorf("control queue full: %w", core.ErrTimedOut)
	}
}

// SendStatus sends a status message without data.
func (w *Worker) SendStatus(name string, value int) error {
	return w.Send(Message{Name: name, Value: value})
}

// WaitForStatus waits for the status message name and returns its value.
// Messages without the status prefix are discarded. A status message with a
// different name is a protocol violation and fails the wait immediately.
func (w *Worker) WaitForStatus(name string) (int, error) {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	for {
		var msg Message
		select {
		case msg = <-w.fromThread:
		case <-timer.C:
			return 0, fmt.Errorf("waiting for %s: %w", name, core.ErrTimedOut)
		case <-w.done:
			select {
			case msg = <-w.fromThread:
			default:
				return 0, fmt.Errorf("waiting for %s: worker exited: %w", name, core.ErrNotConnected)
			}
		}

		if !strings.HasPrefix(msg.Name, StatusPrefix) {
			w.log.Debug("discarding non-status message", "name", msg.Name)
			continue
		}
		if msg.Name != name {
			return 0, fmt.Errorf("%w: expected %s, got %s", core.ErrProtocol, name, msg.Name)
		}
		return msg.Value, nil
	}
}

// Call sends msg and waits for the status reply. A negative reply value is
// reported as ErrFailure.
func (w *Worker) Call(msg Message, reply string) (int, error) {
	if err := w.Send(msg); err != nil {
		return 0, err
	}
	v, err := w.WaitForStatus(reply)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return v, fmt.Errorf("%s returned %d: %w", msg.Name, v, core.ErrFailure)
	}
	return v, nil
}

// Notify queues an asynchronous notification for the owner. It may be called
// from any goroutine and never blocks; if the queue is full the notification
// is dropped, since an identical one is already pending.
func (w *Worker) Notify(name string, value int) {
	notify(w.notify, w.log, name, value)
}

// Notifications returns the channel of pending notifications. The owner
// drains it on every API entry.
func (w *Worker) Notifications() <-chan Message {
	return w.notify
}

// Close shuts the worker down. It first asks the event loop to stop and waits
// for the acknowledgement; if that fails the worker context is cancelled.
// Either way the goroutine is joined before Close returns. Close is
// idempotent and safe after the worker exited on its own.
func (w *Worker) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if w.Running() {
		if err = w.SendStatus(StatusShutdown, 0); err == nil {
			_, err = w.WaitForStatus(StatusShutdownDone)
		}
		if err != nil {
			w.log.Warn("graceful worker shutdown failed, cancelling", "error", err)
		}
	}

	w.cancel()
	<-w.done
	return err
}

func notify(ch chan Message, log *slog.Logger, name string, value int) {
	select {
	case ch <- Message{Name: name, Value: value}:
	default:
		log.Debug("notification queue full, dropping", "name", name)
	}
}
