package worker

import (
	"context"
	"log/slog"
	"reflect"
)

// Source is an external channel multiplexed by the event loop.
type Source struct {
	// C delivers messages; closing it removes the source.
	C <-chan [][]byte
	// Handle is called for every message. A non-nil error terminates the
	// event loop.
	Handle func(t *Thread, msg [][]byte) error
	// Closed is called once after C was closed. Optional.
	Closed func(t *Thread) error
}

type namedSource struct {
	name string
	Source
}

// Thread is the worker-side context handed to every extension callback. It
// must only be used from inside the worker goroutine, except Notify.
type Thread struct {
	ctx     context.Context
	control <-chan Message
	replies chan<- Message
	notify  chan Message

	sources  []namedSource
	stopping bool

	log *slog.Logger
}

// Context is cancelled when the owner forces the worker down. Blocking work
// inside callbacks should honour it.
func (t *Thread) Context() context.Context {
	return t.ctx
}

// Logger returns the worker's logger.
func (t *Thread) Logger() *slog.Logger {
	return t.log
}

// AddSource registers a source with the event loop. Registering a name twice
// replaces the earlier source.
func (t *Thread) AddSource(name string, s Source) {
	t.RemoveSource(name)
	t.sources = append(t.sources, namedSource{name: name, Source: s})
}

// RemoveSource unregisters the named source. Unknown names are ignored.
func (t *Thread) RemoveSource(name string) {
	for i, s := range t.sources {
		if s.name == name {
			t.sources = append(t.sources[:i], t.sources[i+1:]...)
			return
		}
	}
}

// HasSource reports whether a source with the given name is registered.
func (t *Thread) HasSource(name string) bool {
	for _, s := range t.sources {
		if s.name == name {
			return true
		}
	}
	return false
}

// SendStatus sends a status message to the owner.
func (t *Thread) SendStatus(name string, value int) {
	select {
	case t.replies <- Message{Name: name, Value: value}:
	default:
		t.log.Warn("status queue full, dropping status", "name", name, "value", value)
	}
}

// Notify queues an asynchronous notification for the owner.
func (t *Thread) Notify(name string, value int) {
	notify(t.notify, t.log, name, value)
}

// Stop ends the event loop after the current callback returns.
func (t *Thread) Stop() {
	t.stopping = true
}

// loop runs until a shutdown request, a callback error, Stop or forced
// cancellation.
func (t *Thread) loop(ext Extension) error {
	const (
		caseControl = iota
		caseCancel
		firstSource
	)

	for !t.stopping {
		cases := make([]reflect.SelectCase, firstSource, firstSource+len(t.sources))
		cases[caseControl] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(t.control)}
		cases[caseCancel] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(t.ctx.Done())}
		sources := make([]namedSource, len(t.sources))
		copy(sources, t.sources)
		for _, s := range sources {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.C)})
		}

		chosen, value, ok := reflect.Select(cases)
		switch chosen {
		case caseControl:
			msg := value.Interface().(Message)
			if msg.Name == StatusShutdown {
				t.log.Debug("worker shutdown requested")
				return nil
			}
			if err := ext.HandleCommand(t, msg); err != nil {
				return err
			}

		case caseCancel:
			t.log.Debug("worker cancelled")
			return t.ctx.Err()

		default:
			s := sources[chosen-firstSource]
			if !ok {
				t.RemoveSource(s.name)
				t.log.Debug("worker source closed", "source", s.name)
				if s.Closed != nil {
					if err := s.Closed(t); err != nil {
						return err
					}
				}
				continue
			}
			if err := s.Handle(t, value.Interface().([][]byte)); err != nil {
				return err
			}
		}
	}
	return nil
}
