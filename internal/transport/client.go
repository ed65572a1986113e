package transport

import (
	"context"
	"fmt"
	"time"

	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/wire"
)

// Request sends a management request to the host controller and waits up to
// timeout for the reply. Data messages received while waiting are passed to
// onData, or dropped if onData is nil.
func (e *Endpoint) Request(ctx context.Context, req wire.Request, timeout time.Duration, onData func(body []byte)) (wire.Reply, error) {
	if err := e.Send(wire.ManagementFrames(req)); err != nil {
		return wire.Reply{}, fmt.Errorf("%s: %w: %w", req, core.ErrConnectionFailed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case frames, ok := <-e.in:
			if !ok {
				return wire.Reply{}, fmt.Errorf("%s: endpoint closed: %w", req, core.ErrNotConnected)
			}
			kind, body, err := wire.Split(frames)
			if err != nil {
				return wire.Reply{}, fmt.Errorf("%s: %w", req, err)
			}
			if kind == wire.KindData {
				if onData != nil {
					onData(body)
				}
				continue
			}
			reply, err := wire.ParseReply(body)
			if err != nil {
				return wire.Reply{}, fmt.Errorf("%s: %w", req, err)
			}
			return reply, nil

		case <-timer.C:
			return wire.Reply{}, fmt.Errorf("%s: no reply within %s: %w", req, timeout, core.ErrTimedOut)

		case <-ctx.Done():
			return wire.Reply{}, ctx.Err()
		}
	}
}
