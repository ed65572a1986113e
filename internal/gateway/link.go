package gateway

import (
	"context"

	"opensocdebug.org/osd/internal/core"
)

// DeviceLink moves packets between the gateway and a device.
//
// Both methods block. They return an error wrapping core.ErrNotConnected when
// the link is lost; any other error is treated as transient and the gateway
// retries (reads) or drops the packet (writes). ReadPacket must return once
// ctx is cancelled.
type DeviceLink interface {
	ReadPacket(ctx context.Context) (*core.Packet, error)
	WritePacket(ctx context.Context, p *core.Packet) error
}
