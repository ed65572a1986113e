// Package devicelink provides device links for gateways.
package devicelink

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/gateway"
)

// Device link types accepted by Open.
const (
	TypeTCP      = "tcp"
	TypeLoopback = "loopback"
)

// Link is a device link the caller has to close.
type Link interface {
	gateway.DeviceLink
	io.Closer
}

// Types lists the device link types accepted by Open.
func Types() []string {
	return []string{TypeTCP, TypeLoopback}
}

// Open creates a device link of the given type. A loopback link is served by
// a simulated subnet running until the link is closed; its options are
// vendor_id, device_id and modules (number of modules including the SCM).
func Open(ctx context.Context, typ string, subnet uint, opts map[string]string) (Link, error) {
	switch typ {
	case TypeTCP:
		return DialTCP(ctx, opts)
	case TypeLoopback:
		cfg := SimConfig{Subnet: subnet, VendorID: 1, DeviceID: 1}
		n := 1
		for key, dst := range map[string]*uint16{"vendor_id": &cfg.VendorID, "device_id": &cfg.DeviceID} {
			if s, ok := opts[key]; ok {
				v, err := strconv.ParseUint(s, 0, 16)
				if err != nil {
					return nil, fmt.Errorf("%w: invalid %s %q", core.ErrConfigInvalid, key, s)
				}
				*dst = uint16(v)
			}
		}
		if s, ok := opts["modules"]; ok {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > core.MaxLocal+1 {
				return nil, fmt.Errorf("%w: invalid modules %q", core.ErrConfigInvalid, s)
			}
			n = v
		}
		cfg.Modules = make([]SimModule, n)
		cfg.Modules[0] = SimModule{Vendor: 1, Type: 1, Version: 0}
		for i := 1; i < n; i++ {
			cfg.Modules[i] = SimModule{Vendor: 1, Type: 0xffff, Version: 0}
		}

		lb := NewLoopback(0)
		go func() { _ = NewSim(lb, cfg).Run(context.Background()) }()
		return lb, nil
	default:
		return nil, fmt.Errorf("%w: unknown device link type %q", core.ErrConfigInvalid, typ)
	}
}
