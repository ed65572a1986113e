// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers match them with errors.Is; call sites wrap them
// with fmt.Errorf("...: %w", err) to add context.
var (
	// Connection state errors
	ErrNotConnected     = errors.New("osd: not connected")
	ErrConnectionFailed = errors.New("osd: connection failed")
	ErrTimedOut         = errors.New("osd: timed out")

	// Remote device errors
	ErrDevice            = errors.New("osd: device signaled an error")
	ErrDeviceInvalidData = errors.New("osd: device returned invalid data")

	// Multi-step operations that completed only partially
	ErrPartialResult = errors.New("osd: partial result")

	// Protocol violations between threads or peers
	ErrProtocol = errors.New("osd: protocol violation")

	// Address allocation
	ErrSubnetFull = errors.New("osd: no free address in subnet")

	// Packet decoding errors
	ErrPacketTooShort = errors.New("osd: packet too short")
	ErrPacketOddSize  = errors.New("osd: packet size is not a multiple of the word size")

	// Configuration errors
	ErrConfigInvalid = errors.New("osd: invalid configuration")

	ErrFailure = errors.New("osd: operation failed")
)
