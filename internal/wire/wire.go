// Package wire encodes and decodes the frames exchanged with the host
// controller.
//
// A client (host module or gateway) sends [kind, body]; the host controller
// sees the same message prefixed by the peer identity, [peer, kind, body].
// Kind is "M" for management messages and "D" for data messages whose body
// is a packet's wire image.
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"opensocdebug.org/osd/internal/core"
)

// Message kinds.
const (
	KindManagement = "M"
	KindData       = "D"
)

// Op identifies a management request.
type Op int

const (
	OpUnknown Op = iota
	OpAddrRequest
	OpAddrRelease
	OpGatewayRegister
	OpGatewayUnregister
)

var opNames = map[Op]string{
	OpAddrRequest:       "DIADDR_REQUEST",
	OpAddrRelease:       "DIADDR_RELEASE",
	OpGatewayRegister:   "GW_REGISTER",
	OpGatewayUnregister: "GW_UNREGISTER",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return "UNKNOWN"
}

// Request is a management request. Subnet is only meaningful for the gateway
// operations. Raw keeps the original text of requests with an unknown Op.
type Request struct {
	Op     Op
	Subnet uint
	Raw    string
}

// AddrRequest and friends build requests.
func AddrRequest() Request                 { return Request{Op: OpAddrRequest} }
func AddrRelease() Request                 { return Request{Op: OpAddrRelease} }
func GatewayRegister(subnet uint) Request   { return Request{Op: OpGatewayRegister, Subnet: subnet} }
func GatewayUnregister(subnet uint) Request { return Request{Op: OpGatewayUnregister, Subnet: subnet} }

// String returns the on-wire text of r.
func (r Request) String() string {
	switch r.Op {
	case OpGatewayRegister, OpGatewayUnregister:
		return fmt.Sprintf("%s %d", r.Op, r.Subnet)
	case OpUnknown:
		return r.Raw
	default:
		return r.Op.String()
	}
}

// ParseRequest decodes the body of a management request. Unknown commands
// decode to OpUnknown without an error; malformed gateway commands fail.
func ParseRequest(body []byte) (Request, error) {
	text := string(body)
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Request{Raw: text}, nil
	}

	var op Op
	for o, name := range opNames {
		if name == fields[0] {
			op = o
			break
		}
	}

	switch op {
	case OpAddrRequest, OpAddrRelease:
		return Request{Op: op}, nil
	case OpGatewayRegister, OpGatewayUnregister:
		if len(fields) != 2 {
			return Request{}, fmt.Errorf("%w: %q needs a subnet", core.ErrProtocol, text)
		}
		subnet, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil || subnet > core.MaxSubnet {
			return Request{}, fmt.Errorf("%w: invalid subnet in %q", core.ErrProtocol, text)
		}
		return Request{Op: op, Subnet: uint(subnet)}, nil
	default:
		return Request{Raw: text}, nil
	}
}

// Reply is a management response: ACK, NACK or an allocated address.
type Reply struct {
	Ack  bool
	Addr *core.Addr
}

var (
	Ack  = Reply{Ack: true}
	Nack = Reply{}
)

// AddrReply is the successful response to an address request.
func AddrReply(a core.Addr) Reply {
	return Reply{Ack: true, Addr: &a}
}

// String returns the on-wire text of r.
func (r Reply) String() string {
	switch {
	case r.Addr != nil:
		return strconv.FormatUint(uint64(*r.Addr), 10)
	case r.Ack:
		return "ACK"
	default:
		return "NACK"
	}
}

// ParseReply decodes the body of a management response.
func ParseReply(body []byte) (Reply, error) {
	switch text := string(body); text {
	case "ACK":
		return Ack, nil
	case "NACK":
		return Nack, nil
	default:
		v, err := strconv.ParseUint(text, 10, 16)
		if err != nil {
			return Reply{}, fmt.Errorf("%w: unexpected management reply %q", core.ErrProtocol, text)
		}
		return AddrReply(core.Addr(v)), nil
	}
}

// ManagementFrames builds the client-side frames of a management message.
func ManagementFrames(body fmt.Stringer) [][]byte {
	return [][]byte{[]byte(KindManagement), []byte(body.String())}
}

// DataFrames builds the client-side frames of a data message.
func DataFrames(p *core.Packet) [][]byte {
	return [][]byte{[]byte(KindData), p.Bytes()}
}

// Routed prefixes frames with the identity of the peer they are sent to or
// were received from.
func Routed(peer []byte, frames [][]byte) [][]byte {
	out := make([][]byte, 0, len(frames)+1)
	out = append(out, peer)
	return append(out, frames...)
}

// Split checks the shape of a client-side message and returns its kind and
// body.
func Split(frames [][]byte) (kind string, body []byte, err error) {
	if len(frames) != 2 {
		return "", nil, fmt.Errorf("%w: expected 2 frames, got %d", core.ErrProtocol, len(frames))
	}
	kind = string(frames[0])
	if kind != KindManagement && kind != KindData {
		return "", nil, fmt.Errorf("%w: unknown message kind %q", core.ErrProtocol, kind)
	}
	return kind, frames[1], nil
}
