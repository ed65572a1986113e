// Package core defines core data structures with zero external dependencies.
package core

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// HeaderWords is the number of 16 bit header words (dest, src, flags) in
// every packet.
const HeaderWords = 3

// PacketType is the two bit type field of a packet's flags word.
type PacketType uint8

const (
	TypeReg   PacketType = 0
	TypePlain PacketType = 1
	TypeEvent PacketType = 2
)

func (t PacketType) String() string {
	switch t {
	case TypeReg:
		return "REG"
	case TypePlain:
		return "PLAIN"
	case TypeEvent:
		return "EVENT"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Subtype values for REG packets.
const (
	SubReqReadReg16  uint8 = 0x0
	SubReqReadReg32  uint8 = 0x1
	SubReqReadReg64  uint8 = 0x2
	SubReqReadReg128 uint8 = 0x3

	SubReqWriteReg16  uint8 = 0x4
	SubReqWriteReg32  uint8 = 0x5
	SubReqWriteReg64  uint8 = 0x6
	SubReqWriteReg128 uint8 = 0x7

	SubRespReadRegSuccess16  uint8 = 0x8
	SubRespReadRegSuccess32  uint8 = 0x9
	SubRespReadRegSuccess64  uint8 = 0xa
	SubRespReadRegSuccess128 uint8 = 0xb
	SubRespReadRegError      uint8 = 0xc

	SubRespWriteRegSuccess uint8 = 0xe
	SubRespWriteRegError   uint8 = 0xf
)

// Subtype values for EVENT packets.
const (
	SubEventLast     uint8 = 0x0
	SubEventCont     uint8 = 0x1
	SubEventOverflow uint8 = 0x5
)

const (
	flagsTypeShift    = 14
	flagsTypeMask     = 0x3
	flagsSubtypeShift = 10
	flagsSubtypeMask  = 0xf
)

// PayloadToSize converts a payload length in words into the total packet
// size in words.
func PayloadToSize(payloadWords int) int {
	return payloadWords + HeaderWords
}

// SizeToPayload converts a total packet size in words into the payload
// length in words.
func SizeToPayload(sizeWords int) int {
	return sizeWords - HeaderWords
}

// Packet is a debug interconnect packet: three header words followed by a
// variable-length payload of 16 bit words.
//
// A Packet is owned by exactly one component at a time. It crosses goroutine
// and network boundaries as its byte image (see MarshalBinary).
type Packet struct {
	words []uint16
}

// NewPacket allocates a packet with room for payloadWords payload words.
// All header and payload words are zero.
func NewPacket(payloadWords int) *Packet {
	if payloadWords < 0 {
		panic("osd: negative payload size")
	}
	return &Packet{words: make([]uint16, PayloadToSize(payloadWords))}
}

// NewPacketWithHeader allocates a packet and sets its header in one step.
func NewPacketWithHeader(dest, src Addr, typ PacketType, subtype uint8, payloadWords int) *Packet {
	p := NewPacket(payloadWords)
	p.SetHeader(dest, src, typ, subtype)
	return p
}

// SetHeader sets all three header words.
func (p *Packet) SetHeader(dest, src Addr, typ PacketType, subtype uint8) {
	p.words[0] = uint16(dest)
	p.words[1] = uint16(src)
	p.words[2] = uint16(typ&flagsTypeMask)<<flagsTypeShift |
		uint16(subtype&flagsSubtypeMask)<<flagsSubtypeShift
}

// Dest returns the destination address.
func (p *Packet) Dest() Addr { return Addr(p.words[0]) }

// Src returns the source address.
func (p *Packet) Src() Addr { return Addr(p.words[1]) }

// Flags returns the raw flags word.
func (p *Packet) Flags() uint16 { return p.words[2] }

// Type returns the packet type encoded in the flags word.
func (p *Packet) Type() PacketType {
	return PacketType(p.words[2] >> flagsTypeShift & flagsTypeMask)
}

// Subtype returns the type-specific subtype encoded in the flags word.
func (p *Packet) Subtype() uint8 {
	return uint8(p.words[2] >> flagsSubtypeShift & flagsSubtypeMask)
}

// SetSubtype rewrites the subtype in place, keeping every other header bit.
func (p *Packet) SetSubtype(subtype uint8) {
	p.words[2] &^= flagsSubtypeMask << flagsSubtypeShift
	p.words[2] |= uint16(subtype&flagsSubtypeMask) << flagsSubtypeShift
}

// Payload returns the payload words. The slice aliases the packet.
func (p *Packet) Payload() []uint16 { return p.words[HeaderWords:] }

// PayloadWords returns the payload length in words.
func (p *Packet) PayloadWords() int { return SizeToPayload(len(p.words)) }

// SizeWords returns the total packet size in words.
func (p *Packet) SizeWords() int { return len(p.words) }

// Clone returns a deep copy of p.
func (p *Packet) Clone() *Packet {
	words := make([]uint16, len(p.words))
	copy(words, p.words)
	return &Packet{words: words}
}

// Equal reports whether p and o have identical header and payload words.
func (p *Packet) Equal(o *Packet) bool {
	if p == nil || o == nil {
		return p == o
	}
	if len(p.words) != len(o.words) {
		return false
	}
	for i := range p.words {
		if p.words[i] != o.words[i] {
			return false
		}
	}
	return true
}

// MarshalBinary returns the wire image of p: every word in big-endian order,
// header first.
func (p *Packet) MarshalBinary() ([]byte, error) {
	return p.Bytes(), nil
}

// Bytes is MarshalBinary without the error.
func (p *Packet) Bytes() []byte {
	buf := make([]byte, 2*len(p.words))
	for i, w := range p.words {
		binary.BigEndian.PutUint16(buf[2*i:], w)
	}
	return buf
}

// UnmarshalPacket reconstructs a packet from its wire image.
func UnmarshalPacket(data []byte) (*Packet, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketOddSize, len(data))
	}
	if len(data) < 2*HeaderWords {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooShort, len(data))
	}
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return &Packet{words: words}, nil
}

// String formats the header and payload for logging.
func (p *Packet) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dest=%s src=%s type=%s subtype=%d payload=[",
		p.Dest(), p.Src(), p.Type(), p.Subtype())
	for i, w := range p.Payload() {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%04x", w)
	}
	b.WriteByte(']')
	return b.String()
}
