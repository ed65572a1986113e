// Package core defines core types with zero external dependencies.
package core

import "fmt"

// Addr is a 16 bit debug interconnect address (DI address). The upper bits
// select the subnet, the lower bits the module within that subnet.
type Addr uint16

const (
	// SubnetBits is the width of the subnet field of an Addr.
	SubnetBits = 6
	// LocalBits is the width of the local address field of an Addr.
	LocalBits = 10

	// MaxSubnet is the largest valid subnet number.
	MaxSubnet = 1<<SubnetBits - 1
	// MaxLocal is the largest valid local address.
	MaxLocal = 1<<LocalBits - 1

	// SCMLocal is the local address of the System Control Module in every subnet.
	SCMLocal = 0
)

// NewAddr builds an address from its subnet and local parts.
// Out-of-range parts are a programming error.
func NewAddr(subnet, local uint) Addr {
	if subnet > MaxSubnet {
		panic(fmt.Sprintf("osd: subnet %d out of range", subnet))
	}
	if local > MaxLocal {
		panic(fmt.Sprintf("osd: local address %d out of range", local))
	}
	return Addr(subnet<<LocalBits | local)
}

// Subnet returns the subnet part of a.
func (a Addr) Subnet() uint {
	return uint(a) >> LocalBits
}

// Local returns the local address part of a.
func (a Addr) Local() uint {
	return uint(a) & MaxLocal
}

// SCM returns the address of the System Control Module in subnet.
func SCM(subnet uint) Addr {
	return NewAddr(subnet, SCMLocal)
}

// String formats a as "subnet.local (0xNNNN)".
func (a Addr) String() string {
	return fmt.Sprintf("%d.%d (0x%04x)", a.Subnet(), a.Local(), uint16(a))
}
