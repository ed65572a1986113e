package hostmod

import (
	"fmt"

	"opensocdebug.org/osd/internal/core"
)

// Base registers implemented by every debug module.
const (
	RegModVendor    uint16 = 0x0000
	RegModType      uint16 = 0x0001
	RegModVersion   uint16 = 0x0002
	RegModCS        uint16 = 0x0003
	RegModEventDest uint16 = 0x0004
)

// ModCSActive is the MOD_CS bit enabling event generation.
const ModCSActive uint16 = 1 << 0

// Registers of the System Control Module.
const (
	RegSCMSystemVendorID uint16 = 0x0200
	RegSCMSystemDeviceID uint16 = 0x0201
	RegSCMNumMod         uint16 = 0x0202
	RegSCMMaxPktLen      uint16 = 0x0203
)

// Width is the width of a register access in bits.
type Width int

const (
	Width16  Width = 16
	Width32  Width = 32
	Width64  Width = 64
	Width128 Width = 128
)

// Words returns the number of 16 bit words of a register of width w.
func (w Width) Words() int {
	return int(w) / 16
}

func (w Width) index() (int, error) {
	switch w {
	case Width16:
		return 0, nil
	case Width32:
		return 1, nil
	case Width64:
		return 2, nil
	case Width128:
		return 3, nil
	default:
		return 0, fmt.Errorf("%w: unsupported register width %d", core.ErrFailure, int(w))
	}
}

func (w Width) readSubtypes() (req, resp uint8, err error) {
	i, err := w.index()
	if err != nil {
		return 0, 0, err
	}
	return core.SubReqReadReg16 + uint8(i), core.SubRespReadRegSuccess16 + uint8(i), nil
}

func (w Width) writeSubtype() (uint8, error) {
	i, err := w.index()
	if err != nil {
		return 0, err
	}
	return core.SubReqWriteReg16 + uint8(i), nil
}

// ModuleDesc describes one debug module.
type ModuleDesc struct {
	Addr    core.Addr `yaml:"addr" json:"addr"`
	Vendor  uint16    `yaml:"vendor" json:"vendor"`
	Type    uint16    `yaml:"type" json:"type"`
	Version uint16    `yaml:"version" json:"version"`
	// Unknown is set when the module could not be described.
	Unknown bool `yaml:"unknown,omitempty" json:"unknown,omitempty"`
}

// SystemInfo is the identification of a subnet read from its SCM.
type SystemInfo struct {
	VendorID   uint16 `yaml:"vendor_id" json:"vendor_id"`
	DeviceID   uint16 `yaml:"device_id" json:"device_id"`
	NumModules uint16 `yaml:"num_modules" json:"num_modules"`
	MaxPktLen  uint16 `yaml:"max_pkt_len" json:"max_pkt_len"`
}
