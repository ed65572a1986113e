package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddr(t *testing.T) {
	tests := []struct {
		subnet, local uint
		raw           uint16
	}{
		{0, 0, 0x0000},
		{0, 1, 0x0001},
		{1, 0, 0x0400},
		{3, 5, 0x0c05},
		{MaxSubnet, MaxLocal, 0xffff},
	}
	for _, tt := range tests {
		a := NewAddr(tt.subnet, tt.local)
		assert.Equal(t, tt.raw, uint16(a))
		assert.Equal(t, tt.subnet, a.Subnet())
		assert.Equal(t, tt.local, a.Local())
	}

	assert.Equal(t, NewAddr(7, 0), SCM(7))
	assert.Panics(t, func() { NewAddr(MaxSubnet+1, 0) })
	assert.Panics(t, func() { NewAddr(0, MaxLocal+1) })
}

func TestPacketHeader(t *testing.T) {
	p := NewPacketWithHeader(NewAddr(1, 2), NewAddr(0, 3), TypeEvent, SubEventCont, 4)

	assert.Equal(t, NewAddr(1, 2), p.Dest())
	assert.Equal(t, NewAddr(0, 3), p.Src())
	assert.Equal(t, TypeEvent, p.Type())
	assert.Equal(t, SubEventCont, p.Subtype())
	assert.Equal(t, 4, p.PayloadWords())
	assert.Equal(t, 7, p.SizeWords())

	p.SetSubtype(SubEventLast)
	assert.Equal(t, TypeEvent, p.Type())
	assert.Equal(t, SubEventLast, p.Subtype())
}

func TestSizeConversion(t *testing.T) {
	for n := 0; n < 10; n++ {
		assert.Equal(t, n, SizeToPayload(PayloadToSize(n)))
	}
}

func TestPacketWireImage(t *testing.T) {
	p := NewPacketWithHeader(0x0401, 0x0002, TypeReg, SubReqReadReg16, 2)
	copy(p.Payload(), []uint16{0xbeef, 0x0102})

	data := p.Bytes()
	assert.Equal(t, []byte{
		0x04, 0x01,
		0x00, 0x02,
		0x00, 0x00,
		0xbe, 0xef,
		0x01, 0x02,
	}, data)

	q, err := UnmarshalPacket(data)
	require.NoError(t, err)
	assert.True(t, p.Equal(q))
}

func TestUnmarshalPacketErrors(t *testing.T) {
	_, err := UnmarshalPacket([]byte{0, 1, 2})
	assert.True(t, errors.Is(err, ErrPacketOddSize))

	_, err = UnmarshalPacket([]byte{0, 1, 2, 3})
	assert.True(t, errors.Is(err, ErrPacketTooShort))
}

func TestPacketCloneIsDeep(t *testing.T) {
	p := NewPacket(1)
	p.Payload()[0] = 1
	q := p.Clone()
	q.Payload()[0] = 2
	assert.Equal(t, uint16(1), p.Payload()[0])
	assert.False(t, p.Equal(q))
}
