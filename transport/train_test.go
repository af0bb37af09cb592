package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalInfo(t *testing.T) {
	wire := marshalInfo(5, 3, true, 0x0102, []byte{0xAA, 0xBB})

	require.Equal(t, []byte{
		0x0A,       // N(S)=5, discriminator 0
		0x07,       // N(R)=3, poll
		0x01, 0x02, // port
		0x00, 0x08, // length, header-inclusive
		0xAA, 0xBB,
	}, wire)
}

func TestMarshalSupervisory(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x00}, marshalSupervisory(supervisoryRR, 0, false))
	assert.Equal(t, []byte{0x01, 0x0F}, marshalSupervisory(supervisoryRR, 7, true))
	assert.Equal(t, []byte{0x05, 0x02}, marshalSupervisory(supervisoryRNR, 1, false))
	assert.Equal(t, []byte{0x09, 0x00}, marshalSupervisory(supervisoryREJ, 0, false))
}

func TestParseTrainPacketInfo(t *testing.T) {
	pkt, err := parseTrainPacket(marshalInfo(127, 126, false, 9, []byte("data")))
	require.NoError(t, err)

	assert.True(t, pkt.info)
	assert.Equal(t, byte(127), pkt.ns)
	assert.Equal(t, byte(126), pkt.nr)
	assert.False(t, pkt.poll)
	assert.Equal(t, uint16(9), pkt.port)
	assert.Equal(t, []byte("data"), pkt.payload)
}

func TestParseTrainPacketInfoPadding(t *testing.T) {
	wire := marshalInfo(0, 0, true, 1, []byte{0xCC})
	wire = append(wire, 0x00, 0x00, 0x00)

	pkt, err := parseTrainPacket(wire)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCC}, pkt.payload)
}

func TestParseTrainPacketSupervisory(t *testing.T) {
	pkt, err := parseTrainPacket(marshalSupervisory(supervisoryRR, 42, true))
	require.NoError(t, err)

	assert.False(t, pkt.info)
	assert.Equal(t, supervisoryRR, pkt.kind)
	assert.Equal(t, byte(42), pkt.nr)
	assert.True(t, pkt.poll)
}

func TestParseTrainPacketMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":                     {},
		"single byte":               {0x01},
		"info shorter than header":  {0x00, 0x00, 0x00, 0x01},
		"info length below header":  {0x00, 0x00, 0x00, 0x01, 0x00, 0x02},
		"info length beyond packet": {0x00, 0x00, 0x00, 0x01, 0x00, 0x09, 0xAA},
		"bad discriminator":         {0x03, 0x00},
		"reserved bits set":         {0x11, 0x00},
		"unknown supervisory kind":  {0x0D, 0x00},
	}

	for name, wire := range cases {
		_, err := parseTrainPacket(wire)
		assert.ErrorIs(t, err, ErrMalformedPacket, name)
	}
}

func TestPacketRoundTrip(t *testing.T) {
	wire := marshalPacket(0x1234, []byte("hello"))

	port, payload, err := parsePacket(wire)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), port)
	assert.Equal(t, []byte("hello"), payload)
}

func TestParsePacketPadding(t *testing.T) {
	wire := append(marshalPacket(7, []byte{0xAB}), 0x00, 0x00)

	port, payload, err := parsePacket(wire)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), port)
	assert.Equal(t, []byte{0xAB}, payload)
}

func TestParsePacketMalformed(t *testing.T) {
	cases := map[string][]byte{
		"too short":            {0x00, 0x01},
		"length below header":  {0x00, 0x01, 0x00, 0x02},
		"length beyond packet": {0x00, 0x01, 0x00, 0x08, 0xAA},
	}

	for name, wire := range cases {
		_, _, err := parsePacket(wire)
		assert.ErrorIs(t, err, ErrMalformedPacket, name)
	}
}
