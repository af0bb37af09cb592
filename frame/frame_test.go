package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// body strips the two delimiter bytes from an encoded frame.
func body(t *testing.T, encoded []byte) []byte {
	t.Helper()
	require.GreaterOrEqual(t, len(encoded), 2)
	require.Equal(t, Flag, encoded[0])
	require.Equal(t, Flag, encoded[len(encoded)-1])

	return encoded[1 : len(encoded)-1]
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	datagrams := [][]byte{
		{},
		{0x00},
		{Flag},
		{0x00, Flag, 0x00, Flag},
		[]byte("hello, device"),
		bytes.Repeat([]byte{0x00}, 300),
		bytes.Repeat([]byte{Flag}, 300),
		bytes.Repeat([]byte{0xAB}, 300), // >254 non-zero bytes exercises maximal COBS groups
		{0x01, 0x00, 0x55, 0xFF, 0x55, 0x00},
	}

	for _, datagram := range datagrams {
		encoded := Encode(datagram)
		decoded, err := Decode(body(t, encoded))
		require.NoError(t, err, "datagram %x", datagram)
		assert.Equal(t, datagram, decoded)
	}
}

func TestEncode_NoDelimiterLeakage(t *testing.T) {
	datagrams := [][]byte{
		{Flag, Flag, Flag, Flag},
		{0x00, 0x55, 0x00, 0x55},
		bytes.Repeat([]byte{Flag, 0x00}, 200),
	}

	for _, datagram := range datagrams {
		encoded := Encode(datagram)
		assert.NotContains(t, body(t, encoded), Flag,
			"frame body must be free of the delimiter byte")
	}
}

func TestDecode_SingleBitCorruption(t *testing.T) {
	datagram := []byte{0x01, 0x00, Flag, 0x42, 0x42, 0x00, 0x99}
	encoded := Encode(datagram)
	frameBody := body(t, encoded)

	for i := range frameBody {
		for bit := 0; bit < 8; bit++ {
			corrupted := make([]byte, len(frameBody))
			copy(corrupted, frameBody)
			corrupted[i] ^= 1 << bit

			decoded, err := Decode(corrupted)
			if err == nil {
				t.Fatalf("bit %d of byte %d: corruption not detected, decoded %x", bit, i, decoded)
			}
			assert.True(t, errors.Is(err, ErrCorruptFrame) || errors.Is(err, ErrDecode),
				"bit %d of byte %d: unexpected error %v", bit, i, err)
		}
	}
}

func TestDecode_FlagInsideBody(t *testing.T) {
	_, err := Decode([]byte{0x01, Flag, 0x02})
	require.ErrorIs(t, err, ErrDecode)
}

func TestDecode_MalformedStuffing(t *testing.T) {
	// Group code claims more bytes than the body holds.
	_, err := Decode([]byte{0x10, 0x01})
	require.ErrorIs(t, err, ErrDecode)

	// Empty body is not a valid stuffed string.
	_, err = Decode(nil)
	require.ErrorIs(t, err, ErrDecode)
}

func TestDecode_TruncatedCheckSequence(t *testing.T) {
	// A valid stuffing of fewer than four bytes cannot carry an FCS.
	_, err := Decode([]byte{0x02, 0x01})
	require.ErrorIs(t, err, ErrCorruptFrame)
}
