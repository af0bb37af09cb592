// Package frame implements the PULSE v2 framing codec.
//
// A frame on the wire is a byte string delimited by FLAG bytes. The frame
// body is produced from "datagram + FCS" by COBS stuffing followed by a
// FLAG/zero role swap: COBS guarantees its output contains no zero byte, and
// replacing every literal FLAG with zero afterwards guarantees the body
// contains no FLAG byte either, so FLAG is safe as the delimiter.
//
// The FCS is a little-endian CRC-32 (IEEE) of the datagram. Validation uses
// the residue property: the CRC-32 of "datagram + FCS" equals the CRC-32 of
// four zero bytes for every intact frame.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Flag is the reserved frame delimiter byte.
const Flag byte = 0x55

// fcsSize is the size of the trailing frame check sequence in bytes.
const fcsSize = 4

// DefaultMaxFrameLength bounds the encoded size of a frame body accepted by
// the Splitter. It leaves headroom for worst-case COBS overhead on an
// MTU-sized datagram plus the FCS.
const DefaultMaxFrameLength = 2048

var (
	// ErrDecode indicates a framing violation or malformed stuffing transform.
	ErrDecode = errors.New("frame: decode error")

	// ErrCorruptFrame indicates a frame whose check sequence did not validate.
	ErrCorruptFrame = errors.New("frame: corrupt frame")
)

// crcResidue is the CRC-32 of any byte string concatenated with its own
// little-endian CRC-32; equivalently, the CRC-32 of four zero bytes.
var crcResidue = crc32.ChecksumIEEE(make([]byte, fcsSize))

// Encode encapsulates a datagram into a complete wire frame, including both
// delimiter bytes. The bytes between the delimiters never contain a literal
// Flag byte.
func Encode(datagram []byte) []byte {
	body := make([]byte, 0, len(datagram)+fcsSize)
	body = append(body, datagram...)
	body = binary.LittleEndian.AppendUint32(body, crc32.ChecksumIEEE(datagram))

	stuffed := cobsEncode(body)

	// COBS eliminated all zeros; reuse zero as the escape for FLAG.
	for i, b := range stuffed {
		if b == Flag {
			stuffed[i] = 0
		}
	}

	out := make([]byte, 0, len(stuffed)+2)
	out = append(out, Flag)
	out = append(out, stuffed...)
	out = append(out, Flag)

	return out
}

// Decode recovers a datagram from a frame body (the bytes between two
// delimiters, as emitted by the Splitter).
//
// It fails with ErrDecode if the body contains a literal Flag byte or the
// stuffing transform is malformed, and with ErrCorruptFrame if the check
// sequence does not validate.
func Decode(body []byte) ([]byte, error) {
	if bytes.IndexByte(body, Flag) >= 0 {
		return nil, fmt.Errorf("%w: flag byte inside frame body", ErrDecode)
	}

	// Undo the FLAG/zero role swap before unstuffing.
	swapped := make([]byte, len(body))
	for i, b := range body {
		if b == 0 {
			swapped[i] = Flag
		} else {
			swapped[i] = b
		}
	}

	unstuffed, err := cobsDecode(swapped)
	if err != nil {
		return nil, err
	}

	if len(unstuffed) < fcsSize {
		return nil, fmt.Errorf("%w: frame shorter than check sequence", ErrCorruptFrame)
	}

	if crc32.ChecksumIEEE(unstuffed) != crcResidue {
		return nil, fmt.Errorf("%w: check sequence mismatch", ErrCorruptFrame)
	}

	return unstuffed[:len(unstuffed)-fcsSize], nil
}

// cobsEncode applies Consistent Overhead Byte Stuffing. The output contains
// no zero byte.
func cobsEncode(src []byte) []byte {
	dst := make([]byte, 1, len(src)+1+len(src)/254)
	codeIdx := 0
	code := byte(1)

	finish := func() {
		dst[codeIdx] = code
		codeIdx = len(dst)
		dst = append(dst, 0)
		code = 1
	}

	for _, b := range src {
		if b == 0 {
			finish()
			continue
		}

		dst = append(dst, b)
		code++
		if code == 0xFF {
			// Maximal group: no implicit zero follows.
			finish()
		}
	}

	dst[codeIdx] = code

	return dst
}

// cobsDecode reverses cobsEncode. It fails with ErrDecode on an empty input,
// an embedded zero byte, or a group code that overruns the input.
func cobsDecode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty stuffed data", ErrDecode)
	}

	dst := make([]byte, 0, len(src))

	for i := 0; i < len(src); {
		code := src[i]
		if code == 0 {
			return nil, fmt.Errorf("%w: zero byte in stuffed data", ErrDecode)
		}
		i++

		n := int(code) - 1
		if i+n > len(src) {
			return nil, fmt.Errorf("%w: group code overruns data", ErrDecode)
		}

		for _, b := range src[i : i+n] {
			if b == 0 {
				return nil, fmt.Errorf("%w: zero byte in stuffed data", ErrDecode)
			}
			dst = append(dst, b)
		}
		i += n

		if code != 0xFF && i < len(src) {
			dst = append(dst, 0)
		}
	}

	return dst, nil
}
