package frame

// Splitter turns an unstructured byte stream into frame bodies.
//
// It is a stateful scanner with two modes. While waiting for sync, bytes are
// discarded until a Flag is seen. While collecting, bytes accumulate until
// the next Flag terminates the frame. Two adjacent Flag bytes produce no
// frame. A frame exceeding the maximum length is discarded and the scanner
// returns to waiting for sync, so a stream that never produces a terminating
// Flag cannot grow the buffer without bound.
//
// Splitter is not goroutine-safe; the receive loop is its only caller.
type Splitter struct {
	maxLen int
	buf    []byte
	synced bool
}

// NewSplitter creates a Splitter. maxFrameLength bounds the size of a single
// collected frame body; non-positive values use DefaultMaxFrameLength.
func NewSplitter(maxFrameLength int) *Splitter {
	if maxFrameLength <= 0 {
		maxFrameLength = DefaultMaxFrameLength
	}

	return &Splitter{
		maxLen: maxFrameLength,
		buf:    make([]byte, 0, maxFrameLength),
	}
}

// Push feeds stream bytes into the scanner and returns the complete frame
// bodies they terminate, in order. The returned slices are copies and remain
// valid after subsequent calls.
func (s *Splitter) Push(data []byte) [][]byte {
	var frames [][]byte

	for _, b := range data {
		if !s.synced {
			if b == Flag {
				s.synced = true
				s.buf = s.buf[:0]
			}

			continue
		}

		if b == Flag {
			if len(s.buf) == 0 {
				continue // adjacent delimiters, nothing collected
			}

			body := make([]byte, len(s.buf))
			copy(body, s.buf)
			frames = append(frames, body)
			s.buf = s.buf[:0]

			continue
		}

		s.buf = append(s.buf, b)
		if len(s.buf) > s.maxLen {
			// Oversized frame: drop it and hunt for the next delimiter.
			s.buf = s.buf[:0]
			s.synced = false
		}
	}

	return frames
}

// Reset discards any partial frame and returns to waiting for sync.
func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
	s.synced = false
}
