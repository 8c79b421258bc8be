package protocol

import (
	"bytes"
	"fmt"
)

const (
	// Separator terminates every frame on the wire. XML 1.0 cannot carry
	// this control character, so it never occurs inside an encoded body.
	Separator byte = 0x17

	// Greeting is written by the server to every accepted connection
	// before any frame.
	Greeting byte = '1'

	// MaxFrameSize bounds a single frame body.
	MaxFrameSize = 1 << 20
)

// Frame appends the separator to an encoded message body.
func Frame(body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, body...)
	return append(out, Separator)
}

// EncodeFrame encodes m and terminates it with the separator.
func EncodeFrame(m Message) ([]byte, error) {
	body, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return Frame(body), nil
}

// KeepAlive is an empty frame.
var KeepAlive = []byte{Separator}

// Splitter reassembles frames from arbitrary chunks of a byte stream. Bytes
// after the last separator are kept until a later chunk completes them, so
// a frame split across reads is never lost.
type Splitter struct {
	buf []byte
}

// Feed consumes chunk and returns every frame it completes, in order.
// Empty frames (keep-alives) are counted, not returned.
func (s *Splitter) Feed(chunk []byte) (frames [][]byte, keepAlives int, err error) {
	s.buf = append(s.buf, chunk...)

	for {
		i := bytes.IndexByte(s.buf, Separator)
		if i < 0 {
			break
		}
		if i == 0 {
			keepAlives++
		} else {
			frame := make([]byte, i)
			copy(frame, s.buf[:i])
			frames = append(frames, frame)
		}
		s.buf = s.buf[i+1:]
	}

	if len(s.buf) > MaxFrameSize {
		n := len(s.buf)
		s.buf = nil
		return frames, keepAlives, fmt.Errorf("frame exceeds %d bytes (%d buffered)", MaxFrameSize, n)
	}

	// Release the backing array once everything has been consumed.
	if len(s.buf) == 0 {
		s.buf = nil
	}

	return frames, keepAlives, nil
}

// Buffered returns the number of bytes waiting for a separator.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}
