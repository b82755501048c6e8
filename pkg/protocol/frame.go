// Package protocol implements the framed command protocol spoken between
// the control service and its convergence agents: length-delimited frames
// carrying key/value argument maps, a Big wrapper that transports values
// larger than a single frame's per-value limit, and the four commands
// (Version, NoOp, ClusterStatus, NodeState) exchanged over the link.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// MaxValueLength is the hard per-frame limit on a single value's length,
// in bytes. Arguments whose encoded form exceeds it must travel wrapped in
// Big, split across multiple "<name>.<index>" keys.
const MaxValueLength = 0xFFFF

// maxFrameLength bounds a single frame's total wire size so a corrupt or
// hostile peer cannot make a reader allocate unbounded memory.
const maxFrameLength = 64 << 20 // 64 MiB

// Frame is a key/value map of raw bytes, the unit the wire codec frames
// and length-delimits. Keys must be non-empty.
type Frame map[string][]byte

// WriteFrame serializes f as one length-prefixed frame: a 4-byte body
// length, followed by each entry as a 2-byte key length, the key, a
// 2-byte value length, and the value, followed by a zero-length
// terminator key.
func WriteFrame(w io.Writer, f Frame) error {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	body := make([]byte, 0, 64)
	var hdr [2]byte
	for _, k := range keys {
		v := f[k]
		if len(k) == 0 {
			return fmt.Errorf("%w: empty key", ErrMalformedFrame)
		}
		if len(v) > MaxValueLength {
			return fmt.Errorf("%w: value for %q exceeds MaxValueLength", ErrArgumentTypeMismatch, k)
		}
		binary.BigEndian.PutUint16(hdr[:], uint16(len(k)))
		body = append(body, hdr[:]...)
		body = append(body, k...)
		binary.BigEndian.PutUint16(hdr[:], uint16(len(v)))
		body = append(body, hdr[:]...)
		body = append(body, v...)
	}
	// Terminator: a zero-length key ends the frame.
	binary.BigEndian.PutUint16(hdr[:], 0)
	body = append(body, hdr[:]...)

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	bodyLen := binary.BigEndian.Uint32(lenPrefix[:])
	if bodyLen > maxFrameLength {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit", ErrMalformedFrame, bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	f := make(Frame)
	pos := 0
	for {
		if pos+2 > len(body) {
			return nil, fmt.Errorf("%w: truncated key length", ErrMalformedFrame)
		}
		keyLen := int(binary.BigEndian.Uint16(body[pos:]))
		pos += 2
		if keyLen == 0 {
			break
		}
		if pos+keyLen > len(body) {
			return nil, fmt.Errorf("%w: truncated key", ErrMalformedFrame)
		}
		key := string(body[pos : pos+keyLen])
		pos += keyLen

		if pos+2 > len(body) {
			return nil, fmt.Errorf("%w: truncated value length", ErrMalformedFrame)
		}
		valLen := int(binary.BigEndian.Uint16(body[pos:]))
		pos += 2
		if pos+valLen > len(body) {
			return nil, fmt.Errorf("%w: truncated value", ErrMalformedFrame)
		}
		value := make([]byte, valLen)
		copy(value, body[pos:pos+valLen])
		pos += valLen

		f[key] = value
	}
	if pos != len(body) {
		return nil, fmt.Errorf("%w: trailing bytes after terminator", ErrMalformedFrame)
	}
	return f, nil
}
