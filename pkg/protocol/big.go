package protocol

import (
	"fmt"
	"strconv"
)

// PutBig encodes value under name in f, splitting it into chunks of at
// most MaxValueLength bytes when it would otherwise violate the frame's
// per-value limit. Chunks are emitted under indexed keys "name.0",
// "name.1", … in order; the plain "name" key is never set by PutBig.
//
// The number of chunks emitted is ⌈len(value) / MaxValueLength⌉ — zero for
// an empty value, matching the big-argument law decode relies on.
func PutBig(f Frame, name string, value []byte) {
	for i := 0; i*MaxValueLength < len(value); i++ {
		start := i * MaxValueLength
		end := start + MaxValueLength
		if end > len(value) {
			end = len(value)
		}
		f[chunkKey(name, i)] = value[start:end]
	}
}

// TakeBig reassembles the chunks previously written by PutBig under name,
// removing them from f, and returns the concatenated buffer. Reassembly
// stops at the first missing index. A name with no "name.0" chunk yields
// ok=false; since PutBig emits zero chunks for an empty value, an empty
// value and an absent argument both read back this way.
func TakeBig(f Frame, name string) (value []byte, ok bool) {
	for i := 0; ; i++ {
		key := chunkKey(name, i)
		chunk, present := f[key]
		if !present {
			return value, i > 0
		}
		value = append(value, chunk...)
		delete(f, key)
	}
}

func chunkKey(name string, index int) string {
	return name + "." + strconv.Itoa(index)
}

// requireBig is a convenience used by command decoders: it behaves like
// TakeBig but turns "argument entirely absent" into ErrMalformedFrame.
func requireBig(f Frame, name string) ([]byte, error) {
	value, ok := TakeBig(f, name)
	if !ok {
		return nil, fmt.Errorf("%w: missing argument %q", ErrMalformedFrame, name)
	}
	return value, nil
}
