package proto

// Frame: one decoded data frame as ordered chunk views into the read buffers it arrived in.
// A zero-length frame has no chunks.
type Frame [][]byte

// Len returns total payload bytes across chunks.
func (f Frame) Len() int {
	n := 0
	for _, c := range f {
		n += len(c)
	}
	return n
}

// Bytes concatenates chunks; returns the only chunk as-is when there is one.
func (f Frame) Bytes() []byte {
	switch len(f) {
	case 0:
		return []byte{}
	case 1:
		return f[0]
	}
	out := make([]byte, 0, f.Len())
	for _, c := range f {
		out = append(out, c...)
	}
	return out
}
