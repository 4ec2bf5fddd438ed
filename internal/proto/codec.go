package proto

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Codec is the streaming data frame encoder/decoder of one connection. Decode is not safe for
// concurrent use; the limit may be read and changed from any goroutine.
//
// Decode keeps sub-slices of its input in the frames it returns, so a caller must not reuse a
// buffer after handing it to Decode.
type Codec struct {
	maxFrameSize atomic.Uint32

	header    [FrameHeaderSize]byte
	headerLen int

	rest   uint32
	chunks Frame
}

// NewCodec returns a Codec enforcing maxFrameSize on both directions.
func NewCodec(maxFrameSize uint32) *Codec {
	c := &Codec{}
	c.maxFrameSize.Store(maxFrameSize)
	return c
}

// MaxFrameSize returns the current limit.
func (c *Codec) MaxFrameSize() uint32 { return c.maxFrameSize.Load() }

// SetMaxFrameSize changes the limit for headers parsed or encoded afterwards.
func (c *Codec) SetMaxFrameSize(n uint32) { c.maxFrameSize.Store(n) }

// EncodeHeader returns the 8-byte header for a frame of n payload bytes.
func (c *Codec) EncodeHeader(n uint32) ([]byte, error) {
	return c.AppendHeader(make([]byte, 0, FrameHeaderSize), n)
}

// AppendHeader appends the header for n payload bytes to dst.
func (c *Codec) AppendHeader(dst []byte, n uint32) ([]byte, error) {
	if limit := c.maxFrameSize.Load(); n > limit {
		return dst, NewError(KindFrameTooLarge, fmt.Sprintf("frame of %d bytes exceeds limit %d", n, limit))
	}
	dst = binary.LittleEndian.AppendUint32(dst, FrameMagic)
	dst = binary.LittleEndian.AppendUint32(dst, n)
	return dst, nil
}

// Decode consumes one chunk of stream bytes and returns every frame completed by it, in wire
// order. Partial headers and bodies carry over to the next call. On a bad header it returns
// the frames completed before the failure together with the error; the codec must not be
// used afterwards.
func (c *Codec) Decode(data []byte) ([]Frame, error) {
	var out []Frame
	for len(data) > 0 {
		if c.rest > 0 {
			n := c.rest
			if uint32(len(data)) < n {
				n = uint32(len(data))
			}
			c.chunks = append(c.chunks, data[:n:n])
			c.rest -= n
			data = data[n:]
			if c.rest == 0 {
				out = append(out, c.chunks)
				c.chunks = nil
			}
			continue
		}

		n := copy(c.header[c.headerLen:], data)
		c.headerLen += n
		data = data[n:]
		if c.headerLen < FrameHeaderSize {
			break
		}
		c.headerLen = 0

		if magic := binary.LittleEndian.Uint32(c.header[0:4]); magic != FrameMagic {
			return out, NewError(KindProtocolViolation, fmt.Sprintf("invalid data frame magic 0x%08x", magic))
		}
		size := binary.LittleEndian.Uint32(c.header[4:8])
		if size == 0 {
			out = append(out, Frame{})
			continue
		}
		if limit := c.maxFrameSize.Load(); size > limit {
			return out, NewError(KindFrameTooLarge, fmt.Sprintf("frame of %d bytes exceeds limit %d", size, limit))
		}
		c.rest = size
	}
	return out, nil
}

// Pending reports whether a partial header or body is buffered.
func (c *Codec) Pending() bool {
	return c.headerLen > 0 || c.rest > 0
}
