package conn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"dev.c0redev.lwdfx/internal/handshake"
	"dev.c0redev.lwdfx/internal/proto"
)

type outFrame struct {
	b       []byte
	payload int
	end     bool
}

// run owns the read side for the whole life of the connection.
func (c *Connection) run(role handshake.Role) {
	defer c.finish()

	hello, err := role.Hello()
	if err != nil {
		c.abort(err)
		return
	}
	if hello != nil {
		if _, err := c.stream.Write(hello); err != nil {
			c.abort(streamErr("write", err, proto.KindHandshakeTimeout))
			return
		}
	}

	// handshake packets arrive in one read
	buf := make([]byte, max(handshakeReadSize, c.opts.ReadBufferSize))
	var n int
	for n == 0 {
		n, err = c.stream.Read(buf)
		if n == 0 && err != nil {
			c.abort(streamErr("read", err, proto.KindHandshakeTimeout))
			return
		}
	}
	c.touch()

	reply, res, err := role.Receive(buf[:n])
	if reply != nil {
		if _, werr := c.stream.Write(reply); werr != nil && err == nil {
			err = streamErr("write", werr, proto.KindHandshakeTimeout)
		}
	}
	if err != nil {
		c.abort(err)
		return
	}

	c.mu.Lock()
	if c.causeSet {
		c.mu.Unlock()
		return
	}
	c.handshook = true
	c.alp = res.ALP
	c.version = res.Version
	if c.side == handshake.Initiator {
		c.codec.SetMaxFrameSize(res.MaxFrameSize)
	}
	c.mu.Unlock()

	_ = c.stream.SetReadDeadline(time.Time{})
	_ = c.stream.SetWriteDeadline(time.Time{})
	c.wmu.Lock()
	c.writable = true
	c.wmu.Unlock()
	c.state.Store(uint32(Established))
	go c.writeLoop()

	if !c.settle(nil) {
		return
	}
	c.log.Debug().Str("alp", res.ALP).Uint8("version", res.Version).Uint32("max_frame_size", c.codec.MaxFrameSize()).Msg("handshake done")

	if res.Consumed < n && !c.deliver(buf[res.Consumed:n]) {
		return
	}
	c.readLoop()
}

func (c *Connection) readLoop() {
	for {
		if c.opts.Timeout > 0 {
			_ = c.stream.SetReadDeadline(time.Unix(0, c.active.Load()).Add(c.opts.Timeout))
		}
		// fresh buffer per read: delivered frames keep views into it
		buf := make([]byte, c.opts.ReadBufferSize)
		n, err := c.stream.Read(buf)
		if n > 0 {
			c.touch()
			if !c.deliver(buf[:n]) {
				return
			}
		}
		if err == nil {
			continue
		}
		if c.aborted() {
			return
		}
		switch {
		case isTimeout(err) && c.opts.Timeout > 0:
			if c.idleFor() < c.opts.Timeout {
				// writes kept it alive
				continue
			}
			c.abort(proto.NewError(proto.KindTimeout, fmt.Sprintf("idle for %s", c.opts.Timeout)))
		case errors.Is(err, io.EOF):
			c.log.Debug().Msg("peer ended stream")
			c.ev.emitEnd()
			c.abort(nil)
		default:
			c.abort(streamErr("read", err, proto.KindTimeout))
		}
		return
	}
}

// deliver decodes data and emits completed frames; false once the connection is going away.
func (c *Connection) deliver(data []byte) bool {
	frames, err := c.codec.Decode(data)
	for _, f := range frames {
		if c.aborted() {
			return false
		}
		if c.opts.Observer != nil {
			c.opts.Observer.FrameIn(f.Len())
		}
		c.ev.emitFrame(f)
	}
	if err != nil {
		c.abort(err)
		return false
	}
	return true
}

// writeLoop drains the outbound queue, batching whatever is queued into one vectored write.
func (c *Connection) writeLoop() {
	for {
		c.wmu.Lock()
		for c.out.Length() == 0 && !c.wclosed {
			c.wcond.Wait()
		}
		if c.wclosed {
			c.wmu.Unlock()
			return
		}
		var (
			bufs  net.Buffers
			sizes []int
			total int
			end   bool
		)
		for c.out.Length() > 0 && !end {
			f := c.out.Remove().(outFrame)
			bufs = append(bufs, f.b)
			total += len(f.b)
			end = f.end
			if !f.end {
				sizes = append(sizes, f.payload)
			}
		}
		c.wmu.Unlock()

		if c.opts.Timeout > 0 {
			_ = c.stream.SetWriteDeadline(time.Now().Add(c.opts.Timeout))
		}
		if _, err := bufs.WriteTo(c.stream); err != nil {
			c.abort(streamErr("write", err, proto.KindTimeout))
			return
		}
		c.touch()
		if c.opts.Observer != nil {
			for _, n := range sizes {
				c.opts.Observer.FrameOut(n)
			}
		}

		c.wmu.Lock()
		c.queued -= total
		drain := c.queued == 0 && c.needDrain
		if drain {
			c.needDrain = false
		}
		c.wmu.Unlock()
		if drain {
			c.ev.emitDrain()
		}
		if end {
			c.halfClose()
			return
		}
	}
}

// halfClose finishes our direction after the close frame. Streams without CloseWrite are closed.
func (c *Connection) halfClose() {
	if cw, ok := c.stream.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			c.log.Debug().Msg("stream half-closed")
			return
		}
	}
	c.abort(nil)
}

func (c *Connection) stopWriter() {
	c.wmu.Lock()
	c.wclosed = true
	c.writable = false
	c.wcond.Broadcast()
	c.wmu.Unlock()
}
