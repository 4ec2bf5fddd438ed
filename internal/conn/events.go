package conn

import (
	"sync"

	"dev.c0redev.lwdfx/internal/proto"
)

// events holds listener lists per event kind.
type events struct {
	mu    sync.Mutex
	frame []func(proto.Frame)
	err   []func(error)
	close []func(error)
	end   []func()
	drain []func()
}

// OnFrame registers fn for every decoded frame. Chunks view read buffers owned by the frame;
// they are not reused by the connection.
func (c *Connection) OnFrame(fn func(f proto.Frame)) {
	c.ev.mu.Lock()
	c.ev.frame = append(c.ev.frame, fn)
	c.ev.mu.Unlock()
}

// OnError registers fn for steady-state failures: decode errors, idle timeout, lost stream.
// Close follows.
func (c *Connection) OnError(fn func(err error)) {
	c.ev.mu.Lock()
	c.ev.err = append(c.ev.err, fn)
	c.ev.mu.Unlock()
}

// OnClose registers fn for the final event. err is nil after a local Destroy/End or a clean peer
// close.
func (c *Connection) OnClose(fn func(err error)) {
	c.ev.mu.Lock()
	c.ev.close = append(c.ev.close, fn)
	c.ev.mu.Unlock()
}

// OnEnd registers fn for the peer half-closing its side.
func (c *Connection) OnEnd(fn func()) {
	c.ev.mu.Lock()
	c.ev.end = append(c.ev.end, fn)
	c.ev.mu.Unlock()
}

// OnDrain registers fn for the outbound queue emptying after Write returned false.
func (c *Connection) OnDrain(fn func()) {
	c.ev.mu.Lock()
	c.ev.drain = append(c.ev.drain, fn)
	c.ev.mu.Unlock()
}

// RemoveAllListeners drops every registered listener.
func (c *Connection) RemoveAllListeners() {
	c.ev.mu.Lock()
	c.ev.frame, c.ev.err, c.ev.close, c.ev.end, c.ev.drain = nil, nil, nil, nil, nil
	c.ev.mu.Unlock()
}

func (e *events) emitFrame(f proto.Frame) {
	e.mu.Lock()
	ls := e.frame
	e.mu.Unlock()
	for _, fn := range ls {
		fn(f)
	}
}

func (e *events) emitError(err error) {
	e.mu.Lock()
	ls := e.err
	e.mu.Unlock()
	for _, fn := range ls {
		fn(err)
	}
}

func (e *events) emitClose(err error) {
	e.mu.Lock()
	ls := e.close
	e.mu.Unlock()
	for _, fn := range ls {
		fn(err)
	}
}

func (e *events) emitEnd() {
	e.mu.Lock()
	ls := e.end
	e.mu.Unlock()
	for _, fn := range ls {
		fn()
	}
}

func (e *events) emitDrain() {
	e.mu.Lock()
	ls := e.drain
	e.mu.Unlock()
	for _, fn := range ls {
		fn()
	}
}
