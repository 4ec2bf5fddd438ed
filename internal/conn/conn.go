package conn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"dev.c0redev.lwdfx/internal/handshake"
	"dev.c0redev.lwdfx/internal/proto"
)

// Stream is the byte stream a Connection runs over. net.Conn satisfies it. Streams that also
// implement CloseWrite get a real half-close on End.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type closeWriter interface {
	CloseWrite() error
}

type addrStream interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// State of a Connection.
type State uint32

const (
	Handshaking State = iota
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Observer receives per-frame counters; see metrics.Collector.
type Observer interface {
	FrameIn(size int)
	FrameOut(size int)
}

// DoneFunc is called once when the handshake settles. err is nil on success.
type DoneFunc func(c *Connection, err error)

const (
	DefaultTimeout          = 60 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultHighWaterMark    = 64 * 1024
	DefaultReadBufferSize   = 32 * 1024

	// largest CLIENT_HELLO: 255 versions, 255 names of 255 bytes
	handshakeReadSize = proto.MinClientHelloSize + 255 + 255*(1+proto.MaxALPLen)
)

// Options for New. Zero values take defaults, except Timeout where zero disables the idle check;
// use DefaultTimeout explicitly.
type Options struct {
	ID uint64
	// Idle timeout; reset on any read or write. 0 disables.
	Timeout time.Duration
	// Announced by a responder. An initiator replaces it with the value from SERVER_HELLO.
	MaxFrameSize uint32
	// Queued bytes at which Write starts returning false.
	HighWaterMark  int
	ReadBufferSize int
	Logger         zerolog.Logger
	Observer       Observer
}

// Connection runs one stream through handshake, framing and teardown. One goroutine reads and
// delivers frame, error, end and close events in wire order; drain is delivered from the writer.
// Listeners must not block.
type Connection struct {
	stream Stream
	side   handshake.Side
	opts   Options
	log    zerolog.Logger
	codec  *proto.Codec

	state   atomic.Uint32
	settled atomic.Bool
	active  atomic.Int64 // unix nanos of last stream activity

	mu        sync.Mutex
	started   bool
	stopped   bool
	causeSet  bool
	cause     error
	handshook bool // handshake result accepted; the timer can no longer fail it
	alp       string
	version   uint8
	hsTimer   *time.Timer
	onDone    DoneFunc

	wmu       sync.Mutex
	wcond     *sync.Cond
	out       *queue.Queue
	queued    int
	writable  bool
	wclosed   bool
	needDrain bool

	ev events
}

// New wraps stream. Nothing is read or written until Setup.
func New(stream Stream, side handshake.Side, opts Options) *Connection {
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = proto.DefaultMaxFrameSize
	}
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	c := &Connection{
		stream: stream,
		side:   side,
		opts:   opts,
		codec:  proto.NewCodec(opts.MaxFrameSize),
		out:    queue.New(),
	}
	c.wcond = sync.NewCond(&c.wmu)
	c.log = opts.Logger.With().Uint64("conn_id", opts.ID).Str("side", side.String()).Logger()
	if a, ok := stream.(addrStream); ok && a.RemoteAddr() != nil {
		c.log = c.log.With().Str("remote", a.RemoteAddr().String()).Logger()
	}
	c.touch()
	return c
}

// Setup starts the handshake. onDone fires exactly once: with nil after the connection is
// Established, or with the failure after the stream has been closed. handshakeTimeout 0 disables
// the handshake timer.
func (c *Connection) Setup(alpWhitelist []string, handshakeTimeout time.Duration, onDone DoneFunc) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return proto.NewError(proto.KindProtocolViolation, "connection already set up")
	}
	c.started = true
	c.onDone = onDone
	if handshakeTimeout > 0 {
		deadline := time.Now().Add(handshakeTimeout)
		_ = c.stream.SetReadDeadline(deadline)
		_ = c.stream.SetWriteDeadline(deadline)
		c.hsTimer = time.AfterFunc(handshakeTimeout, func() {
			err := proto.NewError(proto.KindHandshakeTimeout, fmt.Sprintf("no handshake within %s", handshakeTimeout))
			c.mu.Lock()
			lost := c.handshook || c.causeSet
			if !lost {
				c.causeSet = true
				c.cause = err
			}
			c.mu.Unlock()
			if lost {
				return
			}
			c.abort(err)
			c.settle(err)
		})
	}
	c.mu.Unlock()

	role := handshake.New(c.side, alpWhitelist, c.opts.MaxFrameSize)
	go c.run(role)
	return nil
}

// Write sends one frame made of chunks. It fails with ConnectionLost unless the connection is
// Established and not ended. The bool is false once queued bytes reach the high-water mark;
// OnDrain listeners fire when the queue empties again. Chunks are copied.
func (c *Connection) Write(chunks ...[]byte) (bool, error) {
	total := 0
	for _, ch := range chunks {
		total += len(ch)
	}
	if uint64(total) > uint64(^uint32(0)) {
		return false, proto.NewError(proto.KindFrameTooLarge, fmt.Sprintf("frame of %d bytes", total))
	}
	if !c.Writable() {
		return false, proto.NewError(proto.KindConnectionLost, "connection not writable")
	}
	buf := make([]byte, 0, proto.FrameHeaderSize+total)
	buf, err := c.codec.AppendHeader(buf, uint32(total))
	if err != nil {
		return false, err
	}
	for _, ch := range chunks {
		buf = append(buf, ch...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if !c.writable || c.State() != Established {
		return false, proto.NewError(proto.KindConnectionLost, "connection not writable")
	}
	c.out.Add(outFrame{b: buf, payload: total})
	c.queued += len(buf)
	c.wcond.Signal()
	if c.queued >= c.opts.HighWaterMark {
		c.needDrain = true
		return false, nil
	}
	return true, nil
}

// End queues the close frame and half-closes the stream once everything before it is written.
// Returns false when the connection is not writable.
func (c *Connection) End() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if !c.writable || c.State() != Established {
		return false
	}
	c.writable = false
	c.out.Add(outFrame{b: proto.CloseFrame, end: true})
	c.queued += len(proto.CloseFrame)
	c.wcond.Signal()
	return true
}

// Destroy closes the stream immediately, dropping queued writes. Safe to call more than once.
func (c *Connection) Destroy() {
	c.abort(nil)
	c.mu.Lock()
	idle := !c.started && !c.stopped
	c.mu.Unlock()
	if idle {
		// no reader goroutine to report the close
		c.finish()
	}
}

func (c *Connection) ID() uint64           { return c.opts.ID }
func (c *Connection) Side() handshake.Side { return c.side }
func (c *Connection) State() State         { return State(c.state.Load()) }

// Connected reports whether the connection is Established.
func (c *Connection) Connected() bool { return c.State() == Established }

// ALP returns the negotiated name, empty before Established.
func (c *Connection) ALP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alp
}

// Version returns the negotiated protocol version, 0 before Established.
func (c *Connection) Version() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// MaxFrameSize in effect for both directions.
func (c *Connection) MaxFrameSize() uint32 { return c.codec.MaxFrameSize() }

// Timeout returns the idle timeout.
func (c *Connection) Timeout() time.Duration { return c.opts.Timeout }

// Writable reports whether Write would be accepted.
func (c *Connection) Writable() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writable && c.State() == Established
}

// RemoteAddr of the stream, or nil when it has none.
func (c *Connection) RemoteAddr() net.Addr {
	if a, ok := c.stream.(addrStream); ok {
		return a.RemoteAddr()
	}
	return nil
}

// LocalAddr of the stream, or nil when it has none.
func (c *Connection) LocalAddr() net.Addr {
	if a, ok := c.stream.(addrStream); ok {
		return a.LocalAddr()
	}
	return nil
}

func (c *Connection) touch() { c.active.Store(time.Now().UnixNano()) }

func (c *Connection) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.active.Load()))
}

// settle delivers the handshake result; only the first call has any effect.
func (c *Connection) settle(err error) bool {
	if !c.settled.CompareAndSwap(false, true) {
		return false
	}
	c.mu.Lock()
	done := c.onDone
	c.onDone = nil
	if c.hsTimer != nil {
		c.hsTimer.Stop()
	}
	c.mu.Unlock()
	if err != nil {
		c.log.Debug().Str("kind", string(proto.KindOf(err))).Err(err).Msg("handshake failed")
	}
	if done != nil {
		done(c, err)
	}
	return true
}

// abort records why the connection is going away (nil for a local close) and closes the stream.
// The first recorded cause wins.
func (c *Connection) abort(cause error) {
	c.mu.Lock()
	if !c.causeSet {
		c.causeSet = true
		c.cause = cause
	}
	c.mu.Unlock()
	c.stopWriter()
	_ = c.stream.Close()
}

// causeOr returns the recorded cause, recording err first if none was.
func (c *Connection) causeOr(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.causeSet {
		c.causeSet = true
		c.cause = err
	}
	return c.cause
}

func (c *Connection) aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.causeSet
}

// finish moves to Closed and reports the cause. Runs once.
func (c *Connection) finish() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if !c.causeSet {
		c.causeSet = true
	}
	cause := c.cause
	if c.hsTimer != nil {
		c.hsTimer.Stop()
	}
	c.mu.Unlock()

	wasEstablished := c.State() == Established
	c.state.Store(uint32(Closed))
	c.stopWriter()
	_ = c.stream.Close()

	if !c.settled.Load() {
		err := cause
		if err == nil {
			err = proto.NewError(proto.KindConnectionLost, "connection closed during handshake")
		}
		c.settle(err)
	}
	if wasEstablished && cause != nil {
		c.log.Debug().Str("kind", string(proto.KindOf(cause))).Err(cause).Msg("connection error")
		c.ev.emitError(cause)
	}
	c.log.Debug().Msg("connection closed")
	c.ev.emitClose(cause)
}

// streamErr maps a failed read or write to the error reported for it. Deadline expiry is
// reported as timeoutKind.
func streamErr(op string, err error, timeoutKind proto.Kind) error {
	switch {
	case errors.Is(err, io.EOF):
		return proto.NewError(proto.KindConnectionLost, "stream closed by peer")
	case isTimeout(err):
		return proto.WrapError(timeoutKind, "stream "+op+" timed out", err)
	}
	return proto.WrapError(proto.KindConnectionLost, "stream "+op+" failed", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
