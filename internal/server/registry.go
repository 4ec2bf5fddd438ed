// Package server admits inbound LwDFX streams: a Registry bounds and tracks connections, a
// Gateway feeds it from a listener.
package server

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.lwdfx/internal/conn"
	"dev.c0redev.lwdfx/internal/handshake"
	"dev.c0redev.lwdfx/internal/metrics"
	"dev.c0redev.lwdfx/internal/proto"
)

const DefaultMaxConnections = 1023

// Options for NewRegistry. Zero MaxConnections and MaxFrameSize take defaults; zero timeouts
// disable the corresponding check.
type Options struct {
	ALPWhitelist     []string
	Timeout          time.Duration
	HandshakeTimeout time.Duration
	MaxFrameSize     uint32
	MaxConnections   uint32
	Logger           zerolog.Logger
	Metrics          *metrics.Collector
}

// Registry tracks responder connections. Streams still handshaking count against MaxConnections
// and are torn down by CloseAll along with established ones.
type Registry struct {
	log     zerolog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	opts    Options
	nextID  uint64
	conns   map[uint64]*conn.Connection
	pending map[uint64]*conn.Connection

	lmu    sync.Mutex
	onConn []func(*conn.Connection)
	onErr  []func(error)
}

// NewRegistry returns an empty registry. Connection ids start at the current Unix time in
// milliseconds so ids rarely repeat across restarts.
func NewRegistry(opts Options) *Registry {
	if opts.MaxConnections == 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = proto.DefaultMaxFrameSize
	}
	opts.ALPWhitelist = slices.Clone(opts.ALPWhitelist)
	return &Registry{
		log:     opts.Logger,
		metrics: opts.Metrics,
		opts:    opts,
		nextID:  uint64(time.Now().UnixMilli()),
		conns:   make(map[uint64]*conn.Connection),
		pending: make(map[uint64]*conn.Connection),
	}
}

// Register runs the responder handshake on stream. At capacity the stream is closed and
// TooManyConnections returned; otherwise the outcome is reported to done (may be nil) and, on
// success, to OnConnection listeners.
func (r *Registry) Register(stream conn.Stream, done conn.DoneFunc) error {
	r.mu.Lock()
	if len(r.conns)+len(r.pending) >= int(r.opts.MaxConnections) {
		limit := r.opts.MaxConnections
		r.mu.Unlock()
		_ = stream.Close()
		err := proto.NewError(proto.KindTooManyConnections, fmt.Sprintf("limit of %d connections reached", limit))
		r.log.Warn().Str("kind", string(proto.KindTooManyConnections)).Msg("stream rejected")
		r.metrics.Rejected()
		r.emitError(err)
		return err
	}
	id := r.nextID
	r.nextID++
	opts := r.opts
	c := conn.New(stream, handshake.Responder, conn.Options{
		ID:           id,
		Timeout:      opts.Timeout,
		MaxFrameSize: opts.MaxFrameSize,
		Logger:       r.log,
		Observer:     r.metrics,
	})
	r.pending[id] = c
	r.mu.Unlock()

	r.metrics.HandshakeStarted()
	return c.Setup(opts.ALPWhitelist, opts.HandshakeTimeout, func(c *conn.Connection, err error) {
		r.metrics.HandshakeDone(err)
		r.mu.Lock()
		delete(r.pending, id)
		if err == nil {
			r.conns[id] = c
		}
		r.mu.Unlock()

		if err != nil {
			r.emitError(err)
			if done != nil {
				done(c, err)
			}
			return
		}
		c.OnError(r.metrics.ConnectionError)
		c.OnClose(func(error) {
			r.metrics.ConnectionClosed()
			r.remove(id)
		})
		r.log.Debug().Uint64("conn_id", id).Str("alp", c.ALP()).Msg("connection registered")
		r.emitConnection(c)
		if done != nil {
			done(c, nil)
		}
	})
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// CloseAll ends every established connection and forgets them. Connections that cannot be ended
// are destroyed, and so are streams still handshaking; their handshakes fail with ConnectionLost.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	pending := r.pending
	r.conns = make(map[uint64]*conn.Connection)
	r.pending = make(map[uint64]*conn.Connection)
	r.mu.Unlock()
	for _, c := range pending {
		c.Destroy()
	}
	for id, c := range conns {
		if !c.End() {
			r.log.Debug().Uint64("conn_id", id).Msg("end refused, destroying")
			c.Destroy()
		}
	}
}

// Len returns the number of established connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Pending returns the number of streams still handshaking.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Get returns the established connection with id.
func (r *Registry) Get(id uint64) (*conn.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// Settings below apply to streams registered afterwards.

func (r *Registry) MaxConnections() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.MaxConnections
}

func (r *Registry) SetMaxConnections(n uint32) {
	r.mu.Lock()
	r.opts.MaxConnections = n
	r.mu.Unlock()
}

func (r *Registry) Timeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.Timeout
}

// SetTimeout sets the idle timeout; 0 disables.
func (r *Registry) SetTimeout(d time.Duration) error {
	if err := checkTimeout(d); err != nil {
		return err
	}
	r.mu.Lock()
	r.opts.Timeout = d
	r.mu.Unlock()
	return nil
}

func (r *Registry) HandshakeTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.HandshakeTimeout
}

func (r *Registry) SetHandshakeTimeout(d time.Duration) error {
	if err := checkTimeout(d); err != nil {
		return err
	}
	r.mu.Lock()
	r.opts.HandshakeTimeout = d
	r.mu.Unlock()
	return nil
}

func (r *Registry) ALPWhitelist() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.opts.ALPWhitelist)
}

func (r *Registry) SetALPWhitelist(names []string) error {
	if len(names) > proto.MaxALPCount {
		return proto.NewError(proto.KindInvalidConfig, "too many ALP names")
	}
	for _, n := range names {
		if err := proto.ValidateALP(n); err != nil {
			return proto.WrapError(proto.KindInvalidConfig, "bad ALP name", err)
		}
	}
	r.mu.Lock()
	r.opts.ALPWhitelist = slices.Clone(names)
	r.mu.Unlock()
	return nil
}

func (r *Registry) MaxFrameSize() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.MaxFrameSize
}

func checkTimeout(d time.Duration) error {
	if d < 0 || d.Milliseconds() > math.MaxUint32 {
		return proto.NewError(proto.KindInvalidConfig, fmt.Sprintf("invalid timeout %s", d))
	}
	return nil
}

// OnConnection registers fn for every newly established connection.
func (r *Registry) OnConnection(fn func(c *conn.Connection)) {
	r.lmu.Lock()
	r.onConn = append(r.onConn, fn)
	r.lmu.Unlock()
}

// OnError registers fn for rejected streams and failed handshakes. Errors of established
// connections go to their own listeners.
func (r *Registry) OnError(fn func(err error)) {
	r.lmu.Lock()
	r.onErr = append(r.onErr, fn)
	r.lmu.Unlock()
}

func (r *Registry) RemoveAllListeners() {
	r.lmu.Lock()
	r.onConn, r.onErr = nil, nil
	r.lmu.Unlock()
}

func (r *Registry) emitConnection(c *conn.Connection) {
	r.lmu.Lock()
	ls := r.onConn
	r.lmu.Unlock()
	for _, fn := range ls {
		fn(c)
	}
}

func (r *Registry) emitError(err error) {
	r.lmu.Lock()
	ls := r.onErr
	r.lmu.Unlock()
	for _, fn := range ls {
		fn(err)
	}
}
