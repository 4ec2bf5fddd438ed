package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.lwdfx/internal/conn"
	"dev.c0redev.lwdfx/internal/proto"
)

// Source hands out accepted streams one at a time. Close unblocks Accept.
type Source interface {
	Accept() (conn.Stream, error)
	Close() error
	Addr() net.Addr
}

// Gateway accepts streams from a Source and registers them. It remembers the connections it
// admitted so Stop can end just those.
type Gateway struct {
	reg *Registry
	log zerolog.Logger

	mu       sync.Mutex
	src      Source
	running  bool
	stopping bool
	conns    map[uint64]*conn.Connection
}

// NewGateway binds src to reg. src may be nil until SetSource.
func NewGateway(reg *Registry, src Source, logger zerolog.Logger) *Gateway {
	return &Gateway{
		reg:   reg,
		src:   src,
		log:   logger,
		conns: make(map[uint64]*conn.Connection),
	}
}

// SetSource swaps the listener; fails with GatewayBusy while serving.
func (g *Gateway) SetSource(src Source) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return proto.NewError(proto.KindGatewayBusy, "cannot change the listener of a running gateway")
	}
	g.src = src
	return nil
}

// Addr of the current source, nil if none.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.src == nil {
		return nil
	}
	return g.src.Addr()
}

func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Serve accepts until Stop or ctx is done, then returns nil. Any other accept failure is returned
// after the gateway stops.
func (g *Gateway) Serve(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return proto.NewError(proto.KindGatewayBusy, "gateway already serving")
	}
	if g.src == nil {
		g.mu.Unlock()
		return proto.NewError(proto.KindInvalidConfig, "gateway has no listener")
	}
	g.running = true
	g.stopping = false
	src := g.src
	g.mu.Unlock()

	g.log.Info().Str("addr", addrString(src.Addr())).Msg("gateway listening")

	stop := context.AfterFunc(ctx, func() { _ = g.Stop() })
	defer stop()

	var delay time.Duration
	for {
		s, err := src.Accept()
		if err != nil {
			if g.isStopping() || errors.Is(err, net.ErrClosed) {
				_ = g.Stop()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// temporary accept failure
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				delay = min(delay, time.Second)
				g.log.Warn().Err(err).Dur("retry_in", delay).Msg("accept failed")
				time.Sleep(delay)
				continue
			}
			_ = g.Stop()
			return err
		}
		delay = 0
		_ = g.reg.Register(s, g.track)
	}
}

func (g *Gateway) track(c *conn.Connection, err error) {
	if err != nil {
		return
	}
	id := c.ID()
	g.mu.Lock()
	if g.stopping {
		g.mu.Unlock()
		// handshake finished after Stop collected the admitted connections
		if !c.End() {
			c.Destroy()
		}
		return
	}
	g.conns[id] = c
	g.mu.Unlock()
	c.OnClose(func(error) {
		g.mu.Lock()
		delete(g.conns, id)
		g.mu.Unlock()
	})
}

func (g *Gateway) isStopping() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopping
}

// Stop closes the source and ends the connections this gateway admitted. Idempotent.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	if !g.running || g.stopping {
		g.mu.Unlock()
		return nil
	}
	g.stopping = true
	src := g.src
	conns := g.conns
	g.conns = make(map[uint64]*conn.Connection)
	g.mu.Unlock()

	err := src.Close()
	for _, c := range conns {
		if !c.End() {
			c.Destroy()
		}
	}

	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
	g.log.Info().Str("addr", addrString(src.Addr())).Msg("gateway stopped")
	return err
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
