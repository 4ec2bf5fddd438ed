package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"dev.c0redev.lwdfx/internal/conn"
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// quicStream: one QUIC stream as a conn.Stream. CloseWrite sends FIN; Close resets both
// directions and, on the dialing side, closes the QUIC connection.
type quicStream struct {
	*quic.Stream
	conn  *quic.Conn
	owner bool
}

func (s *quicStream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *quicStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Read reports a peer closing with code 0 as io.EOF.
func (s *quicStream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	if err == nil {
		return n, nil
	}
	var aerr *quic.ApplicationError
	if errors.As(err, &aerr) && aerr.ErrorCode == 0 {
		return n, io.EOF
	}
	var serr *quic.StreamError
	if errors.As(err, &serr) && serr.Remote && serr.ErrorCode == 0 {
		return n, io.EOF
	}
	return n, err
}

func (s *quicStream) CloseWrite() error { return s.Stream.Close() }

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	s.Stream.CancelWrite(0)
	if s.owner {
		return s.conn.CloseWithError(0, "")
	}
	return nil
}

// DialQUIC dials addr (defaults: localhost:9330) and opens one stream on a fresh connection.
func DialQUIC(ctx context.Context, addr string, tc *TLSConfig) (conn.Stream, error) {
	addr = NormalizeAddr(QUIC, addr)
	host, _, _ := net.SplitHostPort(addr)
	cfg, err := tc.Client(host)
	if err != nil {
		return nil, err
	}
	qc, err := quic.DialAddr(ctx, addr, cfg, quicConfig())
	if err != nil {
		return nil, connectErr(QUIC, addr, err)
	}
	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "")
		return nil, connectErr(QUIC, addr, err)
	}
	return &quicStream{Stream: st, conn: qc, owner: true}, nil
}

// QUICSource accepts QUIC connections and hands out every stream the peers open.
type QUICSource struct {
	ln      *quic.Listener
	streams chan conn.Stream
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// ListenQUIC listens on UDP addr (defaults: localhost:9330). tc must carry a certificate.
func ListenQUIC(addr string, tc *TLSConfig) (*QUICSource, error) {
	cfg, err := tc.Server()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(NormalizeAddr(QUIC, addr), cfg, quicConfig())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &QUICSource{ln: ln, streams: make(chan conn.Stream), ctx: ctx, cancel: cancel}
	go s.acceptLoop()
	return s, nil
}

func (s *QUICSource) acceptLoop() {
	for {
		qc, err := s.ln.Accept(s.ctx)
		if err != nil {
			return
		}
		go s.acceptStreams(qc)
	}
}

func (s *QUICSource) acceptStreams(qc *quic.Conn) {
	for {
		st, err := qc.AcceptStream(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				_ = qc.CloseWithError(0, "")
			}
			return
		}
		select {
		case s.streams <- &quicStream{Stream: st, conn: qc}:
		case <-s.ctx.Done():
			st.CancelRead(0)
			st.CancelWrite(0)
			return
		}
	}
}

// Accept returns the next stream; net.ErrClosed after Close.
func (s *QUICSource) Accept() (conn.Stream, error) {
	select {
	case st := <-s.streams:
		return st, nil
	case <-s.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (s *QUICSource) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ln.Close()
	})
	return err
}

func (s *QUICSource) Addr() net.Addr { return s.ln.Addr() }
