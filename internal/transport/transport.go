// Package transport supplies byte streams for LwDFX connections: dialers for the initiator side
// and Sources for server.Gateway. TCP, TLS, Unix sockets, QUIC streams and WebSocket are
// supported.
package transport

import (
	"context"
	"net"
	"strconv"
	"strings"

	"dev.c0redev.lwdfx/internal/conn"
	"dev.c0redev.lwdfx/internal/proto"
)

// Network names accepted by Dial and Listen.
const (
	TCP       = "tcp"
	TLS       = "tls"
	Unix      = "unix"
	QUIC      = "quic"
	WebSocket = "ws"
)

const (
	DefaultHost    = "localhost"
	DefaultTCPPort = 8698
	DefaultTLSPort = 9330
	// ALPN protocol id for TLS and QUIC.
	ALPNProtocol = "lwdfx1"
)

// NormalizeAddr fills in the default host and port for network. Unix paths and WebSocket URLs are
// returned as given.
func NormalizeAddr(network, addr string) string {
	port := DefaultTCPPort
	switch network {
	case Unix, WebSocket:
		return addr
	case TLS, QUIC:
		port = DefaultTLSPort
	}
	if addr == "" {
		return net.JoinHostPort(DefaultHost, strconv.Itoa(port))
	}
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		// no port
		return net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(port))
	}
	if host == "" {
		host = DefaultHost
	}
	if p == "" {
		p = strconv.Itoa(port)
	}
	return net.JoinHostPort(host, p)
}

// Listener adapts a net.Listener to server.Source.
type Listener struct {
	net.Listener
	onClose func()
}

// Accept returns the next connection as a conn.Stream.
func (l *Listener) Accept() (conn.Stream, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (l *Listener) Close() error {
	err := l.Listener.Close()
	if l.onClose != nil {
		l.onClose()
	}
	return err
}

func connectErr(network, addr string, err error) error {
	return proto.WrapError(proto.KindConnectError, network+" dial "+addr, err)
}

// Dial opens a stream to addr over network. TLS and QUIC use tc; nil means system roots.
func Dial(ctx context.Context, network, addr string, tc *TLSConfig) (conn.Stream, error) {
	switch network {
	case TCP, "":
		return DialTCP(ctx, addr)
	case TLS:
		return DialTLS(ctx, addr, tc)
	case Unix:
		return DialUnix(ctx, addr)
	case QUIC:
		return DialQUIC(ctx, addr, tc)
	case WebSocket:
		return DialWebSocket(ctx, addr)
	}
	return nil, proto.NewError(proto.KindInvalidConfig, "unknown network "+strconv.Quote(network))
}
