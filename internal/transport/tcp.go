package transport

import (
	"context"
	"net"

	"dev.c0redev.lwdfx/internal/conn"
)

// ListenTCP listens on addr (defaults: localhost:8698). reusePort sets SO_REUSEPORT where the
// platform has it.
func ListenTCP(ctx context.Context, addr string, reusePort bool) (*Listener, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = reusePortControl
	}
	ln, err := lc.Listen(ctx, "tcp", NormalizeAddr(TCP, addr))
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: ln}, nil
}

// DialTCP connects to addr; failures are ConnectError.
func DialTCP(ctx context.Context, addr string) (conn.Stream, error) {
	addr = NormalizeAddr(TCP, addr)
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, connectErr(TCP, addr, err)
	}
	return c, nil
}
