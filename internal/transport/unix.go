package transport

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"

	"dev.c0redev.lwdfx/internal/conn"
	"dev.c0redev.lwdfx/internal/proto"
)

// ListenUnix listens on a Unix socket at path. A stale socket file nobody answers on is removed
// first; the file is removed again on Close.
func ListenUnix(ctx context.Context, path string) (*Listener, error) {
	if path == "" {
		return nil, proto.NewError(proto.KindInvalidConfig, "unix socket path required")
	}
	if err := removeStaleSocket(ctx, path); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: ln, onClose: func() { _ = os.Remove(path) }}, nil
}

func removeStaleSocket(ctx context.Context, path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return proto.NewError(proto.KindInvalidConfig, path+" exists and is not a socket")
	}
	var d net.Dialer
	if c, err := d.DialContext(ctx, "unix", path); err == nil {
		c.Close()
		return proto.NewError(proto.KindGatewayBusy, path+" is in use")
	}
	return os.Remove(path)
}

// DialUnix connects to the socket at path.
func DialUnix(ctx context.Context, path string) (conn.Stream, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, connectErr(Unix, path, err)
	}
	return c, nil
}
