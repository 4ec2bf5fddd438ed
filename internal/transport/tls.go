package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"dev.c0redev.lwdfx/internal/conn"
	"dev.c0redev.lwdfx/internal/proto"
)

// TLSConfig: file-based TLS settings shared by TLS and QUIC. Base, when set, is cloned and the
// file settings applied on top.
type TLSConfig struct {
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
	Base               *tls.Config
}

func (c *TLSConfig) base() *tls.Config {
	if c != nil && c.Base != nil {
		return c.Base.Clone()
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// Client builds a client config for host. ALPN is lwdfx1 unless Base sets its own.
func (c *TLSConfig) Client(host string) (*tls.Config, error) {
	cfg := c.base()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{ALPNProtocol}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if c == nil {
		return cfg, nil
	}
	if c.ServerName != "" {
		cfg.ServerName = c.ServerName
	}
	cfg.InsecureSkipVerify = cfg.InsecureSkipVerify || c.InsecureSkipVerify
	if c.CAFile != "" {
		pool, err := loadCA(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, proto.WrapError(proto.KindInvalidConfig, "load client certificate", err)
		}
		cfg.Certificates = append(cfg.Certificates, cert)
	}
	return cfg, nil
}

// Server builds a server config; a certificate is required.
func (c *TLSConfig) Server() (*tls.Config, error) {
	cfg := c.base()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{ALPNProtocol}
	}
	if c != nil && c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, proto.WrapError(proto.KindInvalidConfig, "load server certificate", err)
		}
		cfg.Certificates = append(cfg.Certificates, cert)
	}
	if c != nil && c.CAFile != "" {
		pool, err := loadCA(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if len(cfg.Certificates) == 0 && cfg.GetCertificate == nil {
		return nil, proto.NewError(proto.KindInvalidConfig, "TLS server needs a certificate")
	}
	return cfg, nil
}

func loadCA(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, proto.WrapError(proto.KindInvalidConfig, "read CA file", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, proto.NewError(proto.KindInvalidConfig, fmt.Sprintf("no certificates in %s", path))
	}
	return pool, nil
}

// ListenTLS listens on addr (defaults: localhost:9330).
func ListenTLS(ctx context.Context, addr string, tc *TLSConfig, reusePort bool) (*Listener, error) {
	cfg, err := tc.Server()
	if err != nil {
		return nil, err
	}
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = reusePortControl
	}
	ln, err := lc.Listen(ctx, "tcp", NormalizeAddr(TLS, addr))
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: tls.NewListener(ln, cfg)}, nil
}

// DialTLS connects and completes the TLS handshake before returning.
func DialTLS(ctx context.Context, addr string, tc *TLSConfig) (conn.Stream, error) {
	addr = NormalizeAddr(TLS, addr)
	host, _, _ := net.SplitHostPort(addr)
	cfg, err := tc.Client(host)
	if err != nil {
		return nil, err
	}
	d := tls.Dialer{Config: cfg}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, connectErr(TLS, addr, err)
	}
	return c, nil
}
