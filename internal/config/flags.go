package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Flags binds the command-line overrides shared by the lwdfx commands.
type Flags struct {
	fs *pflag.FlagSet

	path             string
	network          string
	addr             string
	alps             []string
	timeout          time.Duration
	handshakeTimeout time.Duration
	maxConnections   uint32
	metricsAddr      string
	logLevel         string
	console          bool
	certFile         string
	keyFile          string
	caFile           string
	insecure         bool
}

func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.path, "config", "c", "", "TOML config file")
	fs.StringVarP(&f.network, "network", "n", "", "tcp, tls, unix, quic or ws")
	fs.StringVarP(&f.addr, "addr", "a", "", "address, socket path or ws URL")
	fs.StringSliceVar(&f.alps, "alp", nil, "application protocols in preference order")
	fs.DurationVar(&f.timeout, "timeout", 0, "idle timeout, 0 disables")
	fs.DurationVar(&f.handshakeTimeout, "handshake-timeout", 0, "handshake timeout, 0 disables")
	fs.Uint32Var(&f.maxConnections, "max-connections", 0, "registry capacity")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics on this address")
	fs.StringVar(&f.logLevel, "log-level", "", "trace, debug, info, warn, error or off")
	fs.BoolVar(&f.console, "console", false, "human-readable logs")
	fs.StringVar(&f.certFile, "cert", "", "TLS certificate file")
	fs.StringVar(&f.keyFile, "key", "", "TLS key file")
	fs.StringVar(&f.caFile, "ca", "", "CA bundle for peer verification")
	fs.BoolVar(&f.insecure, "insecure", false, "skip TLS server verification")
	return f
}

// Load builds the effective config: defaults, then the --config file, then LWDFX_* variables,
// then flags given on the command line.
func (f *Flags) Load() (Config, error) {
	cfg := Default()
	if f.path != "" {
		var err error
		if cfg, err = Load(f.path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}

	set := f.fs.Changed
	if set("network") {
		cfg.Network = f.network
	}
	if set("addr") {
		cfg.Addr = f.addr
	}
	if set("alp") {
		cfg.ALPWhitelist = f.alps
	}
	if set("timeout") {
		cfg.Timeout = f.timeout
	}
	if set("handshake-timeout") {
		cfg.HandshakeTimeout = f.handshakeTimeout
	}
	if set("max-connections") {
		cfg.MaxConnections = f.maxConnections
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if set("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if set("console") {
		cfg.Log.Console = f.console
	}
	if set("cert") {
		cfg.TLS.CertFile = f.certFile
	}
	if set("key") {
		cfg.TLS.KeyFile = f.keyFile
	}
	if set("ca") {
		cfg.TLS.CAFile = f.caFile
	}
	if set("insecure") {
		cfg.TLS.InsecureSkipVerify = f.insecure
	}
	return cfg, nil
}
