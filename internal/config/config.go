// Package config loads LwDFX endpoint settings from defaults, a TOML file and LWDFX_* variables,
// in that order.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"dev.c0redev.lwdfx/internal/conn"
	"dev.c0redev.lwdfx/internal/proto"
	"dev.c0redev.lwdfx/internal/server"
	"dev.c0redev.lwdfx/internal/transport"
)

// Environment overrides.
const (
	EnvAddr             = "LWDFX_ADDR"
	EnvNetwork          = "LWDFX_NETWORK"
	EnvALP              = "LWDFX_ALP"
	EnvTimeoutMS        = "LWDFX_TIMEOUT_MS"
	EnvHandshakeTimeout = "LWDFX_HANDSHAKE_TIMEOUT_MS"
	EnvMaxFrameSize     = "LWDFX_MAX_FRAME_SIZE"
	EnvMaxConnections   = "LWDFX_MAX_CONNECTIONS"
	EnvLogLevel         = "LWDFX_LOG_LEVEL"
	EnvMetricsAddr      = "LWDFX_METRICS_ADDR"
)

const DefaultWSPath = "/lwdfx"

type TLS struct {
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

type Log struct {
	Level   string
	Console bool
}

type Config struct {
	Network string
	// Addr: host:port, a Unix socket path, or for ws the HTTP listen address (server) or
	// ws:// URL (client). Empty takes the network's default.
	Addr      string
	ReusePort bool
	WSPath    string

	ALPWhitelist     []string
	Timeout          time.Duration
	HandshakeTimeout time.Duration
	MaxFrameSize     uint32
	MaxConnections   uint32

	TLS         TLS
	MetricsAddr string
	Log         Log
}

func Default() Config {
	return Config{
		Network:          transport.TCP,
		WSPath:           DefaultWSPath,
		Timeout:          conn.DefaultTimeout,
		HandshakeTimeout: conn.DefaultHandshakeTimeout,
		MaxFrameSize:     proto.DefaultMaxFrameSize,
		MaxConnections:   server.DefaultMaxConnections,
		Log:              Log{Level: "info"},
	}
}

type fileTLS struct {
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileLog struct {
	Level   string `toml:"level"`
	Console bool   `toml:"console"`
}

type fileConfig struct {
	Network            string   `toml:"network"`
	Addr               string   `toml:"addr"`
	ReusePort          bool     `toml:"reuse_port"`
	WSPath             string   `toml:"ws_path"`
	ALPs               []string `toml:"alps"`
	TimeoutMS          int64    `toml:"timeout_ms"`
	HandshakeTimeoutMS int64    `toml:"handshake_timeout_ms"`
	MaxFrameSize       int64    `toml:"max_frame_size"`
	MaxConnections     int64    `toml:"max_connections"`
	MetricsAddr        string   `toml:"metrics_addr"`
	TLS                fileTLS  `toml:"tls"`
	Log                fileLog  `toml:"log"`
}

// Load overlays the keys present in the TOML file at path on Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, proto.WrapError(proto.KindInvalidConfig, "load "+path, err)
	}

	if meta.IsDefined("network") {
		cfg.Network = strings.ToLower(strings.TrimSpace(raw.Network))
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("reuse_port") {
		cfg.ReusePort = raw.ReusePort
	}
	if meta.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("alps") {
		cfg.ALPWhitelist = raw.ALPs
	}
	if meta.IsDefined("timeout_ms") {
		if cfg.Timeout, err = millis("timeout_ms", raw.TimeoutMS); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("handshake_timeout_ms") {
		if cfg.HandshakeTimeout, err = millis("handshake_timeout_ms", raw.HandshakeTimeoutMS); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("max_frame_size") {
		if cfg.MaxFrameSize, err = uint32Value("max_frame_size", raw.MaxFrameSize); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("max_connections") {
		if cfg.MaxConnections, err = uint32Value("max_connections", raw.MaxConnections); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if meta.IsDefined("tls", "cert_file") {
		cfg.TLS.CertFile = raw.TLS.CertFile
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.TLS.KeyFile = raw.TLS.KeyFile
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.TLS.CAFile = raw.TLS.CAFile
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.TLS.ServerName = raw.TLS.ServerName
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = raw.Log.Level
	}
	if meta.IsDefined("log", "console") {
		cfg.Log.Console = raw.Log.Console
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, proto.NewError(proto.KindInvalidConfig, fmt.Sprintf("unknown key %q in %s", undecoded[0].String(), path))
	}
	return cfg, nil
}

// ApplyEnv overlays the LWDFX_* variables that are set.
func (c *Config) ApplyEnv() error {
	if v, ok := lookup(EnvAddr); ok {
		c.Addr = v
	}
	if v, ok := lookup(EnvNetwork); ok {
		c.Network = strings.ToLower(v)
	}
	if v, ok := lookup(EnvALP); ok {
		c.ALPWhitelist = splitList(v)
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		c.MetricsAddr = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.Log.Level = v
	}

	var err error
	if v, ok := lookup(EnvTimeoutMS); ok {
		if c.Timeout, err = envMillis(EnvTimeoutMS, v); err != nil {
			return err
		}
	}
	if v, ok := lookup(EnvHandshakeTimeout); ok {
		if c.HandshakeTimeout, err = envMillis(EnvHandshakeTimeout, v); err != nil {
			return err
		}
	}
	if v, ok := lookup(EnvMaxFrameSize); ok {
		if c.MaxFrameSize, err = envUint32(EnvMaxFrameSize, v); err != nil {
			return err
		}
	}
	if v, ok := lookup(EnvMaxConnections); ok {
		if c.MaxConnections, err = envUint32(EnvMaxConnections, v); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the settings both endpoints share.
func (c Config) Validate() error {
	switch c.Network {
	case transport.TCP, transport.TLS, transport.QUIC:
	case transport.Unix:
		if c.Addr == "" {
			return invalid("unix network needs a socket path")
		}
	case transport.WebSocket:
		if c.WSPath == "" || !strings.HasPrefix(c.WSPath, "/") {
			return invalid(fmt.Sprintf("ws path %q must start with /", c.WSPath))
		}
	default:
		return invalid(fmt.Sprintf("unknown network %q", c.Network))
	}
	if len(c.ALPWhitelist) > proto.MaxALPCount {
		return invalid(fmt.Sprintf("%d ALP names, at most %d allowed", len(c.ALPWhitelist), proto.MaxALPCount))
	}
	for _, name := range c.ALPWhitelist {
		if err := proto.ValidateALP(name); err != nil {
			return proto.WrapError(proto.KindInvalidConfig, "alps", err)
		}
	}
	if err := checkTimeout("timeout", c.Timeout); err != nil {
		return err
	}
	if err := checkTimeout("handshake timeout", c.HandshakeTimeout); err != nil {
		return err
	}
	if c.MaxFrameSize == 0 {
		return invalid("max frame size must be positive")
	}
	if c.MaxConnections == 0 {
		return invalid("max connections must be positive")
	}
	return nil
}

// ValidateListen is Validate plus the checks that only apply to the accepting side.
func (c Config) ValidateListen() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if (c.Network == transport.TLS || c.Network == transport.QUIC) && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return invalid(c.Network + " listener needs tls.cert_file and tls.key_file")
	}
	return nil
}

// TLSConfig returns the transport form of the TLS section.
func (c Config) TLSConfig() *transport.TLSConfig {
	return &transport.TLSConfig{
		CertFile:           c.TLS.CertFile,
		KeyFile:            c.TLS.KeyFile,
		CAFile:             c.TLS.CAFile,
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
}

// RegistryOptions maps the connection limits onto server.Options.
func (c Config) RegistryOptions() server.Options {
	return server.Options{
		ALPWhitelist:     c.ALPWhitelist,
		Timeout:          c.Timeout,
		HandshakeTimeout: c.HandshakeTimeout,
		MaxFrameSize:     c.MaxFrameSize,
		MaxConnections:   c.MaxConnections,
	}
}

func invalid(msg string) error {
	return proto.NewError(proto.KindInvalidConfig, msg)
}

func checkTimeout(name string, d time.Duration) error {
	if d < 0 {
		return invalid(name + " must not be negative")
	}
	if d.Milliseconds() > math.MaxUint32 {
		return invalid(name + " does not fit in 32-bit milliseconds")
	}
	return nil
}

func millis(key string, ms int64) (time.Duration, error) {
	if ms < 0 || ms > math.MaxUint32 {
		return 0, invalid(fmt.Sprintf("%s out of range: %d", key, ms))
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func uint32Value(key string, v int64) (uint32, error) {
	if v < 0 || v > math.MaxUint32 {
		return 0, invalid(fmt.Sprintf("%s out of range: %d", key, v))
	}
	return uint32(v), nil
}

func envMillis(key, raw string) (time.Duration, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, proto.WrapError(proto.KindInvalidConfig, key, err)
	}
	return millis(key, n)
}

func envUint32(key, raw string) (uint32, error) {
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, proto.WrapError(proto.KindInvalidConfig, key, err)
	}
	return uint32(n), nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
