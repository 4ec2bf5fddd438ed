package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dev.c0redev.lwdfx/internal/proto"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lwdfx.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Network != "tcp" || cfg.Timeout != 60*time.Second || cfg.HandshakeTimeout != 30*time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.MaxFrameSize != 64<<20 || cfg.MaxConnections != 1023 {
		t.Fatalf("limits = %d %d", cfg.MaxFrameSize, cfg.MaxConnections)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadOverlaysDefinedKeys(t *testing.T) {
	path := writeFile(t, `
network = "tls"
addr = "0.0.0.0:9443"
alps = ["chat", "files"]
timeout_ms = 0
handshake_timeout_ms = 1500

[tls]
cert_file = "server.crt"
key_file = "server.key"

[log]
level = "debug"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Network != "tls" || cfg.Addr != "0.0.0.0:9443" {
		t.Fatalf("endpoint = %s %s", cfg.Network, cfg.Addr)
	}
	if strings.Join(cfg.ALPWhitelist, ",") != "chat,files" {
		t.Fatalf("alps = %v", cfg.ALPWhitelist)
	}
	if cfg.Timeout != 0 {
		t.Fatalf("timeout_ms = 0 should disable, got %v", cfg.Timeout)
	}
	if cfg.HandshakeTimeout != 1500*time.Millisecond {
		t.Fatalf("handshake timeout = %v", cfg.HandshakeTimeout)
	}
	// untouched keys keep defaults
	if cfg.MaxConnections != 1023 || cfg.MaxFrameSize != proto.DefaultMaxFrameSize {
		t.Fatalf("limits = %d %d", cfg.MaxConnections, cfg.MaxFrameSize)
	}
	if cfg.TLS.CertFile != "server.crt" || cfg.Log.Level != "debug" {
		t.Fatalf("sections = %+v %+v", cfg.TLS, cfg.Log)
	}
	if err := cfg.ValidateListen(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":      `colour = "blue"`,
		"negative timeout": `timeout_ms = -1`,
		"huge frame":       `max_frame_size = 5000000000`,
		"bad syntax":       `network = `,
	}
	for name, body := range cases {
		_, err := Load(writeFile(t, body))
		if proto.KindOf(err) != proto.KindInvalidConfig {
			t.Fatalf("%s: expected invalid config, got %v", name, err)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("missing file loaded")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvAddr, "127.0.0.1:7000")
	t.Setenv(EnvNetwork, "QUIC")
	t.Setenv(EnvALP, "a, b,,c")
	t.Setenv(EnvTimeoutMS, "250")
	t.Setenv(EnvMaxConnections, "8")
	t.Setenv(EnvLogLevel, "warn")

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "127.0.0.1:7000" || cfg.Network != "quic" {
		t.Fatalf("endpoint = %s %s", cfg.Network, cfg.Addr)
	}
	if strings.Join(cfg.ALPWhitelist, "|") != "a|b|c" {
		t.Fatalf("alps = %q", cfg.ALPWhitelist)
	}
	if cfg.Timeout != 250*time.Millisecond || cfg.MaxConnections != 8 || cfg.Log.Level != "warn" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestApplyEnvBadNumber(t *testing.T) {
	t.Setenv(EnvMaxFrameSize, "lots")
	cfg := Default()
	if err := cfg.ApplyEnv(); proto.KindOf(err) != proto.KindInvalidConfig {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tooMany := make([]string, 256)
	for i := range tooMany {
		tooMany[i] = "x"
	}
	cases := map[string]func(*Config){
		"network":        func(c *Config) { c.Network = "sctp" },
		"unix path":      func(c *Config) { c.Network = "unix"; c.Addr = "" },
		"ws path":        func(c *Config) { c.Network = "ws"; c.WSPath = "lwdfx" },
		"empty alp":      func(c *Config) { c.ALPWhitelist = []string{"ok", ""} },
		"long alp":       func(c *Config) { c.ALPWhitelist = []string{strings.Repeat("a", 256)} },
		"alp count":      func(c *Config) { c.ALPWhitelist = tooMany },
		"neg timeout":    func(c *Config) { c.Timeout = -time.Second },
		"huge handshake": func(c *Config) { c.HandshakeTimeout = 50 * 24 * time.Hour },
		"frame size":     func(c *Config) { c.MaxFrameSize = 0 },
		"max conns":      func(c *Config) { c.MaxConnections = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); proto.KindOf(err) != proto.KindInvalidConfig {
			t.Fatalf("%s: expected invalid config, got %v", name, err)
		}
	}
}

func TestValidateListenNeedsCertificate(t *testing.T) {
	cfg := Default()
	cfg.Network = "quic"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("dial side: %v", err)
	}
	if err := cfg.ValidateListen(); proto.KindOf(err) != proto.KindInvalidConfig {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestRegistryOptions(t *testing.T) {
	cfg := Default()
	cfg.ALPWhitelist = []string{"chat"}
	opts := cfg.RegistryOptions()
	if opts.MaxConnections != 1023 || opts.Timeout != cfg.Timeout || opts.ALPWhitelist[0] != "chat" {
		t.Fatalf("options = %+v", opts)
	}
	tc := cfg.TLSConfig()
	if tc == nil || tc.CertFile != "" {
		t.Fatalf("tls = %+v", tc)
	}
}
