// lwdfx server: accepts LwDFX connections on one transport and echoes every frame back.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dev.c0redev.lwdfx/internal/config"
	"dev.c0redev.lwdfx/internal/conn"
	"dev.c0redev.lwdfx/internal/logging"
	"dev.c0redev.lwdfx/internal/metrics"
	"dev.c0redev.lwdfx/internal/proto"
	"dev.c0redev.lwdfx/internal/server"
	"dev.c0redev.lwdfx/internal/transport"
)

func main() {
	var flags *config.Flags
	var reusePort bool
	cmd := &cobra.Command{
		Use:           "lwdfx-server",
		Short:         "LwDFX echo server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("reuse-port") {
				cfg.ReusePort = reusePort
			}
			if err := cfg.ValidateListen(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	flags = config.BindFlags(cmd.Flags())
	cmd.Flags().BoolVar(&reusePort, "reuse-port", false, "set SO_REUSEPORT on TCP and TLS listeners")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lwdfx-server: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.New("lwdfx-server", logging.Config{Level: cfg.Log.Level, Console: cfg.Log.Console})

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg, "")

	opts := cfg.RegistryOptions()
	opts.Logger = logger
	opts.Metrics = m
	reg := server.NewRegistry(opts)
	reg.OnConnection(func(c *conn.Connection) { echo(logger, c) })
	reg.OnError(func(err error) {
		logger.Warn().Err(err).Str("kind", string(proto.KindOf(err))).Msg("stream refused")
	})

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))

	src, httpAddr, err := listen(ctx, cfg, router)
	if err != nil {
		return err
	}
	if httpAddr == "" {
		httpAddr = cfg.MetricsAddr
	}

	var httpSrv *http.Server
	if httpAddr != "" {
		httpSrv = &http.Server{Addr: httpAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info().Str("addr", httpAddr).Msg("http listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("http server")
			}
		}()
	}

	g := server.NewGateway(reg, src, logger)
	err = g.Serve(ctx)
	reg.CloseAll()

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
	}
	return err
}

// listen opens the configured transport. For ws the upgrade handler is mounted on router, and the
// returned address is where the router must be served.
func listen(ctx context.Context, cfg config.Config, router chi.Router) (server.Source, string, error) {
	switch cfg.Network {
	case transport.TCP:
		return wrap(transport.ListenTCP(ctx, cfg.Addr, cfg.ReusePort))
	case transport.TLS:
		return wrap(transport.ListenTLS(ctx, cfg.Addr, cfg.TLSConfig(), cfg.ReusePort))
	case transport.Unix:
		return wrap(transport.ListenUnix(ctx, cfg.Addr))
	case transport.QUIC:
		src, err := transport.ListenQUIC(cfg.Addr, cfg.TLSConfig())
		if err != nil {
			return nil, "", err
		}
		return src, "", nil
	case transport.WebSocket:
		addr := transport.NormalizeAddr(transport.TCP, cfg.Addr)
		tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, "", proto.WrapError(proto.KindInvalidConfig, "ws listen address", err)
		}
		src := transport.NewWebSocketSource(tcpAddr, nil)
		router.Handle(cfg.WSPath, src)
		return src, addr, nil
	}
	return nil, "", proto.NewError(proto.KindInvalidConfig, "unknown network "+cfg.Network)
}

func wrap(ln *transport.Listener, err error) (server.Source, string, error) {
	if err != nil {
		return nil, "", err
	}
	return ln, "", nil
}

// echo writes every frame back and ends when the peer does.
func echo(logger zerolog.Logger, c *conn.Connection) {
	l := logger.With().Uint64("conn_id", c.ID()).Str("alp", c.ALP()).Logger()
	l.Info().Str("remote", remote(c)).Msg("connection established")
	c.OnFrame(func(f proto.Frame) {
		if _, err := c.Write(f...); err != nil {
			l.Debug().Err(err).Msg("echo write")
		}
	})
	c.OnEnd(func() { c.End() })
	c.OnError(func(err error) {
		l.Warn().Err(err).Str("kind", string(proto.KindOf(err))).Msg("connection error")
	})
	c.OnClose(func(err error) {
		l.Info().AnErr("cause", err).Msg("connection closed")
	})
}

func remote(c *conn.Connection) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
