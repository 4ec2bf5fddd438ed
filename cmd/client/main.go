// lwdfx client: connects to an LwDFX server, sends a message periodically and prints the replies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dev.c0redev.lwdfx/internal/client"
	"dev.c0redev.lwdfx/internal/config"
	"dev.c0redev.lwdfx/internal/conn"
	"dev.c0redev.lwdfx/internal/logging"
	"dev.c0redev.lwdfx/internal/proto"
)

type sendOptions struct {
	message  string
	count    int
	interval time.Duration
	retries  int
}

func main() {
	var flags *config.Flags
	var so sendOptions
	cmd := &cobra.Command{
		Use:           "lwdfx-client",
		Short:         "Send frames to an LwDFX server and print what comes back",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, so)
		},
	}
	flags = config.BindFlags(cmd.Flags())
	cmd.Flags().StringVarP(&so.message, "message", "m", "hello", "payload of each frame")
	cmd.Flags().IntVar(&so.count, "count", 3, "frames to send, 0 sends until interrupted")
	cmd.Flags().DurationVar(&so.interval, "interval", time.Second, "delay between frames")
	cmd.Flags().IntVar(&so.retries, "retries", 1, "connection attempts, 0 retries forever")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lwdfx-client: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, so sendOptions) error {
	logger := logging.New("lwdfx-client", logging.Config{Level: cfg.Log.Level, Console: cfg.Log.Console})

	addr := cfg.Addr
	if cfg.Network == "ws" && addr == "" {
		addr = "ws://localhost:8698" + cfg.WSPath
	}
	var closed chan error
	backoff := client.DefaultBackoff()
	backoff.MaxAttempts = so.retries
	c, err := client.DialRetry(ctx, client.Options{
		Network:          cfg.Network,
		Addr:             addr,
		TLS:              cfg.TLSConfig(),
		ALPs:             cfg.ALPWhitelist,
		Timeout:          cfg.Timeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
		Attach: func(c *conn.Connection) {
			c.OnFrame(func(f proto.Frame) { fmt.Printf("%s\n", f.Bytes()) })
			c.OnEnd(func() { logger.Debug().Msg("server ended") })
			c.OnError(func(err error) {
				logger.Warn().Err(err).Str("kind", string(proto.KindOf(err))).Msg("connection error")
			})
			ch := make(chan error, 1)
			closed = ch
			c.OnClose(func(err error) { ch <- err })
		},
	}, backoff)
	if err != nil {
		return err
	}
	logger.Info().Str("alp", c.ALP()).Uint32("max_frame_size", c.MaxFrameSize()).Msg("connected")

	ticker := time.NewTicker(so.interval)
	defer ticker.Stop()
loop:
	for sent := 0; so.count == 0 || sent < so.count; sent++ {
		if _, err := c.Write([]byte(so.message)); err != nil {
			c.Destroy()
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			break loop
		case err := <-closed:
			return err
		}
	}

	if !c.End() {
		c.Destroy()
	}
	select {
	case err := <-closed:
		return err
	case <-time.After(5 * time.Second):
		c.Destroy()
		return <-closed
	}
}
