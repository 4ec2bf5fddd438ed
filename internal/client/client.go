// Package client opens initiator connections: dial a transport, run the handshake, hand back an
// Established conn.Connection.
package client

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.lwdfx/internal/conn"
	"dev.c0redev.lwdfx/internal/handshake"
	"dev.c0redev.lwdfx/internal/metrics"
	"dev.c0redev.lwdfx/internal/proto"
	"dev.c0redev.lwdfx/internal/transport"
)

// Options for Dial and Connect.
type Options struct {
	Network string
	Addr    string
	TLS     *transport.TLSConfig

	// ALPs offered in preference order. Empty lets the server pick from its whitelist.
	ALPs             []string
	Timeout          time.Duration
	HandshakeTimeout time.Duration
	HighWaterMark    int

	Logger  zerolog.Logger
	Metrics *metrics.Collector
	// Attach runs before the handshake starts; register listeners here so frames that arrive
	// together with SERVER_HELLO are not missed.
	Attach func(c *conn.Connection)
}

// Connect runs the initiator handshake on an already open stream and waits for the outcome.
// Cancelling ctx destroys the connection. On failure the stream is closed.
func Connect(ctx context.Context, stream conn.Stream, opts Options) (*conn.Connection, error) {
	c := conn.New(stream, handshake.Initiator, conn.Options{
		Timeout:       opts.Timeout,
		HighWaterMark: opts.HighWaterMark,
		Logger:        opts.Logger,
		Observer:      opts.Metrics,
	})
	if opts.Attach != nil {
		opts.Attach(c)
	}

	done := make(chan error, 1)
	opts.Metrics.HandshakeStarted()
	err := c.Setup(opts.ALPs, opts.HandshakeTimeout, func(c *conn.Connection, err error) {
		opts.Metrics.HandshakeDone(err)
		if err == nil {
			c.OnError(opts.Metrics.ConnectionError)
			c.OnClose(func(error) { opts.Metrics.ConnectionClosed() })
		}
		done <- err
	})
	if err != nil {
		c.Destroy()
		return nil, err
	}

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		opts.Logger.Debug().Str("alp", c.ALP()).Uint8("version", c.Version()).Msg("connected")
		return c, nil
	case <-ctx.Done():
		c.Destroy()
		<-done
		return nil, ctx.Err()
	}
}

// Dial opens opts.Network to opts.Addr and connects over it.
func Dial(ctx context.Context, opts Options) (*conn.Connection, error) {
	s, err := transport.Dial(ctx, opts.Network, opts.Addr, opts.TLS)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, s, opts)
}

// Backoff shapes the delay between DialRetry attempts.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// MaxAttempts 0 retries until ctx is done.
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Delay returns the wait before attempt n (1-based) is retried.
func (b Backoff) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.InitialDelay) * math.Pow(mult, float64(n-1))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		d *= f
	}
	return time.Duration(d)
}

// retryable: rejections by the server are final, transport trouble is not.
func retryable(err error) bool {
	switch proto.KindOf(err) {
	case proto.KindVersionRejected, proto.KindAlpRejected, proto.KindInvalidConfig:
		return false
	}
	return true
}

// DialRetry calls Dial until it succeeds, fails with a non-retryable error, runs out of
// attempts or ctx is done. The last error is returned.
func DialRetry(ctx context.Context, opts Options, b Backoff) (*conn.Connection, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		c, err := Dial(ctx, opts)
		if err == nil {
			return c, nil
		}
		if !retryable(err) || ctx.Err() != nil || (b.MaxAttempts > 0 && attempt >= b.MaxAttempts) {
			return nil, err
		}
		d := b.Delay(attempt, rng)
		opts.Logger.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", d).Msg("dial failed")
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, err
		}
	}
}
