package conn

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dev.c0redev.lwdfx/internal/handshake"
	"dev.c0redev.lwdfx/internal/proto"
)

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

// pair returns an established responder/initiator over net.Pipe.
func pair(t *testing.T, serverALPs, clientALPs []string, sopts, copts Options) (*Connection, *Connection) {
	t.Helper()
	a, b := net.Pipe()
	srv := New(a, handshake.Responder, sopts)
	cli := New(b, handshake.Initiator, copts)
	sdone := make(chan error, 1)
	cdone := make(chan error, 1)
	if err := srv.Setup(serverALPs, time.Second, func(_ *Connection, err error) { sdone <- err }); err != nil {
		t.Fatal(err)
	}
	if err := cli.Setup(clientALPs, time.Second, func(_ *Connection, err error) { cdone <- err }); err != nil {
		t.Fatal(err)
	}
	if err := recv(t, sdone); err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	if err := recv(t, cdone); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	t.Cleanup(func() {
		srv.Destroy()
		cli.Destroy()
	})
	return srv, cli
}

// rawHandshake plays the initiator by hand on s and returns the SERVER_HELLO.
func rawHandshake(t *testing.T, s net.Conn, hello proto.ClientHello, extra []byte) proto.ServerHello {
	t.Helper()
	b, err := hello.Encode()
	if err != nil {
		t.Fatal(err)
	}
	go s.Write(append(b, extra...))
	buf := make([]byte, 1024)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	h, _, err := proto.ParseServerHello(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func frameBytes(t *testing.T, payload []byte) []byte {
	t.Helper()
	h, err := proto.NewCodec(proto.DefaultMaxFrameSize).EncodeHeader(uint32(len(payload)))
	if err != nil {
		t.Fatal(err)
	}
	return append(h, payload...)
}

func TestHandshakeNegotiatesAndEchoes(t *testing.T) {
	srv, cli := pair(t, []string{"b1", "b2"}, []string{"b2", "b1"},
		Options{ID: 1, MaxFrameSize: 4096}, Options{})

	if srv.ALP() != "b1" || cli.ALP() != "b1" {
		t.Fatalf("alp server %q client %q", srv.ALP(), cli.ALP())
	}
	if !srv.Connected() || cli.State() != Established {
		t.Fatalf("states %s %s", srv.State(), cli.State())
	}
	if cli.MaxFrameSize() != 4096 || cli.Version() != proto.Version1 {
		t.Fatalf("client max %d version %d", cli.MaxFrameSize(), cli.Version())
	}

	srv.OnFrame(func(f proto.Frame) {
		if _, err := srv.Write(f...); err != nil {
			t.Errorf("echo: %v", err)
		}
	})
	got := make(chan []byte, 1)
	cli.OnFrame(func(f proto.Frame) { got <- append([]byte(nil), f.Bytes()...) })

	if _, err := cli.Write([]byte("hel"), []byte("lo")); err != nil {
		t.Fatal(err)
	}
	if b := recv(t, got); string(b) != "hello" {
		t.Fatalf("echo %q", b)
	}

	if _, err := cli.Write(bytes.Repeat([]byte{1}, 4097)); !errors.Is(err, proto.ErrFrameTooLarge) {
		t.Fatalf("oversize write: %v", err)
	}
}

func TestHandshakeALPRejected(t *testing.T) {
	a, b := net.Pipe()
	srv := New(a, handshake.Responder, Options{})
	cli := New(b, handshake.Initiator, Options{})
	sdone := make(chan error, 1)
	cdone := make(chan error, 1)
	srv.Setup([]string{"b1"}, time.Second, func(_ *Connection, err error) { sdone <- err })
	cli.Setup([]string{"z"}, time.Second, func(_ *Connection, err error) { cdone <- err })
	if err := recv(t, sdone); !errors.Is(err, proto.ErrAlpRejected) {
		t.Fatalf("server: %v", err)
	}
	if err := recv(t, cdone); !errors.Is(err, proto.ErrAlpRejected) {
		t.Fatalf("client: %v", err)
	}
	if srv.State() != Closed {
		t.Fatalf("server state %s", srv.State())
	}
}

func TestHandshakeVersionRejected(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	srv := New(a, handshake.Responder, Options{})
	sdone := make(chan error, 1)
	srv.Setup(nil, time.Second, func(_ *Connection, err error) { sdone <- err })

	h := rawHandshake(t, b, proto.ClientHello{Versions: []uint8{9}, ALPs: []string{"x"}}, nil)
	if h.Version != proto.NoVersion {
		t.Fatalf("reply version %d", h.Version)
	}
	if err := recv(t, sdone); !errors.Is(err, proto.ErrVersionRejected) {
		t.Fatalf("server: %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	srv := New(a, handshake.Responder, Options{})
	sdone := make(chan error, 2)
	closed := make(chan error, 1)
	srv.OnClose(func(err error) { closed <- err })
	start := time.Now()
	srv.Setup(nil, 50*time.Millisecond, func(_ *Connection, err error) { sdone <- err })
	if err := recv(t, sdone); !errors.Is(err, proto.ErrHandshakeTimeout) {
		t.Fatalf("got %v", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("timed out early")
	}
	recv(t, closed)
	select {
	case err := <-sdone:
		t.Fatalf("second completion: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandshakeCompletesOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		a, b := net.Pipe()
		srv := New(a, handshake.Responder, Options{})
		var calls atomic.Int32
		closed := make(chan struct{})
		srv.OnClose(func(error) { close(closed) })
		srv.Setup(nil, time.Second, func(*Connection, error) { calls.Add(1) })

		hello, _ := proto.ClientHello{Versions: []uint8{proto.Version1}, ALPs: []string{"x"}}.Encode()
		go func() {
			b.Write(hello)
			b.Close()
		}()
		recv(t, closed)
		srv.Destroy()
		if n := calls.Load(); n != 1 {
			t.Fatalf("run %d: %d completions", i, n)
		}
	}
}

func TestClosedDuringHandshake(t *testing.T) {
	a, b := net.Pipe()
	srv := New(a, handshake.Responder, Options{})
	sdone := make(chan error, 1)
	srv.Setup(nil, 0, func(_ *Connection, err error) { sdone <- err })
	b.Close()
	if err := recv(t, sdone); !errors.Is(err, proto.ErrConnectionLost) {
		t.Fatalf("got %v", err)
	}
}

func TestTrailingBytesBecomeFrames(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	srv := New(a, handshake.Responder, Options{})
	defer srv.Destroy()
	got := make(chan string, 2)
	srv.Setup(nil, time.Second, func(c *Connection, err error) {
		if err != nil {
			t.Errorf("handshake: %v", err)
			return
		}
		c.OnFrame(func(f proto.Frame) { got <- string(f.Bytes()) })
	})
	extra := append(frameBytes(t, []byte("one")), frameBytes(t, []byte("two"))...)
	h := rawHandshake(t, b, proto.ClientHello{Versions: []uint8{proto.Version1}, ALPs: []string{"x"}}, extra)
	if h.ALP != "x" {
		t.Fatalf("alp %q", h.ALP)
	}
	if s := recv(t, got); s != "one" {
		t.Fatalf("first %q", s)
	}
	if s := recv(t, got); s != "two" {
		t.Fatalf("second %q", s)
	}
}

func TestDecodeErrorThenClose(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	srv := New(a, handshake.Responder, Options{})
	var (
		mu     sync.Mutex
		events []string
	)
	closed := make(chan struct{})
	srv.OnError(func(err error) {
		mu.Lock()
		events = append(events, "error:"+string(proto.KindOf(err)))
		mu.Unlock()
	})
	srv.OnClose(func(err error) {
		mu.Lock()
		events = append(events, "close")
		mu.Unlock()
		close(closed)
	})
	srv.Setup(nil, time.Second, nil)
	rawHandshake(t, b, proto.ClientHello{Versions: []uint8{proto.Version1}, ALPs: []string{"x"}}, nil)
	if _, err := b.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatal(err)
	}
	recv(t, closed)
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "error:protocol_violation" || events[1] != "close" {
		t.Fatalf("events %v", events)
	}
}

func TestIdleTimeout(t *testing.T) {
	srv, _ := pair(t, nil, []string{"x"}, Options{Timeout: 60 * time.Millisecond}, Options{})
	errs := make(chan error, 1)
	closed := make(chan error, 1)
	srv.OnError(func(err error) { errs <- err })
	srv.OnClose(func(err error) { closed <- err })
	if err := recv(t, errs); !errors.Is(err, proto.ErrTimeout) {
		t.Fatalf("got %v", err)
	}
	if err := recv(t, closed); !errors.Is(err, proto.ErrTimeout) {
		t.Fatalf("close cause %v", err)
	}
}

func TestEndSendsCloseFrame(t *testing.T) {
	srv, cli := pair(t, nil, []string{"x"}, Options{}, Options{})
	ended := make(chan struct{})
	sclosed := make(chan error, 1)
	cclosed := make(chan error, 1)
	srv.OnEnd(func() { close(ended) })
	srv.OnClose(func(err error) { sclosed <- err })
	cli.OnClose(func(err error) { cclosed <- err })

	if !cli.End() {
		t.Fatal("End returned false")
	}
	if cli.End() {
		t.Fatal("second End returned true")
	}
	if _, err := cli.Write([]byte("late")); !errors.Is(err, proto.ErrConnectionLost) {
		t.Fatalf("write after end: %v", err)
	}
	recv(t, ended)
	if err := recv(t, sclosed); err != nil {
		t.Fatalf("server close cause %v", err)
	}
	if err := recv(t, cclosed); err != nil {
		t.Fatalf("client close cause %v", err)
	}
}

func TestWriteBeforeEstablished(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := New(a, handshake.Initiator, Options{})
	if _, err := c.Write([]byte("x")); !errors.Is(err, proto.ErrConnectionLost) {
		t.Fatalf("got %v", err)
	}
	if c.End() {
		t.Fatal("End before setup")
	}
	closed := make(chan error, 1)
	c.OnClose(func(err error) { closed <- err })
	c.Destroy()
	if err := recv(t, closed); err != nil {
		t.Fatalf("close cause %v", err)
	}
	if err := c.Setup(nil, 0, nil); err == nil {
		t.Fatal("setup after destroy")
	}
}

func TestDrainAfterBackpressure(t *testing.T) {
	srv, cli := pair(t, nil, []string{"x"}, Options{}, Options{HighWaterMark: 16})
	drained := make(chan struct{}, 1)
	cli.OnDrain(func() { drained <- struct{}{} })
	frames := make(chan int, 1)
	srv.OnFrame(func(f proto.Frame) { frames <- f.Len() })

	ok, err := cli.Write(bytes.Repeat([]byte{7}, 64))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected backpressure")
	}
	if n := recv(t, frames); n != 64 {
		t.Fatalf("frame len %d", n)
	}
	recv(t, drained)
}

func TestRemoveAllListeners(t *testing.T) {
	srv, cli := pair(t, nil, []string{"x"}, Options{}, Options{})
	var hits atomic.Int32
	srv.OnFrame(func(proto.Frame) { hits.Add(1) })
	srv.RemoveAllListeners()
	got := make(chan struct{})
	srv.OnFrame(func(proto.Frame) { close(got) })
	cli.Write([]byte("x"))
	recv(t, got)
	if hits.Load() != 0 {
		t.Fatal("removed listener called")
	}
}

func TestWriteDuringHandshake(t *testing.T) {
	for i := 0; i < 50; i++ {
		a, b := net.Pipe()
		srv := New(a, handshake.Responder, Options{MaxFrameSize: 1024})
		cli := New(b, handshake.Initiator, Options{})
		sdone := make(chan error, 1)
		cdone := make(chan error, 1)

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cli.Write([]byte("x"))
			}
		}()

		srv.Setup([]string{"x"}, time.Second, func(_ *Connection, err error) { sdone <- err })
		cli.Setup([]string{"x"}, time.Second, func(_ *Connection, err error) { cdone <- err })
		serr, cerr := recv(t, sdone), recv(t, cdone)
		close(stop)
		wg.Wait()
		if serr != nil || cerr != nil {
			t.Fatalf("run %d: handshake %v / %v", i, serr, cerr)
		}
		if n := cli.MaxFrameSize(); n != 1024 {
			t.Fatalf("run %d: limit %d", i, n)
		}
		if _, err := cli.Write(make([]byte, 1025)); !errors.Is(err, proto.ErrFrameTooLarge) {
			t.Fatalf("run %d: oversize write %v", i, err)
		}
		srv.Destroy()
		cli.Destroy()
	}
}

func TestHandshakeTimerLosesToSuccess(t *testing.T) {
	for i := 0; i < 50; i++ {
		a, b := net.Pipe()
		srv := New(a, handshake.Responder, Options{})
		cli := New(b, handshake.Initiator, Options{})
		sdone := make(chan error, 1)
		closed := make(chan error, 1)
		var errEvents atomic.Int32
		srv.OnError(func(error) { errEvents.Add(1) })
		srv.OnClose(func(err error) { closed <- err })

		// timer and handshake finish at about the same time
		timeout := time.Duration(i%4)*time.Millisecond + 500*time.Microsecond
		srv.Setup([]string{"x"}, timeout, func(_ *Connection, err error) { sdone <- err })
		cli.Setup([]string{"x"}, time.Second, func(*Connection, error) {})

		serr := recv(t, sdone)
		srv.Destroy()
		cause := recv(t, closed)
		cli.Destroy()
		if serr == nil {
			if cause != nil || errEvents.Load() != 0 {
				t.Fatalf("run %d: handshake succeeded but closed with %v (%d error events)", i, cause, errEvents.Load())
			}
			continue
		}
		if errEvents.Load() != 0 {
			t.Fatalf("run %d: failed handshake emitted error events", i)
		}
	}
}
