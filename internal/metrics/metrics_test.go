package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"dev.c0redev.lwdfx/internal/proto"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, "")

	c.HandshakeStarted()
	c.HandshakeStarted()
	c.HandshakeDone(nil)
	c.HandshakeDone(proto.NewError(proto.KindAlpRejected, "x"))
	c.Rejected()
	c.FrameIn(10)
	c.FrameOut(3)
	c.FrameOut(4)
	c.ConnectionError(errors.New("plain"))

	if v := testutil.ToFloat64(c.active); v != 1 {
		t.Fatalf("active %v", v)
	}
	if v := testutil.ToFloat64(c.pending); v != 0 {
		t.Fatalf("pending %v", v)
	}
	if v := testutil.ToFloat64(c.handshakes.WithLabelValues("invalid_alp")); v != 1 {
		t.Fatalf("alp rejections %v", v)
	}
	if v := testutil.ToFloat64(c.errors.WithLabelValues("other")); v != 1 {
		t.Fatalf("other errors %v", v)
	}
	if v := testutil.ToFloat64(c.bytesOut); v != 7 {
		t.Fatalf("bytes out %v", v)
	}
	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("nothing registered")
	}

	c.ConnectionClosed()
	if v := testutil.ToFloat64(c.active); v != 0 {
		t.Fatalf("active after close %v", v)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.HandshakeStarted()
	c.HandshakeDone(nil)
	c.FrameIn(1)
	c.Rejected()
}
