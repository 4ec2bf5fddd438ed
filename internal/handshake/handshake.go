// Package handshake negotiates version and ALP over one CLIENT_HELLO / SERVER_HELLO round trip.
// Roles are pure: they build and judge packets, the connection does the I/O.
package handshake

import (
	"fmt"
	"slices"

	"dev.c0redev.lwdfx/internal/proto"
)

// Side: which end of the round trip a role plays.
type Side uint8

const (
	Initiator Side = iota
	Responder
)

func (s Side) String() string {
	switch s {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	}
	return fmt.Sprintf("side(%d)", uint8(s))
}

// Result of a completed handshake.
type Result struct {
	Version      uint8
	ALP          string
	MaxFrameSize uint32
	// Consumed: bytes of the received packet that belonged to the hello; the rest is frame data.
	Consumed int
}

// Role is one side's state machine. Hello is called once when the stream is ready, Receive once
// with the first inbound read. A reply returned from Receive must be written even when err is
// non-nil (rejections are answered before the stream is closed).
type Role interface {
	Side() Side
	Hello() ([]byte, error)
	Receive(packet []byte) (reply []byte, res Result, err error)
}

type state uint8

const (
	stateIdle state = iota
	stateWaiting
	stateDone
)

// New returns the role for side. maxFrameSize is announced by a responder and ignored by an
// initiator, which learns it from the SERVER_HELLO.
func New(side Side, alpWhitelist []string, maxFrameSize uint32) Role {
	if side == Responder {
		return NewResponder(alpWhitelist, maxFrameSize)
	}
	return NewInitiator(alpWhitelist)
}

// InitiatorRole sends the offer and checks the answer.
type InitiatorRole struct {
	alps  []string
	state state
}

// NewInitiator offers every supported version and alps in priority order.
func NewInitiator(alps []string) *InitiatorRole {
	return &InitiatorRole{alps: slices.Clone(alps)}
}

func (r *InitiatorRole) Side() Side { return Initiator }

// Hello returns the CLIENT_HELLO.
func (r *InitiatorRole) Hello() ([]byte, error) {
	if r.state != stateIdle {
		return nil, proto.NewError(proto.KindProtocolViolation, "hello already sent")
	}
	b, err := proto.ClientHello{Versions: proto.SupportedVersions, ALPs: r.alps}.Encode()
	if err != nil {
		return nil, err
	}
	r.state = stateWaiting
	return b, nil
}

// Receive judges the SERVER_HELLO. It never produces a reply.
func (r *InitiatorRole) Receive(packet []byte) ([]byte, Result, error) {
	if r.state != stateWaiting {
		return nil, Result{}, proto.NewError(proto.KindProtocolViolation, "unexpected handshake packet")
	}
	r.state = stateDone

	h, n, err := proto.ParseServerHello(packet)
	if err != nil {
		return nil, Result{}, err
	}
	if h.Version == proto.NoVersion {
		return nil, Result{}, proto.NewError(proto.KindVersionRejected, "server rejected offered versions")
	}
	if !slices.Contains(proto.SupportedVersions, h.Version) {
		return nil, Result{}, proto.NewError(proto.KindVersionRejected, fmt.Sprintf("server chose unsupported version %d", h.Version))
	}
	if h.ALP == "" {
		return nil, Result{}, proto.NewError(proto.KindAlpRejected, "server rejected offered ALPs")
	}
	if len(r.alps) > 0 && !slices.Contains(r.alps, h.ALP) {
		return nil, Result{}, proto.NewError(proto.KindAlpRejected, fmt.Sprintf("server chose ALP %q not offered", h.ALP))
	}
	return nil, Result{Version: h.Version, ALP: h.ALP, MaxFrameSize: h.MaxFrameSize, Consumed: n}, nil
}

// ResponderRole answers an offer according to its whitelist.
type ResponderRole struct {
	whitelist    []string
	maxFrameSize uint32
	state        state
}

// NewResponder: whitelist in priority order, most preferred first; empty accepts any ALP.
func NewResponder(whitelist []string, maxFrameSize uint32) *ResponderRole {
	return &ResponderRole{whitelist: slices.Clone(whitelist), maxFrameSize: maxFrameSize, state: stateWaiting}
}

func (r *ResponderRole) Side() Side { return Responder }

// Hello returns nil: the responder speaks second.
func (r *ResponderRole) Hello() ([]byte, error) { return nil, nil }

// Receive judges the CLIENT_HELLO and returns the SERVER_HELLO to send. Malformed packets get no
// reply.
func (r *ResponderRole) Receive(packet []byte) ([]byte, Result, error) {
	if r.state != stateWaiting {
		return nil, Result{}, proto.NewError(proto.KindProtocolViolation, "unexpected handshake packet")
	}
	r.state = stateDone

	h, n, err := proto.ParseClientHello(packet)
	if err != nil {
		return nil, Result{}, err
	}

	version, ok := selectVersion(h.Versions)
	if !ok {
		reply, _ := proto.RejectVersionHello().Encode()
		return reply, Result{}, proto.NewError(proto.KindVersionRejected, fmt.Sprintf("no supported version in %v", h.Versions))
	}

	alp, err := SelectALP(r.whitelist, h.ALPs)
	if err != nil {
		reply, _ := proto.RejectALPHello().Encode()
		return reply, Result{}, err
	}

	reply, err := proto.ServerHello{MaxFrameSize: r.maxFrameSize, Version: version, ALP: alp}.Encode()
	if err != nil {
		return nil, Result{}, err
	}
	return reply, Result{Version: version, ALP: alp, MaxFrameSize: r.maxFrameSize, Consumed: n}, nil
}

// selectVersion picks our most preferred version among those offered.
func selectVersion(offered []uint8) (uint8, bool) {
	for _, v := range proto.SupportedVersions {
		if slices.Contains(offered, v) {
			return v, true
		}
	}
	return 0, false
}

// SelectALP applies the responder policy:
//   - nothing offered: whitelist[0], or reject if the whitelist is empty
//   - empty whitelist: the first offered name
//   - otherwise the offered name with the lowest whitelist index
//
// An empty offered name rejects the whole offer.
func SelectALP(whitelist, offered []string) (string, error) {
	for _, o := range offered {
		if o == "" {
			return "", proto.NewError(proto.KindAlpRejected, "empty ALP name offered")
		}
	}
	if len(offered) == 0 {
		if len(whitelist) == 0 {
			return "", proto.NewError(proto.KindAlpRejected, "no ALP offered and none configured")
		}
		return whitelist[0], nil
	}
	if len(whitelist) == 0 {
		return offered[0], nil
	}
	best := -1
	for _, o := range offered {
		if i := slices.Index(whitelist, o); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	if best < 0 {
		return "", proto.NewError(proto.KindAlpRejected, fmt.Sprintf("none of %q accepted", offered))
	}
	return whitelist[best], nil
}
