package proto

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// ClientHello: initiator offer. Wire:
// u32 total | u32 magic | u8 versionCount | u8[] versions | u8 alpCount | (u8 len, utf8)[] alps
type ClientHello struct {
	Versions []uint8
	ALPs     []string
}

// ServerHello: responder answer. Wire:
// u32 total | u32 magic | u32 maxFrameSize | u8 version | u8 alpLen | utf8 alp
type ServerHello struct {
	MaxFrameSize uint32
	Version      uint8
	ALP          string
}

// Size returns the encoded length.
func (h ClientHello) Size() int {
	n := MinClientHelloSize + len(h.Versions) + len(h.ALPs)
	for _, a := range h.ALPs {
		n += len(a)
	}
	return n
}

// Encode serializes h; fails if a list or name does not fit its u8 length field.
func (h ClientHello) Encode() ([]byte, error) {
	if len(h.Versions) > 255 {
		return nil, NewError(KindInvalidPacket, "too many versions")
	}
	if len(h.ALPs) > MaxALPCount {
		return nil, NewError(KindInvalidPacket, "too many ALP names")
	}
	for _, a := range h.ALPs {
		if err := ValidateALP(a); err != nil {
			return nil, err
		}
	}
	b := make([]byte, 0, h.Size())
	b = binary.LittleEndian.AppendUint32(b, uint32(h.Size()))
	b = binary.LittleEndian.AppendUint32(b, ClientHelloMagic)
	b = append(b, uint8(len(h.Versions)))
	b = append(b, h.Versions...)
	b = append(b, uint8(len(h.ALPs)))
	for _, a := range h.ALPs {
		b = append(b, uint8(len(a)))
		b = append(b, a...)
	}
	return b, nil
}

// Size returns the encoded length.
func (h ServerHello) Size() int {
	return MinServerHelloSize + len(h.ALP)
}

// Encode serializes h.
func (h ServerHello) Encode() ([]byte, error) {
	if len(h.ALP) > MaxALPLen {
		return nil, NewError(KindInvalidPacket, "ALP name too long")
	}
	b := make([]byte, 0, h.Size())
	b = binary.LittleEndian.AppendUint32(b, uint32(h.Size()))
	b = binary.LittleEndian.AppendUint32(b, ServerHelloMagic)
	b = binary.LittleEndian.AppendUint32(b, h.MaxFrameSize)
	b = append(b, h.Version, uint8(len(h.ALP)))
	b = append(b, h.ALP...)
	return b, nil
}

// RejectVersionHello: SERVER_HELLO sent when no offered version is supported.
func RejectVersionHello() ServerHello {
	return ServerHello{Version: NoVersion}
}

// RejectALPHello: SERVER_HELLO sent when no ALP could be agreed.
func RejectALPHello() ServerHello {
	return ServerHello{Version: Version1}
}

// ParseClientHello parses a CLIENT_HELLO from the start of b and returns it with the declared
// packet size; bytes past that size are not part of the handshake.
func ParseClientHello(b []byte) (ClientHello, int, error) {
	size, err := checkHelloHeader(b, ClientHelloMagic, MinClientHelloSize)
	if err != nil {
		return ClientHello{}, 0, err
	}
	p := b[:size]
	off := 8

	vc := int(p[off])
	off++
	// versions plus the alpCount byte after them
	if off+vc+1 > size {
		return ClientHello{}, 0, NewError(KindInvalidPacket, "version list overruns packet")
	}
	h := ClientHello{Versions: append([]uint8(nil), p[off:off+vc]...)}
	off += vc

	ac := int(p[off])
	off++
	if ac > 0 {
		h.ALPs = make([]string, 0, ac)
	}
	for i := 0; i < ac; i++ {
		if off >= size {
			return ClientHello{}, 0, NewError(KindInvalidPacket, fmt.Sprintf("ALP #%d overruns packet", i))
		}
		n := int(p[off])
		off++
		if off+n > size {
			return ClientHello{}, 0, NewError(KindInvalidPacket, fmt.Sprintf("ALP #%d overruns packet", i))
		}
		h.ALPs = append(h.ALPs, string(p[off:off+n]))
		off += n
	}
	return h, size, nil
}

// ParseServerHello parses a SERVER_HELLO from the start of b and returns it with the declared
// packet size.
func ParseServerHello(b []byte) (ServerHello, int, error) {
	size, err := checkHelloHeader(b, ServerHelloMagic, MinServerHelloSize)
	if err != nil {
		return ServerHello{}, 0, err
	}
	p := b[:size]
	h := ServerHello{
		MaxFrameSize: binary.LittleEndian.Uint32(p[8:12]),
		Version:      p[12],
	}
	n := int(p[13])
	if MinServerHelloSize+n > size {
		return ServerHello{}, 0, NewError(KindInvalidPacket, "ALP name overruns packet")
	}
	h.ALP = string(p[MinServerHelloSize : MinServerHelloSize+n])
	return h, size, nil
}

// ValidateALP checks a name fits the wire (1..255 bytes, valid UTF-8).
func ValidateALP(name string) error {
	if name == "" {
		return NewError(KindAlpRejected, "empty ALP name")
	}
	if len(name) > MaxALPLen {
		return NewError(KindAlpRejected, fmt.Sprintf("ALP name %q exceeds %d bytes", name[:16], MaxALPLen))
	}
	if !utf8.ValidString(name) {
		return NewError(KindAlpRejected, "ALP name is not valid UTF-8")
	}
	return nil
}

func checkHelloHeader(b []byte, magic uint32, minSize int) (int, error) {
	if len(b) < MinHelloRead {
		return 0, NewError(KindInvalidPacket, "invalid handshake packet")
	}
	size := binary.LittleEndian.Uint32(b[0:4])
	if uint64(size) > uint64(len(b)) {
		return 0, NewError(KindInvalidPacket, "invalid handshake packet header size")
	}
	if binary.LittleEndian.Uint32(b[4:8]) != magic {
		return 0, NewError(KindInvalidPacket, "invalid handshake packet header magic")
	}
	if int(size) < minSize {
		return 0, NewError(KindInvalidPacket, "handshake packet shorter than its fixed fields")
	}
	return int(size), nil
}
