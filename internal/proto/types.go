package proto

// Handshake packet magics (LwDFX v1).
const (
	ClientHelloMagic uint32 = 0x5446424c
	ServerHelloMagic uint32 = 0x5446424d
)

// Protocol versions. NoVersion in a SERVER_HELLO means the offer was rejected.
const (
	Version1  uint8 = 0x01
	NoVersion uint8 = 0xFF
)

// FrameHeaderSize: magic(4) + length(4), both little-endian.
const FrameHeaderSize = 8

// FrameMagic guards every data frame header against stream desync.
const FrameMagic uint32 = 0x86989330

// DefaultMaxFrameSize 64MiB.
const DefaultMaxFrameSize uint32 = 64 * 1024 * 1024

// MaxALPLen: ALP names are u8 length-prefixed on the wire.
const MaxALPLen = 255

// MaxALPCount: CLIENT_HELLO carries a u8 ALP count.
const MaxALPCount = 255

// Hello packet sizes without variable parts.
const (
	// total(4) + magic(4) + versionCount(1) + alpCount(1)
	MinClientHelloSize = 10
	// total(4) + magic(4) + maxFrameSize(4) + version(1) + alpLen(1)
	MinServerHelloSize = 14
	// Reads shorter than this are never a hello, whatever the declared length says.
	MinHelloRead = 10
)

// CloseFrame is sent right before a graceful half-close.
var CloseFrame = []byte{0x00, 0x00, 0x00, 0x00}

// SupportedVersions lists versions this implementation speaks, most preferred first.
var SupportedVersions = []uint8{Version1}
