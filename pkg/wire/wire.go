// Package wire implements the DNBD3 binary protocol: fixed-width request
// and reply headers, the handshake payloads, and the small set of
// commands servers and clients exchange over TCP.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the two-byte value "rs" that opens every header, low byte
// first on the wire.
var Magic = [2]byte{'r', 's'}

// Command identifies the operation carried by a header.
type Command uint16

const (
	CmdGetBlock      Command = 1
	CmdGetSize       Command = 2 // legacy client; disambiguated by ProtocolVersion
	CmdSelectImage   Command = 2 // reuse of 2 on modern clients
	CmdGetServers    Command = 3
	CmdError         Command = 4
	CmdKeepAlive     Command = 5
	CmdLatestRid     Command = 6
	CmdSetClientMode Command = 7
	CmdGetCrc32      Command = 8
)

const (
	// MinProtocolVersion is the lowest version either side accepts.
	MinProtocolVersion uint16 = 2
	// CurrentProtocolVersion is the version this implementation speaks.
	CurrentProtocolVersion uint16 = 3

	// RequestHeaderSize is the wire size of RequestHeader.
	RequestHeaderSize = 24
	// ReplyHeaderSize is the wire size of ReplyHeader.
	ReplyHeaderSize = 16

	// BlockSize is the granularity GET_BLOCK offsets and sizes must
	// respect.
	BlockSize = 4096

	// MaxPayloadSize bounds a single reply payload; anything larger
	// coming from an upstream is treated as fatal for that connection.
	MaxPayloadSize = 9 * 1024 * 1024

	// HopLimit is the maximum number of times a request may be
	// forwarded before a proxy rejects it to break cycles.
	HopLimit = 7
)

var (
	ErrBadMagic       = errors.New("wire: bad magic")
	ErrOffsetTooLarge = errors.New("wire: offset exceeds 56 bits")
	ErrHopsTooLarge   = errors.New("wire: hops exceeds 255")
	ErrTooManyHops    = errors.New("wire: hop limit exceeded")
	ErrShortBuffer    = errors.New("wire: buffer too short")
	ErrMisaligned     = errors.New("wire: offset/size not block aligned")
)

// RequestHeader is the 24-byte header that precedes every client request.
//
// Wire layout: magic(2) cmd(2) size(4) offsetLow56(7) hops(1) handle(8).
// The spec describes hops and the 56-bit offset as sharing one
// little-endian 8-byte word with hops in the high byte; Marshal/Unmarshal
// below implement that packing directly, so the offset occupies wire
// bytes 8-14, least-significant byte first, and hops occupies wire byte
// 15 (the last byte of the combined word).
type RequestHeader struct {
	Cmd    Command
	Size   uint32
	Hops   uint8
	Offset uint64 // must fit in 56 bits
	Handle uint64
}

// Marshal encodes the header into a freshly allocated 24-byte buffer.
func (h RequestHeader) Marshal() ([]byte, error) {
	buf := make([]byte, RequestHeaderSize)
	if err := h.MarshalInto(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// MarshalInto encodes the header into buf, which must be at least
// RequestHeaderSize bytes.
func (h RequestHeader) MarshalInto(buf []byte) error {
	if len(buf) < RequestHeaderSize {
		return ErrShortBuffer
	}
	if h.Offset > (1<<56)-1 {
		return ErrOffsetTooLarge
	}
	buf[0], buf[1] = Magic[0], Magic[1]
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Cmd))
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
	word := uint64(h.Hops)<<56 | h.Offset
	binary.LittleEndian.PutUint64(buf[8:16], word)
	binary.LittleEndian.PutUint64(buf[16:24], h.Handle)
	return nil
}

// UnmarshalRequestHeader decodes a 24-byte buffer into a RequestHeader.
func UnmarshalRequestHeader(buf []byte) (RequestHeader, error) {
	var h RequestHeader
	if len(buf) < RequestHeaderSize {
		return h, ErrShortBuffer
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] {
		return h, ErrBadMagic
	}
	h.Cmd = Command(binary.LittleEndian.Uint16(buf[2:4]))
	h.Size = binary.LittleEndian.Uint32(buf[4:8])
	word := binary.LittleEndian.Uint64(buf[8:16])
	h.Hops = uint8(word >> 56)
	h.Offset = word & ((1 << 56) - 1)
	h.Handle = binary.LittleEndian.Uint64(buf[16:24])
	return h, nil
}

// ReplyHeader is the 16-byte header that precedes every server reply.
type ReplyHeader struct {
	Cmd    Command
	Size   uint32
	Handle uint64
}

func (h ReplyHeader) Marshal() ([]byte, error) {
	buf := make([]byte, ReplyHeaderSize)
	if err := h.MarshalInto(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (h ReplyHeader) MarshalInto(buf []byte) error {
	if len(buf) < ReplyHeaderSize {
		return ErrShortBuffer
	}
	buf[0], buf[1] = Magic[0], Magic[1]
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Cmd))
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
	binary.LittleEndian.PutUint64(buf[8:16], h.Handle)
	return nil
}

func UnmarshalReplyHeader(buf []byte) (ReplyHeader, error) {
	var h ReplyHeader
	if len(buf) < ReplyHeaderSize {
		return h, ErrShortBuffer
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] {
		return h, ErrBadMagic
	}
	h.Cmd = Command(binary.LittleEndian.Uint16(buf[2:4]))
	h.Size = binary.LittleEndian.Uint32(buf[4:8])
	h.Handle = binary.LittleEndian.Uint64(buf[8:16])
	return h, nil
}

// CheckAligned rejects a GET_BLOCK offset/size pair that is not a
// multiple of BlockSize, as required by spec.md §6.
func CheckAligned(offset uint64, size uint32) error {
	if offset%BlockSize != 0 || size%BlockSize != 0 {
		return ErrMisaligned
	}
	return nil
}

// NextHop increments hops for forwarding and rejects the request once
// HopLimit is reached, breaking cycles where a proxy would otherwise
// forward a request back into a loop of peers.
func NextHop(hops uint8) (uint8, error) {
	if hops >= HopLimit {
		return hops, ErrTooManyHops
	}
	return hops + 1, nil
}

func (c Command) String() string {
	switch c {
	case CmdGetBlock:
		return "GET_BLOCK"
	case CmdGetSize:
		return "GET_SIZE/SELECT_IMAGE"
	case CmdGetServers:
		return "GET_SERVERS"
	case CmdError:
		return "ERROR"
	case CmdKeepAlive:
		return "KEEPALIVE"
	case CmdLatestRid:
		return "LATEST_RID"
	case CmdSetClientMode:
		return "SET_CLIENT_MODE"
	case CmdGetCrc32:
		return "GET_CRC32"
	default:
		return fmt.Sprintf("CMD(%d)", uint16(c))
	}
}
