package wire

import (
	"encoding/binary"
	"errors"
)

// SelectImageFlag bits carried in a SELECT_IMAGE request.
type SelectImageFlag uint8

const (
	FlagServer SelectImageFlag = 1 << iota // request originates from a proxying server, not an end client
)

// SelectImageRequest is the SELECT_IMAGE handshake payload a client (or
// an uplink acting as a client towards its upstream) sends after connect.
type SelectImageRequest struct {
	Flags       SelectImageFlag
	Name        string
	RequestedRid uint16 // 0 means "any"
}

var ErrNameTooLong = errors.New("wire: image name too long")

// Marshal encodes: flags(1) nameLen(2) name(nameLen) requestedRid(2).
func (r SelectImageRequest) Marshal() ([]byte, error) {
	if len(r.Name) > 0xFFFF {
		return nil, ErrNameTooLong
	}
	buf := make([]byte, 1+2+len(r.Name)+2)
	buf[0] = byte(r.Flags)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(r.Name)))
	copy(buf[3:3+len(r.Name)], r.Name)
	binary.LittleEndian.PutUint16(buf[3+len(r.Name):], r.RequestedRid)
	return buf, nil
}

func UnmarshalSelectImageRequest(buf []byte) (SelectImageRequest, error) {
	var r SelectImageRequest
	if len(buf) < 3 {
		return r, ErrShortBuffer
	}
	r.Flags = SelectImageFlag(buf[0])
	nameLen := int(binary.LittleEndian.Uint16(buf[1:3]))
	if len(buf) < 3+nameLen+2 {
		return r, ErrShortBuffer
	}
	r.Name = string(buf[3 : 3+nameLen])
	r.RequestedRid = binary.LittleEndian.Uint16(buf[3+nameLen:])
	return r, nil
}

// SelectImageReply is what a server sends back in response to
// SelectImageRequest: negotiated protocol version, canonical name,
// chosen revision id, and the image's size in bytes.
type SelectImageReply struct {
	ProtocolVersion uint16
	Name            string
	Rid             uint16
	Size            uint64
}

// Marshal encodes: protoVersion(2) nameLen(2) name(nameLen) rid(2) size(8).
func (r SelectImageReply) Marshal() ([]byte, error) {
	if len(r.Name) > 0xFFFF {
		return nil, ErrNameTooLong
	}
	buf := make([]byte, 2+2+len(r.Name)+2+8)
	binary.LittleEndian.PutUint16(buf[0:2], r.ProtocolVersion)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(r.Name)))
	copy(buf[4:4+len(r.Name)], r.Name)
	off := 4 + len(r.Name)
	binary.LittleEndian.PutUint16(buf[off:off+2], r.Rid)
	binary.LittleEndian.PutUint64(buf[off+2:off+10], r.Size)
	return buf, nil
}

func UnmarshalSelectImageReply(buf []byte) (SelectImageReply, error) {
	var r SelectImageReply
	if len(buf) < 4 {
		return r, ErrShortBuffer
	}
	r.ProtocolVersion = binary.LittleEndian.Uint16(buf[0:2])
	nameLen := int(binary.LittleEndian.Uint16(buf[2:4]))
	if len(buf) < 4+nameLen+10 {
		return r, ErrShortBuffer
	}
	r.Name = string(buf[4 : 4+nameLen])
	off := 4 + nameLen
	r.Rid = binary.LittleEndian.Uint16(buf[off : off+2])
	r.Size = binary.LittleEndian.Uint64(buf[off+2 : off+10])
	return r, nil
}

// ServerEntry is one 19-byte record in a GET_SERVERS reply: host(16) +
// port(2) + fail-hint(1).
type ServerEntry struct {
	Host     Host
	FailHint uint8
}

const ServerEntrySize = 19

func (e ServerEntry) Marshal() []byte {
	buf := make([]byte, ServerEntrySize)
	copy(buf[0:16], e.Host.Addr[:])
	binary.LittleEndian.PutUint16(buf[16:18], e.Host.Port)
	buf[18] = e.FailHint
	return buf
}

func UnmarshalServerEntry(buf []byte, family Family) (ServerEntry, error) {
	var e ServerEntry
	if len(buf) < ServerEntrySize {
		return e, ErrShortBuffer
	}
	e.Host.Family = family
	copy(e.Host.Addr[:], buf[0:16])
	e.Host.Port = binary.LittleEndian.Uint16(buf[16:18])
	e.FailHint = buf[18]
	return e, nil
}

// MarshalServerList encodes zero or more ServerEntry records back to back.
func MarshalServerList(entries []ServerEntry) []byte {
	buf := make([]byte, 0, len(entries)*ServerEntrySize)
	for _, e := range entries {
		buf = append(buf, e.Marshal()...)
	}
	return buf
}

// UnmarshalServerList decodes as many ServerEntry records as fit in buf.
// Family must be supplied out of band since the wire record does not
// carry it (both sides already share a single address family per peer).
func UnmarshalServerList(buf []byte, family Family) []ServerEntry {
	var out []ServerEntry
	for len(buf) >= ServerEntrySize {
		e, err := UnmarshalServerEntry(buf[:ServerEntrySize], family)
		if err != nil {
			break
		}
		out = append(out, e)
		buf = buf[ServerEntrySize:]
	}
	return out
}

// Crc32Reply is the GET_CRC32 payload: a master CRC over the whole list
// plus one CRC-32 per 16 MiB hash-block.
type Crc32Reply struct {
	Master     uint32
	BlockCRCs  []uint32
}

func (r Crc32Reply) Marshal() []byte {
	buf := make([]byte, 4+4*len(r.BlockCRCs))
	binary.LittleEndian.PutUint32(buf[0:4], r.Master)
	for i, c := range r.BlockCRCs {
		binary.LittleEndian.PutUint32(buf[4+i*4:8+i*4], c)
	}
	return buf
}

func UnmarshalCrc32Reply(buf []byte) (Crc32Reply, error) {
	var r Crc32Reply
	if len(buf) < 4 || (len(buf)-4)%4 != 0 {
		return r, ErrShortBuffer
	}
	r.Master = binary.LittleEndian.Uint32(buf[0:4])
	n := (len(buf) - 4) / 4
	r.BlockCRCs = make([]uint32, n)
	for i := 0; i < n; i++ {
		r.BlockCRCs[i] = binary.LittleEndian.Uint32(buf[4+i*4 : 8+i*4])
	}
	return r, nil
}
