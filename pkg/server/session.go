package server

import (
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ln-tech/dnbd3/pkg/image"
	"github.com/ln-tech/dnbd3/pkg/wire"
)

// requester is the surface pkg/server needs from an image's attached
// uplink. *uplink.Uplink satisfies it structurally; pkg/server never
// imports pkg/uplink, matching image.UplinkRef's own circular-import
// avoidance (see pkg/image's doc comment on UplinkRef).
type requester interface {
	Request(clientID, handle, offset uint64, length uint32, hops uint8, send func([]byte, error)) error
	RemoveClient(clientID uint64)
}

// session is one accepted client connection: its own command dispatch
// loop, writes serialized by writeMu since a GET_BLOCK reply can arrive
// asynchronously on the uplink's own goroutine while the dispatch loop
// is itself replying to a later command (e.g. KEEPALIVE).
type session struct {
	server   *Server
	conn     net.Conn
	clientID uint64

	writeMu sync.Mutex

	img      *image.Image
	protocol uint16
}

func (s *session) serve() {
	defer s.conn.Close()

	if err := s.handshake(); err != nil {
		log.Debugf("[SESSION] %s: handshake failed: %v", s.conn.RemoteAddr(), err)
		return
	}
	defer s.img.Release()
	defer func() {
		if r, ok := s.img.Uplink.(requester); ok {
			r.RemoveClient(s.clientID)
		}
	}()

	hdrBuf := make([]byte, wire.RequestHeaderSize)
	for {
		if _, err := io.ReadFull(s.conn, hdrBuf); err != nil {
			if err != io.EOF {
				log.Debugf("[SESSION] %s: connection closed: %v", s.conn.RemoteAddr(), err)
			}
			return
		}
		hdr, err := wire.UnmarshalRequestHeader(hdrBuf)
		if err != nil {
			log.Warnf("[SESSION] %s: bad header: %v", s.conn.RemoteAddr(), err)
			return
		}
		if !s.dispatch(hdr) {
			return
		}
	}
}

func (s *session) handshake() error {
	hdrBuf := make([]byte, wire.RequestHeaderSize)
	if _, err := io.ReadFull(s.conn, hdrBuf); err != nil {
		return err
	}
	hdr, err := wire.UnmarshalRequestHeader(hdrBuf)
	if err != nil {
		return err
	}
	if hdr.Cmd != wire.CmdSelectImage {
		return ErrNotSelected
	}
	payload := make([]byte, hdr.Size)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return err
	}
	req, err := wire.UnmarshalSelectImageRequest(payload)
	if err != nil {
		return err
	}

	var img *image.Image
	var ok bool
	if req.RequestedRid == 0 {
		img, ok = s.server.Images.GetLatest(req.Name)
	} else {
		img, ok = s.server.Images.Get(req.Name, req.RequestedRid)
	}
	if !ok {
		s.writeError()
		return ErrUnknownImage
	}
	img.Acquire()
	s.img = img
	s.protocol = wire.CurrentProtocolVersion

	reply := wire.SelectImageReply{
		ProtocolVersion: wire.CurrentProtocolVersion,
		Name:            img.Name,
		Rid:             img.Rid,
		Size:            uint64(img.RealFileSize),
	}
	body, err := reply.Marshal()
	if err != nil {
		img.Release()
		return err
	}
	replyHdr := wire.ReplyHeader{Cmd: wire.CmdSelectImage, Size: uint32(len(body))}
	hb, err := replyHdr.Marshal()
	if err != nil {
		img.Release()
		return err
	}
	s.writeMu.Lock()
	_, err = s.conn.Write(hb)
	if err == nil {
		_, err = s.conn.Write(body)
	}
	s.writeMu.Unlock()
	if err != nil {
		img.Release()
	}
	return err
}

func (s *session) writeError() {
	hdr := wire.ReplyHeader{Cmd: wire.CmdError}
	if buf, err := hdr.Marshal(); err == nil {
		s.writeMu.Lock()
		s.conn.Write(buf)
		s.writeMu.Unlock()
	}
}

// dispatch handles one request header (and, for GET_BLOCK, the implied
// absence of a body — offset/size travel in the header itself). It
// returns false when the connection should be torn down.
func (s *session) dispatch(hdr wire.RequestHeader) bool {
	switch hdr.Cmd {
	case wire.CmdGetBlock:
		return s.handleGetBlock(hdr)
	case wire.CmdKeepAlive:
		return s.reply(wire.ReplyHeader{Cmd: wire.CmdKeepAlive, Handle: hdr.Handle})
	case wire.CmdGetServers:
		return s.handleGetServers(hdr)
	case wire.CmdSetClientMode:
		// Advisory only; both read modes are served identically server-side.
		return s.reply(wire.ReplyHeader{Cmd: wire.CmdSetClientMode, Handle: hdr.Handle})
	case wire.CmdGetCrc32:
		return s.handleGetCrc32(hdr)
	default:
		log.Warnf("[SESSION] %s: unsupported command %s", s.conn.RemoteAddr(), hdr.Cmd)
		s.writeError()
		return false
	}
}

func (s *session) reply(hdr wire.ReplyHeader) bool {
	buf, err := hdr.Marshal()
	if err != nil {
		return false
	}
	s.writeMu.Lock()
	_, err = s.conn.Write(buf)
	s.writeMu.Unlock()
	return err == nil
}

func (s *session) handleGetBlock(hdr wire.RequestHeader) bool {
	if err := wire.CheckAligned(hdr.Offset, hdr.Size); err != nil {
		log.Warnf("[SESSION] %s: misaligned GET_BLOCK [%d,+%d)", s.conn.RemoteAddr(), hdr.Offset, hdr.Size)
		s.writeError()
		return false
	}
	from := int64(hdr.Offset)
	to := from + int64(hdr.Size)

	if s.img.CacheMap == nil || s.img.CacheMap.TestRange(from, to) {
		return s.serveFromCache(hdr, from, to)
	}

	u := s.img.EnsureUplink(func() image.UplinkRef { return s.server.NewUplink(s.img) })
	r, ok := u.(requester)
	if !ok || r == nil {
		s.writeError()
		return true
	}
	handle := hdr.Handle
	err := r.Request(s.clientID, handle, hdr.Offset, hdr.Size, hdr.Hops, func(data []byte, err error) {
		if err != nil {
			log.Warnf("[SESSION] %s: uplink request failed: %v", s.conn.RemoteAddr(), err)
			return
		}
		replyHdr := wire.ReplyHeader{Cmd: wire.CmdGetBlock, Size: uint32(len(data)), Handle: handle}
		rb, merr := replyHdr.Marshal()
		if merr != nil {
			return
		}
		s.writeMu.Lock()
		s.conn.Write(rb)
		s.conn.Write(data)
		s.writeMu.Unlock()
	})
	if err != nil {
		log.Warnf("[SESSION] %s: uplink queue rejected request: %v", s.conn.RemoteAddr(), err)
		s.writeError()
	}
	return true
}

func (s *session) serveFromCache(hdr wire.RequestHeader, from, to int64) bool {
	f, err := s.img.File()
	if err != nil {
		s.writeError()
		return true
	}
	data := make([]byte, to-from)
	if _, err := f.ReadAt(data, from); err != nil && err != io.EOF {
		s.writeError()
		return true
	}
	replyHdr := wire.ReplyHeader{Cmd: wire.CmdGetBlock, Size: uint32(len(data)), Handle: hdr.Handle}
	rb, err := replyHdr.Marshal()
	if err != nil {
		return false
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(rb); err != nil {
		return false
	}
	_, err = s.conn.Write(data)
	return err == nil
}

func (s *session) handleGetServers(hdr wire.RequestHeader) bool {
	peers := s.server.AltServer.GetListForClient(s.server.SelfHost, 16)
	entries := make([]wire.ServerEntry, len(peers))
	for i, p := range peers {
		entries[i] = wire.ServerEntry{Host: p.Host, FailHint: 0}
	}
	body := wire.MarshalServerList(entries)
	replyHdr := wire.ReplyHeader{Cmd: wire.CmdGetServers, Size: uint32(len(body)), Handle: hdr.Handle}
	rb, err := replyHdr.Marshal()
	if err != nil {
		return false
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(rb); err != nil {
		return false
	}
	_, err = s.conn.Write(body)
	return err == nil
}

func (s *session) handleGetCrc32(hdr wire.RequestHeader) bool {
	if s.img.CRC == nil {
		s.writeError()
		return true
	}
	body := wire.Crc32Reply{Master: s.img.CRC.Master, BlockCRCs: s.img.CRC.Blocks}.Marshal()
	replyHdr := wire.ReplyHeader{Cmd: wire.CmdGetCrc32, Size: uint32(len(body)), Handle: hdr.Handle}
	rb, err := replyHdr.Marshal()
	if err != nil {
		return false
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(rb); err != nil {
		return false
	}
	_, err = s.conn.Write(body)
	return err == nil
}
