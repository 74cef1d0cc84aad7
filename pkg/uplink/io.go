package uplink

import (
	"fmt"
	"io"
	"net"

	"github.com/ln-tech/dnbd3/pkg/wire"
)

// readerLoop owns conn for reading and decodes GET_BLOCK replies,
// recovering the reply's offset from its handle (the uplink sets
// Handle = offset on every upstream request it sends, per spec.md
// §4.4). It exits, sending a terminal replyMsg, on any protocol or I/O
// error, or on an implausibly large/malformed reply (fatal for this
// connection only).
func readerLoop(conn net.Conn, out chan<- replyMsg, done <-chan struct{}) {
	hdrBuf := make([]byte, wire.ReplyHeaderSize)
	for {
		if _, err := io.ReadFull(conn, hdrBuf); err != nil {
			sendReply(out, done, replyMsg{err: err})
			return
		}
		hdr, err := wire.UnmarshalReplyHeader(hdrBuf)
		if err != nil {
			sendReply(out, done, replyMsg{err: err})
			return
		}
		if hdr.Cmd != wire.CmdGetBlock {
			if hdr.Size > 0 {
				io.CopyN(io.Discard, conn, int64(hdr.Size))
			}
			continue
		}
		if hdr.Size > wire.MaxPayloadSize {
			sendReply(out, done, replyMsg{err: fmt.Errorf("uplink: implausible reply size %d", hdr.Size)})
			return
		}
		data := make([]byte, hdr.Size)
		if _, err := io.ReadFull(conn, data); err != nil {
			sendReply(out, done, replyMsg{err: err})
			return
		}
		sendReply(out, done, replyMsg{offset: int64(hdr.Handle), size: hdr.Size, data: data})
	}
}

func sendReply(out chan<- replyMsg, done <-chan struct{}, msg replyMsg) {
	select {
	case out <- msg:
	case <-done:
	}
}
