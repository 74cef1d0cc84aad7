package client

import (
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ln-tech/dnbd3/pkg/altclient"
	"github.com/ln-tech/dnbd3/pkg/wire"
)

// maxLiveRTTSample bounds how old a GET_BLOCK round trip may be before
// it is considered too stale to fold into LiveRtt (spec.md §4.3).
const maxLiveRTTSample = 30 * time.Second

// receiveLoop owns conn for reading until it errors or a newer
// generation (a switch) supersedes it. Exactly one receive loop may be
// active against a given socket at a time.
func (m *Manager) receiveLoop(conn net.Conn, generation uint64) {
	defer m.wg.Done()

	hdrBuf := make([]byte, wire.ReplyHeaderSize)
	for {
		if _, err := io.ReadFull(conn, hdrBuf); err != nil {
			m.onReceiveError(conn, generation, err)
			return
		}
		hdr, err := wire.UnmarshalReplyHeader(hdrBuf)
		if err != nil {
			m.onReceiveError(conn, generation, err)
			return
		}

		switch hdr.Cmd {
		case wire.CmdGetBlock:
			if err := m.handleGetBlockReply(conn, hdr); err != nil {
				m.onReceiveError(conn, generation, err)
				return
			}
		case wire.CmdGetServers:
			if err := m.handleGetServersReply(conn, hdr); err != nil {
				m.onReceiveError(conn, generation, err)
				return
			}
		default:
			if hdr.Size > 0 {
				if _, err := io.CopyN(io.Discard, conn, int64(hdr.Size)); err != nil {
					m.onReceiveError(conn, generation, err)
					return
				}
			}
		}
	}
}

func (m *Manager) handleGetBlockReply(conn net.Conn, hdr wire.ReplyHeader) error {
	m.queueMu.Lock()
	req, found := m.byHandle[hdr.Handle]
	if found {
		delete(m.byHandle, hdr.Handle)
		for i, r := range m.queue {
			if r.Handle == hdr.Handle {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				break
			}
		}
	}
	m.queueMu.Unlock()

	if !found {
		// Unsolicited GET_BLOCK reply: most likely a probe response
		// arriving on the live socket's handle space. Drain it.
		_, err := io.CopyN(io.Discard, conn, int64(hdr.Size))
		return err
	}

	data := make([]byte, hdr.Size)
	if _, err := io.ReadFull(conn, data); err != nil {
		req.Callback(nil, err)
		return err
	}

	rtt := time.Since(req.EnqueuedAt)
	if rtt <= maxLiveRTTSample && m.currentSlot >= 0 {
		m.Registry.Update(m.currentSlot, func(s *altclient.Server) { s.RecordLiveRTT(rtt) })
	}

	req.Callback(data, nil)
	return nil
}

func (m *Manager) handleGetServersReply(conn net.Conn, hdr wire.ReplyHeader) error {
	buf := make([]byte, hdr.Size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if !m.learnNew {
		return nil
	}
	entries := wire.UnmarshalServerList(buf, m.family)
	hosts := make([]wire.Host, len(entries))
	for i, e := range entries {
		hosts[i] = e.Host
	}
	m.newServersMu.Lock()
	m.newServers = append(m.newServers, hosts...)
	m.newServersMu.Unlock()
	return nil
}

func (m *Manager) onReceiveError(conn net.Conn, generation uint64, err error) {
	log.Warnf("[CLIENT] receive loop error: %v", err)
	m.sendMu.Lock()
	if m.generation == generation && m.conn == conn {
		m.shutdownLocked()
	}
	m.sendMu.Unlock()
	m.signalPanic()
}
