package client

import (
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ln-tech/dnbd3/pkg/altclient"
	"github.com/ln-tech/dnbd3/pkg/wire"
)

const (
	normalProbeTimeout = 333 * time.Millisecond
	panicProbeTimeout  = 1 * time.Second

	stickyBestCountThreshold = 12
	safetyValveMargin        = 8
	switchAbsoluteMargin     = 1500 * time.Microsecond
	switchRelativeFactor     = 0.75
	switchRelativeMargin     = 1000 * time.Microsecond
)

// backgroundLoop runs probing/keepalive/switching on a fixed tick, or
// immediately when the receive loop signals panic.
func (m *Manager) backgroundLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(backgroundTick)
	defer ticker.Stop()
	lastKeepAlive := time.Now()

	for {
		select {
		case <-m.closeCh:
			return
		case <-m.panicCh:
			atomic.StoreInt32(&m.panicSet, 0)
			m.runBackgroundRound(true)
		case <-ticker.C:
			m.runBackgroundRound(false)
			if time.Since(lastKeepAlive) >= keepAliveInterval {
				m.sendKeepAlive()
				lastKeepAlive = time.Now()
			}
		}
	}
}

func (m *Manager) runBackgroundRound(signalled bool) {
	m.mergeLearned()
	m.Registry.Sort()

	panicMode := signalled || m.socketState() != stateLive || m.hasStarvingRequest(time.Now())

	best := m.probeRound(context.Background(), panicMode)
	if best == nil {
		if panicMode {
			log.Warnf("[CLIENT] panic probe round found no reachable server")
		}
		return
	}

	if m.decideSwitch(best, panicMode) {
		m.switchTo(best)
	} else {
		best.conn.Close()
	}
}

func (m *Manager) mergeLearned() {
	m.newServersMu.Lock()
	hosts := m.newServers
	m.newServers = nil
	m.newServersMu.Unlock()
	if len(hosts) > 0 {
		m.Registry.MergeLearned(hosts)
	}
}

// hasStarvingRequest implements the panic-mode trigger: any pending
// request older than max(5*currentRtt, 1s).
func (m *Manager) hasStarvingRequest(now time.Time) bool {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(m.queue) == 0 {
		return false
	}
	threshold := time.Second
	if m.currentSlot >= 0 {
		if slot, ok := m.Registry.Slot(m.currentSlot); ok && slot.Rtt*5 > threshold {
			threshold = slot.Rtt * 5
		}
	}
	oldest := m.queue[0].EnqueuedAt
	for _, r := range m.queue[1:] {
		if r.EnqueuedAt.Before(oldest) {
			oldest = r.EnqueuedAt
		}
	}
	return now.Sub(oldest) > threshold
}

type probeResult struct {
	idx  int
	host wire.Host
	conn net.Conn
	rtt  time.Duration
}

// probeRound probes either the first ActiveSlots servers (normal mode,
// with a backoff-weighted skip chance) or all MaxServers (panic mode),
// and returns the fastest successful probe, closing every other probe's
// socket. In panic mode, the oldest pending request's offset/length is
// replayed as the probe payload so a successful probe also satisfies it
// directly.
func (m *Manager) probeRound(ctx context.Context, panicMode bool) *probeResult {
	limit := altclient.ActiveSlots
	if panicMode {
		limit = altclient.MaxServers
	}

	var pendingReplay *Request
	if panicMode {
		m.queueMu.Lock()
		if len(m.queue) > 0 {
			pendingReplay = m.queue[0]
		}
		m.queueMu.Unlock()
	}

	timeout := normalProbeTimeout
	if panicMode {
		timeout = panicProbeTimeout
	}

	var wg sync.WaitGroup
	results := make(chan *probeResult, limit)
	for i := 0; i < limit; i++ {
		slot, ok := m.Registry.Slot(i)
		if !ok {
			continue
		}
		if !panicMode && slot.ConsecutiveFails > 0 {
			skipChance := 1 - float64(altclient.BackoffThreshold)/float64(slot.ConsecutiveFails)
			if skipChance > 0 && rand.Float64() < skipChance {
				continue
			}
		}
		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := m.probeOne(ctx, idx, timeout, pendingReplay); res != nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	var best *probeResult
	for r := range results {
		if best == nil || r.rtt < best.rtt {
			if best != nil {
				best.conn.Close()
			}
			best = r
		} else {
			r.conn.Close()
		}
	}
	return best
}

func (m *Manager) probeOne(ctx context.Context, idx int, timeout time.Duration, replay *Request) *probeResult {
	slot, ok := m.Registry.Slot(idx)
	if !ok {
		return nil
	}

	start := time.Now()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", slot.Host.String())
	if err != nil {
		m.Registry.Update(idx, func(s *altclient.Server) { s.ConsecutiveFails++ })
		return nil
	}
	conn.SetDeadline(time.Now().Add(timeout))

	reply, err := m.verifyHandshake(conn)
	if err != nil || reply.Name != m.ImageName || reply.Size != m.Size ||
		(m.RequestedRid != 0 && reply.Rid != m.RequestedRid) {
		m.Registry.Update(idx, func(s *altclient.Server) { s.ConsecutiveFails += 10 })
		conn.Close()
		return nil
	}

	offset, size := uint64(0), uint32(wire.BlockSize)
	if replay != nil {
		offset, size = replay.Offset, replay.Size
	}
	hdr := wire.RequestHeader{Cmd: wire.CmdGetBlock, Size: size, Offset: offset}
	buf, err := hdr.Marshal()
	if err == nil {
		_, err = conn.Write(buf)
	}
	if err != nil {
		m.Registry.Update(idx, func(s *altclient.Server) { s.ConsecutiveFails++ })
		conn.Close()
		return nil
	}

	replyHdrBuf := make([]byte, wire.ReplyHeaderSize)
	if _, err := io.ReadFull(conn, replyHdrBuf); err != nil {
		m.Registry.Update(idx, func(s *altclient.Server) { s.ConsecutiveFails++ })
		conn.Close()
		return nil
	}
	replyHdr, err := wire.UnmarshalReplyHeader(replyHdrBuf)
	if err != nil {
		conn.Close()
		return nil
	}
	data := make([]byte, replyHdr.Size)
	if _, err := io.ReadFull(conn, data); err != nil {
		conn.Close()
		return nil
	}

	rtt := time.Since(start)
	m.Registry.Update(idx, func(s *altclient.Server) {
		s.ConsecutiveFails = 0
		s.RecordProbeRTT(rtt)
	})

	if replay != nil {
		m.queueMu.Lock()
		if _, stillPending := m.byHandle[replay.Handle]; stillPending {
			delete(m.byHandle, replay.Handle)
			for i, r := range m.queue {
				if r.Handle == replay.Handle {
					m.queue = append(m.queue[:i], m.queue[i+1:]...)
					break
				}
			}
			m.queueMu.Unlock()
			replay.Callback(data, nil)
		} else {
			m.queueMu.Unlock()
		}
	}

	return &probeResult{idx: idx, host: slot.Host, conn: conn, rtt: rtt}
}

// verifyHandshake performs SELECT_IMAGE against conn without mutating
// Manager state, for use against probe candidates that are not (yet)
// the live server.
func (m *Manager) verifyHandshake(conn net.Conn) (wire.SelectImageReply, error) {
	req := wire.SelectImageRequest{Name: m.ImageName, RequestedRid: m.RequestedRid}
	payload, err := req.Marshal()
	if err != nil {
		return wire.SelectImageReply{}, err
	}
	hdr := wire.RequestHeader{Cmd: wire.CmdSelectImage, Size: uint32(len(payload))}
	hdrBuf, err := hdr.Marshal()
	if err != nil {
		return wire.SelectImageReply{}, err
	}
	if _, err := conn.Write(hdrBuf); err != nil {
		return wire.SelectImageReply{}, err
	}
	if _, err := conn.Write(payload); err != nil {
		return wire.SelectImageReply{}, err
	}

	replyHdrBuf := make([]byte, wire.ReplyHeaderSize)
	if _, err := io.ReadFull(conn, replyHdrBuf); err != nil {
		return wire.SelectImageReply{}, err
	}
	replyHdr, err := wire.UnmarshalReplyHeader(replyHdrBuf)
	if err != nil {
		return wire.SelectImageReply{}, err
	}
	replyBuf := make([]byte, replyHdr.Size)
	if _, err := io.ReadFull(conn, replyBuf); err != nil {
		return wire.SelectImageReply{}, err
	}
	return wire.UnmarshalSelectImageReply(replyBuf)
}

// decideSwitch implements spec.md §4.3's switch decision: bestCount
// bookkeeping, the sticky rule (and its safety valve), the regular
// RTT-margin rule, and unconditional switching in panic mode.
func (m *Manager) decideSwitch(best *probeResult, panicMode bool) bool {
	if panicMode {
		return true
	}
	if m.currentSlot < 0 {
		return true
	}

	for i := 0; i < altclient.ActiveSlots; i++ {
		if i == best.idx {
			m.Registry.Update(i, func(s *altclient.Server) { s.BumpBestCount(2) })
		} else if _, ok := m.Registry.Slot(i); ok {
			m.Registry.Update(i, func(s *altclient.Server) { s.BumpBestCount(-1) })
		}
	}

	bestSlot, _ := m.Registry.Slot(best.idx)
	curSlot, _ := m.Registry.Slot(m.currentSlot)

	// Decay a stale LiveRtt estimate by 1% per round once it exceeds
	// both the current server's probed rtt and the best candidate's.
	if curSlot.LiveRtt > bestSlot.Rtt && curSlot.LiveRtt > curSlot.Rtt {
		decayed := curSlot.LiveRtt - curSlot.LiveRtt/100
		m.Registry.Update(m.currentSlot, func(s *altclient.Server) { s.LiveRtt = decayed })
	}

	sticky := bestSlot.BestCount > stickyBestCountThreshold &&
		bestSlot.Rtt < curSlot.Rtt &&
		rand.Intn(50) < bestSlot.BestCount
	if sticky {
		if bestSlot.BestCount-curSlot.BestCount < safetyValveMargin {
			sticky = false // safety valve: too noisy a win
		} else {
			return true
		}
	}

	regular := curSlot.Rtt > bestSlot.Rtt+switchAbsoluteMargin ||
		time.Duration(float64(curSlot.Rtt)*switchRelativeFactor) > bestSlot.Rtt+switchRelativeMargin
	return regular
}

// switchTo atomically replaces the live socket, drains and re-sends the
// pending queue in order, and starts a fresh receive goroutine for the
// new connection. Any resend failure re-enters panic mode immediately.
func (m *Manager) switchTo(best *probeResult) {
	m.sendMu.Lock()

	m.shutdownLocked()
	m.conn = best.conn
	m.currentSlot = best.idx
	m.setSocketState(stateLive)
	gen := m.generation

	m.queueMu.Lock()
	pending := m.queue
	m.queue = nil
	m.byHandle = make(map[uint64]*Request)
	m.queueMu.Unlock()

	resendFailed := false
	for _, req := range pending {
		m.queueMu.Lock()
		m.queue = append(m.queue, req)
		m.byHandle[req.Handle] = req
		m.queueMu.Unlock()

		if resendFailed {
			continue
		}
		hdr := wire.RequestHeader{Cmd: wire.CmdGetBlock, Size: req.Size, Offset: req.Offset, Handle: req.Handle}
		buf, err := hdr.Marshal()
		if err == nil {
			_, err = m.conn.Write(buf)
		}
		if err != nil {
			log.Warnf("[CLIENT] resend of request %d failed after switch: %v", req.Handle, err)
			resendFailed = true
		}
	}

	m.wg.Add(1)
	go m.receiveLoop(m.conn, gen)
	m.sendMu.Unlock()

	log.Infof("[CLIENT] switched live connection to %s (slot %d, rtt %s)", best.host, best.idx, best.rtt)
	if resendFailed {
		m.signalPanic()
	}
}

func (m *Manager) sendKeepAlive() {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if m.conn == nil {
		return
	}
	m.conn.SetWriteDeadline(time.Now().Add(keepAliveDeadline))
	hdr := wire.RequestHeader{Cmd: wire.CmdKeepAlive}
	buf, _ := hdr.Marshal()
	if _, err := m.conn.Write(buf); err != nil {
		log.Warnf("[CLIENT] keepalive failed, demoting live socket: %v", err)
		m.shutdownLocked()
		m.signalPanic()
		return
	}
	m.conn.SetWriteDeadline(time.Time{})
}
