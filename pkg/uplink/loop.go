package uplink

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ln-tech/dnbd3/internal/crc32block"
	"github.com/ln-tech/dnbd3/pkg/altserver"
	"github.com/ln-tech/dnbd3/pkg/wire"
)

// run is the per-image uplink event loop: a single goroutine driven by
// three signals (wakeCh for new queue work, repliesCh for upstream
// traffic decoded by the reader goroutine, and a periodic tick), the Go
// channel-select analogue of the eventfd/socket/timer triple described
// in spec.md §4.4.
func (u *Uplink) run() {
	defer u.wg.Done()

	ticker := time.NewTicker(backgroundTick)
	defer ticker.Stop()

	for {
		select {
		case <-u.shutdownCh:
			u.sendMu.Lock()
			if u.conn != nil {
				u.conn.Close()
				u.conn = nil
			}
			u.sendMu.Unlock()
			return

		case <-u.wakeCh:
			u.flushNew()

		case msg := <-u.repliesCh:
			if msg.err != nil {
				u.onUpstreamError(msg.err)
				continue
			}
			u.onUpstreamReply(msg)

		case <-ticker.C:
			u.warnStarving()
			u.maybeMeasure()
		}
	}
}

// flushNew marshals every New queue entry into a GET_BLOCK header
// (Handle set to the range's starting offset, recovered by the reader
// on reply) and transitions it to Pending. Marshalling and the write
// happen under sendMu, released before any blocking read (send-mutex
// is never held across a read, per spec.md §5).
func (u *Uplink) flushNew() {
	u.sendMu.Lock()
	conn := u.conn
	u.sendMu.Unlock()
	if conn == nil {
		return
	}

	u.queueMu.Lock()
	var toSend []*QueuedRequest
	var rejected []QueuedRequest
	for _, q := range u.queue {
		if q.State != stateNew {
			continue
		}
		if _, err := wire.NextHop(q.Hops); err != nil {
			rejected = append(rejected, *q)
			*q = QueuedRequest{}
			continue
		}
		toSend = append(toSend, q)
	}
	if len(rejected) > 0 {
		u.compactLocked()
	}
	u.queueMu.Unlock()

	for _, q := range rejected {
		log.Warnf("[UPLINK] %s: dropping request [%d,%d), hop limit exceeded", u.Image.Path, q.From, q.To)
		q.Send(nil, wire.ErrTooManyHops)
	}
	if len(toSend) == 0 {
		return
	}

	u.sendMu.Lock()
	defer u.sendMu.Unlock()
	if u.conn != conn {
		return // a switch/close raced us; the new connection will be flushed by its own wake
	}
	for _, q := range toSend {
		nextHop, _ := wire.NextHop(q.Hops)
		hdr := wire.RequestHeader{Cmd: wire.CmdGetBlock, Size: uint32(q.To - q.From), Hops: nextHop, Offset: uint64(q.From), Handle: uint64(q.From)}
		buf, err := hdr.Marshal()
		if err == nil {
			_, err = u.conn.Write(buf)
		}
		if err != nil {
			log.Warnf("[UPLINK] %s: write to upstream failed: %v", u.Image.Path, err)
			u.conn.Close()
			u.conn = nil
			u.requestMeasurement()
			return
		}
		u.statsMu.Lock()
		u.bytesUp += uint64(wire.RequestHeaderSize)
		u.statsMu.Unlock()
		q.State = statePending
	}
}

// onUpstreamReply persists the payload, updates the cache map, signals
// the integrity checker for any hash-block that just became complete,
// and fans the bytes out to every Pending entry the reply covers.
func (u *Uplink) onUpstreamReply(msg replyMsg) {
	if err := u.Image.WriteAt(msg.data, msg.offset); err != nil {
		log.Errorf("[UPLINK] %s: cache write failed: %v", u.Image.Path, err)
		return
	}
	u.statsMu.Lock()
	u.bytesDown += uint64(msg.size)
	u.statsMu.Unlock()

	firstHB := int(msg.offset / crc32block.HashBlockSize)
	lastHB := int((msg.offset + int64(msg.size) - 1) / crc32block.HashBlockSize)
	for hb := firstHB; hb <= lastHB; hb++ {
		if u.Image.CacheMap != nil && u.Image.CacheMap.IsHashBlockComplete(hb) {
			u.Integrity.Enqueue(u.Image, hb)
		}
	}

	to := msg.offset + int64(msg.size)
	u.queueMu.Lock()
	var satisfied []*QueuedRequest
	for _, q := range u.queue {
		if q.State == statePending && q.From >= msg.offset && q.To <= to {
			q.State = stateProcessing
			satisfied = append(satisfied, q)
		}
	}
	u.queueMu.Unlock()

	for _, q := range satisfied {
		q.Send(msg.data[q.From-msg.offset:q.To-msg.offset], nil)
	}

	u.queueMu.Lock()
	for _, q := range satisfied {
		*q = QueuedRequest{}
	}
	u.compactLocked()
	u.queueMu.Unlock()

	if u.Image.Complete() {
		return
	}
	if u.Image.CacheMap != nil && u.Image.CacheMap.Complete() {
		if err := u.Image.MarkComplete(); err != nil {
			log.Errorf("[UPLINK] %s: mark complete failed: %v", u.Image.Path, err)
		}
	}
}

// onUpstreamError handles upstream disconnect or a fatal protocol
// error: close the socket, ask for a fresh RTT measurement, and leave
// every Pending entry queued for retry on the replacement connection.
func (u *Uplink) onUpstreamError(err error) {
	log.Warnf("[UPLINK] %s: upstream connection lost: %v", u.Image.Path, err)
	u.sendMu.Lock()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
	u.sendMu.Unlock()

	u.queueMu.Lock()
	for _, q := range u.queue {
		if q.State == statePending {
			q.State = stateNew
		}
	}
	u.queueMu.Unlock()

	u.requestMeasurement()
}

func (u *Uplink) warnStarving() {
	now := time.Now()
	u.queueMu.Lock()
	defer u.queueMu.Unlock()
	for _, q := range u.queue {
		if !q.free() && now.Sub(q.EnqueuedAt) > starvingWarning {
			log.Warnf("[UPLINK] %s: request [%d,%d) has been pending for %s", u.Image.Path, q.From, q.To, now.Sub(q.EnqueuedAt))
		}
	}
}

func (u *Uplink) requestMeasurement() {
	u.maybeMeasure()
}

// maybeMeasure starts (at most one concurrent) attempt to acquire a new
// upstream connection when none is live. On success it adopts the
// connection, re-sends every Pending entry (now back in New, having
// been reset by onUpstreamError, or first-ever New entries), and marks
// the image Working.
func (u *Uplink) maybeMeasure() {
	u.sendMu.Lock()
	hasConn := u.conn != nil
	u.sendMu.Unlock()
	if hasConn {
		return
	}
	if !atomic.CompareAndSwapInt32(&u.measuring, 0, 1) {
		return
	}

	go func() {
		defer atomic.StoreInt32(&u.measuring, 0)
		conn, host, err := u.dialBestUplink()
		if err != nil {
			log.Debugf("[UPLINK] %s: no uplink candidate reachable: %v", u.Image.Path, err)
			return
		}

		u.sendMu.Lock()
		if u.conn != nil {
			// Lost the race against another measurement; keep the
			// existing connection and drop the new one.
			u.sendMu.Unlock()
			conn.Close()
			return
		}
		u.conn = conn
		u.host = host
		u.sendMu.Unlock()

		u.Image.Working = true
		log.Infof("[UPLINK] %s: connected upstream to %s", u.Image.Path, host)

		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			readerLoop(conn, u.repliesCh, u.shutdownCh)
		}()

		u.wake()
	}()
}

// dialBestUplink asks the server-side AltServer registry for uplink
// candidates and races a connect+handshake against each, returning the
// first to succeed.
func (u *Uplink) dialBestUplink() (net.Conn, wire.Host, error) {
	candidates := u.AltServer.GetListForUplink(altserver.MaxServers, false, time.Now())
	if len(candidates) == 0 {
		return nil, wire.Host{}, ErrNoCandidates
	}

	type result struct {
		conn net.Conn
		host wire.Host
	}
	results := make(chan result)
	ctx, cancel := context.WithTimeout(context.Background(), measureTimeout)
	defer cancel()

	// results is unbuffered: the first successful dialer's send is
	// received below and cancel() fires immediately, so every other
	// goroutine's send blocks until it observes ctx.Done() and closes its
	// own conn instead of leaking it. g.Wait (in the background goroutine
	// below) only then lets every dial attempt finish.
	var g errgroup.Group
	for _, c := range candidates {
		host := c.Host
		g.Go(func() error {
			start := time.Now()
			dialer := net.Dialer{Timeout: measureTimeout}
			conn, err := dialer.DialContext(ctx, "tcp", host.String())
			if err != nil {
				u.AltServer.ServerFailed(host, time.Now())
				return nil
			}
			if err := uplinkHandshake(conn, u.Image.Name, u.Image.Rid); err != nil {
				u.AltServer.ServerFailed(host, time.Now())
				conn.Close()
				return nil
			}
			u.AltServer.RecordRTT(host, time.Since(start))
			select {
			case results <- result{conn: conn, host: host}:
			case <-ctx.Done():
				conn.Close()
			}
			return nil
		})
	}

	go func() {
		g.Wait()
		cancel()
	}()

	select {
	case r := <-results:
		cancel()
		return r.conn, r.host, nil
	case <-ctx.Done():
		return nil, wire.Host{}, ErrNoCandidates
	}
}

func uplinkHandshake(conn net.Conn, name string, rid uint16) error {
	req := wire.SelectImageRequest{Flags: wire.FlagServer, Name: name, RequestedRid: rid}
	payload, err := req.Marshal()
	if err != nil {
		return err
	}
	hdr := wire.RequestHeader{Cmd: wire.CmdSelectImage, Size: uint32(len(payload))}
	hdrBuf, err := hdr.Marshal()
	if err != nil {
		return err
	}
	if _, err := conn.Write(hdrBuf); err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return err
	}

	replyHdrBuf := make([]byte, wire.ReplyHeaderSize)
	if _, err := io.ReadFull(conn, replyHdrBuf); err != nil {
		return err
	}
	replyHdr, err := wire.UnmarshalReplyHeader(replyHdrBuf)
	if err != nil {
		return err
	}
	replyBuf := make([]byte, replyHdr.Size)
	_, err = io.ReadFull(conn, replyBuf)
	return err
}
