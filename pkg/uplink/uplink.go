// Package uplink implements the server-side per-image uplink engine:
// one upstream TCP connection multiplexing many concurrent client read
// requests, coalescing overlapping ranges, persisting payloads into the
// local cache file, and fanning replies back out.
package uplink

import (
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ln-tech/dnbd3/internal/lockorder"
	"github.com/ln-tech/dnbd3/pkg/altserver"
	"github.com/ln-tech/dnbd3/pkg/image"
	"github.com/ln-tech/dnbd3/pkg/integrity"
	"github.com/ln-tech/dnbd3/pkg/wire"
)

const (
	measureTimeout  = 1 * time.Second
	backgroundTick  = 1 * time.Second
	starvingWarning = 10 * time.Second
)

// Uplink owns at most one live upstream connection for one incomplete
// Image. It implements image.UplinkRef so Image can hold a reference to
// it without pkg/image importing this package.
type Uplink struct {
	Image     *image.Image
	AltServer *altserver.Registry
	Integrity *integrity.Checker

	queueMu sync.Mutex
	queue   []*QueuedRequest

	sendMu sync.Mutex
	conn   net.Conn
	host   wire.Host

	measuring int32

	wakeCh     chan struct{}
	repliesCh  chan replyMsg
	shutdownCh chan struct{}
	shutOnce   sync.Once
	wg         sync.WaitGroup

	bytesUp   uint64
	bytesDown uint64
	statsMu   sync.Mutex
}

// New creates an Uplink for img and starts its event loop. Callers need
// not hold img's lock. The event loop reads img.CacheMap and sets
// img.Working directly, without taking img's lock.
func New(img *image.Image, altReg *altserver.Registry, checker *integrity.Checker) *Uplink {
	u := &Uplink{
		Image:      img,
		AltServer:  altReg,
		Integrity:  checker,
		wakeCh:     make(chan struct{}, 1),
		repliesCh:  make(chan replyMsg, 32),
		shutdownCh: make(chan struct{}),
	}
	u.wg.Add(1)
	go u.run()
	return u
}

func (u *Uplink) wake() {
	select {
	case u.wakeCh <- struct{}{}:
	default:
	}
}

// Request multiplexes a client's [offset, offset+length) read onto the
// uplink. An existing New/Pending entry that already covers the range
// causes this request to attach (inserted after the subsumer, so it is
// serviced in the same fan-out pass); otherwise a fresh New entry is
// queued and the event loop is woken. hops is the request's incoming
// hop count (0 for a direct client, >0 if this server is itself being
// proxied through); it is advanced via wire.NextHop before being
// forwarded upstream, so a cycle through a chain of alt-servers is
// rejected instead of looping forever.
func (u *Uplink) Request(clientID, handle, offset uint64, length uint32, hops uint8, send func([]byte, error)) error {
	if err := wire.CheckAligned(offset, length); err != nil {
		return ErrMisaligned
	}
	from := int64(offset)
	to := from + int64(length)

	lockorder.Enter(lockorder.UplinkLock)
	defer lockorder.Exit(lockorder.UplinkLock)
	u.queueMu.Lock()
	defer u.queueMu.Unlock()

	for i, q := range u.queue {
		if (q.State == stateNew || q.State == statePending) && from >= q.From && to <= q.To {
			if len(u.queue) >= QueueCapacity {
				return ErrQueueFull
			}
			attached := &QueuedRequest{From: from, To: to, ClientID: clientID, Handle: handle, Hops: hops, Send: send, State: statePending, EnqueuedAt: time.Now()}
			u.queue = append(u.queue, nil)
			copy(u.queue[i+2:], u.queue[i+1:])
			u.queue[i+1] = attached
			return nil
		}
	}

	for i, q := range u.queue {
		if q.free() {
			u.queue[i] = &QueuedRequest{From: from, To: to, ClientID: clientID, Handle: handle, Hops: hops, Send: send, State: stateNew, EnqueuedAt: time.Now()}
			u.wake()
			return nil
		}
	}
	if len(u.queue) >= QueueCapacity {
		return ErrQueueFull
	}
	u.queue = append(u.queue, &QueuedRequest{From: from, To: to, ClientID: clientID, Handle: handle, Hops: hops, Send: send, State: stateNew, EnqueuedAt: time.Now()})
	u.wake()
	return nil
}

// RemoveClient drops every queued entry belonging to clientID, e.g. on
// client disconnect.
func (u *Uplink) RemoveClient(clientID uint64) {
	u.queueMu.Lock()
	defer u.queueMu.Unlock()
	for _, q := range u.queue {
		if !q.free() && q.ClientID == clientID {
			*q = QueuedRequest{}
		}
	}
	u.compactLocked()
}

// compactLocked drops a trailing run of Free entries. Caller holds queueMu.
func (u *Uplink) compactLocked() {
	n := len(u.queue)
	for n > 0 && u.queue[n-1].free() {
		n--
	}
	u.queue = u.queue[:n]
}

// Shutdown stops the event loop and closes the upstream connection, if
// any. Implements image.UplinkRef.
func (u *Uplink) Shutdown() {
	u.shutOnce.Do(func() { close(u.shutdownCh) })
	u.wg.Wait()
}

// Stats reports cumulative byte counters, supplementing the distilled
// spec from original_source's uplink byte counters used by its status
// endpoint.
type Stats struct {
	BytesUp   uint64
	BytesDown uint64
	QueueLen  int
	Connected bool
}

func (u *Uplink) Stats() Stats {
	u.statsMu.Lock()
	up, down := u.bytesUp, u.bytesDown
	u.statsMu.Unlock()

	u.sendMu.Lock()
	connected := u.conn != nil
	u.sendMu.Unlock()

	u.queueMu.Lock()
	qlen := len(u.queue)
	u.queueMu.Unlock()

	return Stats{BytesUp: up, BytesDown: down, QueueLen: qlen, Connected: connected}
}
