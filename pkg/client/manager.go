// Package client implements the multi-homed ConnectionManager: a single
// live connection to one of many candidate servers, a request queue
// that survives switches, and a background loop that keeps the live
// connection on the lowest-RTT healthy peer.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ln-tech/dnbd3/pkg/altclient"
	"github.com/ln-tech/dnbd3/pkg/sockpool"
	"github.com/ln-tech/dnbd3/pkg/wire"
)

const (
	defaultPort = 5003

	bootstrapPerTarget = 1000 * time.Millisecond
	bootstrapOverall   = 5 * time.Second
	fastPerTarget      = 100 * time.Millisecond
	fastOverall        = 1 * time.Second
	drainPerTarget     = 400 * time.Millisecond
	drainOverall       = 3 * time.Second

	keepAliveInterval = 10 * time.Second
	keepAliveDeadline = 2 * time.Second
	backgroundTick    = 1 * time.Second
)

// Manager is the client-side ConnectionManager, created by Init and
// living for the process (or until Close).
type Manager struct {
	Registry *altclient.Registry

	ImageName    string
	RequestedRid uint16
	Rid          uint16
	Size         uint64

	learnNew bool
	family   wire.Family

	sendMu      sync.Mutex
	conn        net.Conn
	state       int32 // atomic socketState
	currentSlot int
	generation  uint64

	queueMu  sync.Mutex
	queue    []*Request
	byHandle map[uint64]*Request

	nextHandle uint64

	newServersMu sync.Mutex
	newServers   []wire.Host

	panicCh  chan struct{}
	panicSet int32

	started  bool
	closeCh  chan struct{}
	closeOne sync.Once
	wg       sync.WaitGroup
}

// New creates a Manager bound to the given alt-server registry.
func New(registry *altclient.Registry) *Manager {
	return &Manager{
		Registry:    registry,
		byHandle:    make(map[uint64]*Request),
		panicCh:     make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
		currentSlot: -1,
	}
}

func (m *Manager) socketState() socketState {
	return socketState(atomic.LoadInt32(&m.state))
}

func (m *Manager) setSocketState(s socketState) {
	atomic.StoreInt32(&m.state, int32(s))
}

// Init resolves each host string (host or host:port, default port 5003)
// to up to two AltServer slots (its first two resolved addresses), then
// races connects against the resulting candidate list: a 100ms/1s fast
// pass first, and if every candidate fails a slower 400ms/3s drain pass
// to catch late arrivals. On success it performs the SELECT_IMAGE
// handshake and records the image's negotiated geometry.
func (m *Manager) Init(ctx context.Context, hostStrs []string, imageName string, rid uint16, learnNew bool) (bool, error) {
	m.ImageName = imageName
	m.RequestedRid = rid
	m.learnNew = learnNew

	if err := m.resolveHosts(ctx, hostStrs); err != nil {
		return false, err
	}

	servers := m.Registry.All()
	if len(servers) == 0 {
		return false, ErrNoServerReachable
	}
	candidates := make([]wire.Host, len(servers))
	for i, s := range servers {
		candidates[i] = s.Host
	}

	fast := sockpool.New(fastPerTarget, fastOverall)
	res, err := fast.Dial(ctx, candidates)
	if err != nil {
		log.Debugf("[CLIENT] fast connect pass failed (%v), draining with longer budget", err)
		slow := sockpool.New(drainPerTarget, drainOverall)
		res, err = slow.Dial(ctx, candidates)
		if err != nil {
			return false, ErrNoServerReachable
		}
	}

	if err := m.handshake(res.Conn); err != nil {
		res.Conn.Close()
		return false, err
	}

	m.conn = res.Conn
	m.family = res.Host.Family
	m.currentSlot = m.slotForHost(res.Host)
	m.setSocketState(stateLive)
	log.Infof("[CLIENT] connected to %s, image %q rid %d size %d", res.Host, m.ImageName, m.Rid, m.Size)
	return true, nil
}

func (m *Manager) resolveHosts(ctx context.Context, hostStrs []string) error {
	for _, hs := range hostStrs {
		hostPart, portPart, err := net.SplitHostPort(hs)
		port := defaultPort
		if err != nil {
			hostPart = hs
		} else if p, perr := parsePort(portPart); perr == nil {
			port = p
		}

		ips, err := net.DefaultResolver.LookupIPAddr(ctx, hostPart)
		if err != nil {
			log.Warnf("[CLIENT] could not resolve %q: %v", hs, err)
			continue
		}
		added := 0
		for _, ip := range ips {
			if added >= 2 {
				break
			}
			addr := &net.TCPAddr{IP: ip.IP, Port: port}
			if !m.Registry.Add(wire.HostFromTCPAddr(addr)) {
				log.Warnf("[CLIENT] alt-server registry full, dropping %s", addr)
				break
			}
			added++
		}
	}
	if len(m.Registry.All()) == 0 {
		return ErrNoServerReachable
	}
	return nil
}

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	return p, err
}

func (m *Manager) slotForHost(h wire.Host) int {
	for i := 0; i < altclient.MaxServers; i++ {
		if slot, ok := m.Registry.Slot(i); ok && slot.Host.Equal(h) {
			return i
		}
	}
	return -1
}

func (m *Manager) handshake(conn net.Conn) error {
	req := wire.SelectImageRequest{Name: m.ImageName, RequestedRid: m.RequestedRid}
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
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	replyHdrBuf := make([]byte, wire.ReplyHeaderSize)
	if _, err := io.ReadFull(conn, replyHdrBuf); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	replyHdr, err := wire.UnmarshalReplyHeader(replyHdrBuf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if replyHdr.Cmd == wire.CmdError {
		return fmt.Errorf("%w: server returned error", ErrImageUnavailable)
	}
	replyBuf := make([]byte, replyHdr.Size)
	if _, err := io.ReadFull(conn, replyBuf); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	reply, err := wire.UnmarshalSelectImageReply(replyBuf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if reply.ProtocolVersion < wire.MinProtocolVersion {
		return fmt.Errorf("%w: protocol version %d too old", ErrImageUnavailable, reply.ProtocolVersion)
	}
	if m.RequestedRid != 0 && reply.Rid != m.RequestedRid {
		return fmt.Errorf("%w: requested rid %d, server offered %d", ErrImageUnavailable, m.RequestedRid, reply.Rid)
	}

	m.ImageName = reply.Name
	m.Rid = reply.Rid
	m.Size = reply.Size
	return nil
}

// InitThreads spawns the receive goroutine (owns the live socket for
// reading) and the background goroutine (probing, keepalive, switching).
// It fails if called twice or without a live socket from Init.
func (m *Manager) InitThreads() error {
	if m.started {
		return ErrAlreadyStarted
	}
	if m.socketState() != stateLive {
		return ErrNotConnected
	}
	m.started = true

	m.wg.Add(2)
	gen := m.generation
	conn := m.conn
	go m.receiveLoop(conn, gen)
	go m.backgroundLoop()
	return nil
}

// Read enqueues an async block request. The caller supplies a
// completion callback invoked exactly once with either the payload or
// an error. Read always returns true once the request is durably
// queued — including when the immediate write fails, since the request
// will be retried after the next switch.
func (m *Manager) Read(offset uint64, size uint32, mode Mode, callback func([]byte, error)) (bool, error) {
	if err := wire.CheckAligned(offset, size); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMisaligned, err)
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	handle := atomic.AddUint64(&m.nextHandle, 1)
	req := &Request{Offset: offset, Size: size, Handle: handle, Mode: mode, EnqueuedAt: time.Now(), Callback: callback}

	m.queueMu.Lock()
	m.queue = append(m.queue, req)
	m.byHandle[handle] = req
	m.queueMu.Unlock()

	if m.socketState() != stateLive || m.conn == nil {
		return true, nil
	}

	hdr := wire.RequestHeader{Cmd: wire.CmdGetBlock, Size: size, Offset: offset, Handle: handle}
	buf, err := hdr.Marshal()
	if err == nil {
		_, err = m.conn.Write(buf)
	}
	if err != nil {
		log.Warnf("[CLIENT] write failed on live socket, request %d stays queued: %v", handle, err)
		m.shutdownLocked()
		m.signalPanic()
	}
	return true, nil
}

// Close shuts down the live socket and stops the background/receive
// goroutines.
func (m *Manager) Close() {
	m.closeOne.Do(func() { close(m.closeCh) })
	m.sendMu.Lock()
	m.shutdownLocked()
	m.sendMu.Unlock()
	m.wg.Wait()
}

// shutdownLocked transitions Live -> Shutting -> Gone. Caller must hold
// sendMu.
func (m *Manager) shutdownLocked() {
	if m.conn == nil {
		return
	}
	m.setSocketState(stateShutting)
	m.conn.Close()
	m.conn = nil
	m.generation++
	m.setSocketState(stateGone)
}

func (m *Manager) signalPanic() {
	if atomic.CompareAndSwapInt32(&m.panicSet, 0, 1) {
		select {
		case m.panicCh <- struct{}{}:
		default:
		}
	}
}

// GetImageSize returns the negotiated image size in bytes.
func (m *Manager) GetImageSize() uint64 {
	return m.Size
}
