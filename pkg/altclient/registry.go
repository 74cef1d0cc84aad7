// Package altclient implements the client-side AltServer registry: a
// fixed 16-slot set of candidate peers with RTT history, fail counters,
// and the active/inactive sort policy that the ConnectionManager drives
// its probing from.
package altclient

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ln-tech/dnbd3/pkg/wire"
)

const (
	// MaxServers is the fixed size of the client-side alt-server array.
	MaxServers = 16
	// ActiveSlots is how many leading slots are probed in normal mode;
	// slots beyond this are "inactive" and considered only during
	// panic/probing sweeps and the periodic sort.
	ActiveSlots = 5
	// RTTHistorySize is the depth of the circular RTT sample ring.
	RTTHistorySize = 4
	// BackoffThreshold is the fail count beyond which an active slot is
	// considered a backoff candidate for demotion during Sort.
	BackoffThreshold = 8
	// MaxBestCount saturates Server.BestCount.
	MaxBestCount = 50
	// unreachableRTT marks a ring sample as "no answer" for display and
	// for the swap-reset behaviour of Sort.
	unreachableRTT = -1 * time.Microsecond
)

// Server is one client-side AltServer slot.
type Server struct {
	Host             wire.Host
	ConsecutiveFails int

	rttRing  [RTTHistorySize]time.Duration
	rttIndex int
	Rtt      time.Duration // smoothed probe RTT

	BestCount int           // saturates at MaxBestCount
	LiveRtt   time.Duration // EWMA derived from real traffic

	inUse bool
}

// RecordProbeRTT folds a fresh probe sample into the ring and recomputes
// the smoothed Rtt as spec.md §4.3 describes: the mean of the ring plus
// LiveRtt when it is nonzero, divided by (RTTHistorySize + 1) in that
// case or RTTHistorySize otherwise.
func (s *Server) RecordProbeRTT(sample time.Duration) {
	s.rttRing[s.rttIndex] = sample
	s.rttIndex = (s.rttIndex + 1) % RTTHistorySize
	var sum time.Duration
	for _, v := range s.rttRing {
		if v > 0 {
			sum += v
		}
	}
	denom := RTTHistorySize
	if s.LiveRtt != 0 {
		sum += s.LiveRtt
		denom = RTTHistorySize + 1
	}
	s.Rtt = sum / time.Duration(denom)
}

// MarkUnreachable resets the RTT ring to the "unreachable" sentinel,
// used when Sort demotes or promotes a slot.
func (s *Server) MarkUnreachable() {
	for i := range s.rttRing {
		s.rttRing[i] = unreachableRTT
	}
	s.Rtt = 0
}

// RecordLiveRTT folds a sample observed from ordinary GET_BLOCK traffic
// into LiveRtt using EWMA (3*old + sample) / 4, ignoring stale samples
// older than 30s (caller filters before calling this).
func (s *Server) RecordLiveRTT(sample time.Duration) {
	if s.LiveRtt == 0 {
		s.LiveRtt = sample
		return
	}
	s.LiveRtt = (3*s.LiveRtt + sample) / 4
}

// BumpBestCount adds delta, saturating at [0, MaxBestCount].
func (s *Server) BumpBestCount(delta int) {
	s.BestCount += delta
	if s.BestCount > MaxBestCount {
		s.BestCount = MaxBestCount
	}
	if s.BestCount < 0 {
		s.BestCount = 0
	}
}

// Registry holds the fixed array of client-side alt-servers plus the
// alt-lock guarding it. Readers (probers, stat printers) take RLock;
// writers (sort/merge/replace) take Lock. No blocking I/O happens while
// the write lock is held.
type Registry struct {
	mu      sync.RWMutex
	servers [MaxServers]Server
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add inserts a host into the first free slot, rejecting an exact
// duplicate (matched by SameAddress+port). Returns false if the
// registry is full.
func (r *Registry) Add(host wire.Host) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.servers {
		if r.servers[i].inUse && r.servers[i].Host.Equal(host) {
			return true
		}
	}
	for i := range r.servers {
		if !r.servers[i].inUse {
			r.servers[i] = Server{Host: host, inUse: true}
			return true
		}
	}
	return false
}

// MergeLearned admits hosts learned via GET_SERVERS. Per spec.md §9
// (open question), a GET_SERVERS list is advisory: learned hosts go
// through the exact same Add path as manually configured ones.
func (r *Registry) MergeLearned(hosts []wire.Host) {
	for _, h := range hosts {
		if !r.Add(h) {
			log.Debugf("[ALTCLIENT] registry full, dropping learned host %s", h)
			return
		}
	}
}

// Slot returns a copy of slot i (0-15) and whether it is in use.
func (r *Registry) Slot(i int) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.servers[i], r.servers[i].inUse
}

// Update applies fn to slot i under the write lock.
func (r *Registry) Update(i int, fn func(*Server)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.servers[i])
}

// Active returns a snapshot of the first ActiveSlots in-use servers.
func (r *Registry) Active() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Server
	for i := 0; i < ActiveSlots; i++ {
		if r.servers[i].inUse {
			out = append(out, r.servers[i])
		}
	}
	return out
}

// All returns a snapshot of every in-use slot (0-15), used by panic-mode
// probing sweeps.
func (r *Registry) All() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Server
	for i := range r.servers {
		if r.servers[i].inUse {
			out = append(out, r.servers[i])
		}
	}
	return out
}

// Sort implements spec.md §4.3's sort policy: for each inactive
// (index >= ActiveSlots) slot whose server is known-good (fails == 0),
// find the first active slot whose fail count exceeds BackoffThreshold
// and swap them. Both swapped entries have their RTT ring reset to
// "unreachable"; the demoted former-active entry is penalised with
// fails = 4*BackoffThreshold to prevent ping-pong.
func (r *Registry) Sort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := ActiveSlots; i < MaxServers; i++ {
		if !r.servers[i].inUse || r.servers[i].ConsecutiveFails != 0 {
			continue
		}
		for j := 0; j < ActiveSlots; j++ {
			if !r.servers[j].inUse || r.servers[j].ConsecutiveFails <= BackoffThreshold {
				continue
			}
			log.Debugf("[ALTCLIENT] promoting %s (slot %d) over %s (slot %d)",
				r.servers[i].Host, i, r.servers[j].Host, j)
			r.servers[i], r.servers[j] = r.servers[j], r.servers[i]
			r.servers[i].MarkUnreachable()
			r.servers[j].MarkUnreachable()
			r.servers[i].ConsecutiveFails = 4 * BackoffThreshold
			break
		}
	}
}
