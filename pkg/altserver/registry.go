// Package altserver implements the server-side AltServer registry: up to
// eight configured peers with RTT history and fail tracking, used both to
// advertise candidates to clients and to pick uplinks for proxied images.
package altserver

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ln-tech/dnbd3/pkg/wire"
)

const (
	// MaxServers is the fixed size of the server-side alt-server array.
	MaxServers = 8
	// RTTHistorySize is the depth of the circular RTT sample ring.
	RTTHistorySize = 5
	// FailGuardInterval suppresses correlated fail increments across
	// many images sharing one uplink: a ServerFailed call arriving
	// sooner than this after the previous one is ignored.
	FailGuardInterval = 2 * time.Second
	// FailPenalty is added to numFails on a genuine ServerFailed.
	FailPenalty = 5
	// FailCooldown is how long a failed uplink candidate must sit
	// before GetListForUplink's second pass will consider it again.
	FailCooldown = 60 * time.Second
)

// Server is one server-side AltServer slot.
type Server struct {
	Host         wire.Host
	Comment      string
	IsPrivate    bool // never advertised to clients
	IsClientOnly bool // never used as an uplink

	rttRing  [RTTHistorySize]time.Duration
	rttIndex int
	numFails int
	lastFail time.Time

	inUse bool
}

// Rtt returns the arithmetic mean of the RTT ring.
func (s *Server) Rtt() time.Duration {
	var sum time.Duration
	n := 0
	for _, v := range s.rttRing {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// RecordRTT folds a fresh sample into the ring and decrements the fail
// counter (floor 0) on every successful measurement.
func (s *Server) RecordRTT(sample time.Duration) {
	s.rttRing[s.rttIndex] = sample
	s.rttIndex = (s.rttIndex + 1) % RTTHistorySize
	if s.numFails > 0 {
		s.numFails--
	}
}

// Registry is the fixed array of server-side alt-servers.
type Registry struct {
	mu      sync.RWMutex
	servers [MaxServers]Server
	self    wire.Host // this server's own host, for self-exclusion
}

func NewRegistry(self wire.Host) *Registry {
	return &Registry{self: self}
}

// Add inserts a configured peer, rejecting exact host+port duplicates.
func (r *Registry) Add(host wire.Host, comment string, isPrivate, isClientOnly bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.servers {
		if r.servers[i].inUse && r.servers[i].Host.Equal(host) {
			return true
		}
	}
	for i := range r.servers {
		if !r.servers[i].inUse {
			r.servers[i] = Server{Host: host, Comment: comment, IsPrivate: isPrivate, IsClientOnly: isClientOnly, inUse: true}
			return true
		}
	}
	return false
}

// RecordRTT updates the slot matching host, if any.
func (r *Registry) RecordRTT(host wire.Host, sample time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.servers {
		if r.servers[i].inUse && r.servers[i].Host.Equal(host) {
			r.servers[i].RecordRTT(sample)
			return
		}
	}
}

// ServerFailed registers a failure against host, subject to
// FailGuardInterval de-duplication, then rotates it to the back of the
// list so repeatedly-failing peers are tried last.
func (r *Registry) ServerFailed(host wire.Host, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := -1
	for i := range r.servers {
		if r.servers[i].inUse && r.servers[i].Host.Equal(host) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	if !r.servers[idx].lastFail.IsZero() && now.Sub(r.servers[idx].lastFail) < FailGuardInterval {
		return
	}
	r.servers[idx].numFails += FailPenalty
	r.servers[idx].lastFail = now
	r.rotateToBack(idx)
}

// rotateToBack moves the slot at idx to the last in-use position,
// shifting the others up. Caller must hold the write lock.
func (r *Registry) rotateToBack(idx int) {
	last := idx
	for i := idx + 1; i < MaxServers && r.servers[i].inUse; i++ {
		last = i
	}
	failing := r.servers[idx]
	copy(r.servers[idx:last], r.servers[idx+1:last+1])
	r.servers[last] = failing
}

// NetCloseness counts matching nibbles from the most significant end of
// two addresses. Mixed families return 0 ("far"). Two addresses of the
// same family that are bit-for-bit identical score two per byte (one per
// nibble), so the maximum score for IPv4 (4 bytes) is 8 and for IPv6
// (16 bytes) is 32.
func NetCloseness(a, b wire.Host) int {
	if a.Family != b.Family || a.Family == wire.FamilyNone {
		return 0
	}
	n := 4
	if a.Family == wire.FamilyIPv6 {
		n = 16
	}
	closeness := 0
	for i := 0; i < n; i++ {
		hi := a.Addr[i] >> 4
		lo := a.Addr[i] & 0xF
		bhi := b.Addr[i] >> 4
		blo := b.Addr[i] & 0xF
		if hi != bhi {
			break
		}
		closeness++
		if lo != blo {
			break
		}
		closeness++
	}
	return closeness
}

// GetListForClient returns up to n public servers, ranked by
// NetCloseness(from, candidate) minus the candidate's fail count,
// highest first. Cross-family entries are heavily penalised by
// NetCloseness already returning 0 for them.
func (r *Registry) GetListForClient(from wire.Host, n int) []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	type scored struct {
		s     Server
		score int
	}
	var candidates []scored
	for _, s := range r.servers {
		if !s.inUse || s.IsPrivate {
			continue
		}
		candidates = append(candidates, scored{s: s, score: NetCloseness(from, s.Host) - s.numFails})
	}
	sortByScoreDesc(candidates, func(c scored) int { return c.score })
	out := make([]Server, 0, n)
	for i := 0; i < len(candidates) && i < n; i++ {
		out = append(out, candidates[i].s)
	}
	return out
}

// GetListForUplink returns up to n usable uplink candidates, excluding
// IsClientOnly and the registry's own host. Pass one: zero-fail
// servers. Pass two (only if the first pass came up short, or if
// emergency is set): servers whose last failure is older than
// FailCooldown.
func (r *Registry) GetListForUplink(n int, emergency bool, now time.Time) []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Server
	for _, s := range r.servers {
		if len(out) >= n {
			return out
		}
		if !s.inUse || s.IsClientOnly || s.Host.SameAddress(r.self) {
			continue
		}
		if s.numFails == 0 {
			out = append(out, s)
		}
	}
	if len(out) >= n && !emergency {
		return out
	}
	for _, s := range r.servers {
		if len(out) >= n {
			break
		}
		if !s.inUse || s.IsClientOnly || s.Host.SameAddress(r.self) || s.numFails == 0 {
			continue
		}
		if emergency || now.Sub(s.lastFail) > FailCooldown {
			out = append(out, s)
		}
	}
	return out
}

func sortByScoreDesc[T any](s []T, key func(T) int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && key(s[j]) > key(s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// ParseLine decodes one line of an alt-servers file:
// "[-|+]host[:port] [comment]". Leading '-' marks the entry private
// (never advertised to clients); leading '+' marks it client-only
// (never used as an uplink).
func ParseLine(line string) (host wire.Host, comment string, isPrivate, isClientOnly bool, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return wire.Host{}, "", false, false, false
	}
	switch line[0] {
	case '-':
		isPrivate = true
		line = line[1:]
	case '+':
		isClientOnly = true
		line = line[1:]
	}
	fields := strings.SplitN(line, " ", 2)
	hostPort := fields[0]
	if len(fields) == 2 {
		comment = strings.TrimSpace(fields[1])
	}
	h, p, err := net.SplitHostPort(hostPort)
	var port uint16 = 5003
	if err == nil {
		parsed, perr := strconv.ParseUint(p, 10, 16)
		if perr != nil {
			return wire.Host{}, "", false, false, false
		}
		port = uint16(parsed)
	} else {
		h = hostPort
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return wire.Host{}, "", false, false, false
	}
	var w wire.Host
	if ip4 := ip.To4(); ip4 != nil {
		w.Family = wire.FamilyIPv4
		copy(w.Addr[:4], ip4)
	} else {
		w.Family = wire.FamilyIPv6
		copy(w.Addr[:], ip.To16())
	}
	w.Port = port
	return w, comment, isPrivate, isClientOnly, true
}

// LoadFile reads an alt-servers file and adds every valid line to the
// registry, skipping malformed lines with a warning.
func (r *Registry) LoadFile(rd io.Reader) error {
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		host, comment, isPrivate, isClientOnly, ok := ParseLine(scanner.Text())
		if !ok {
			if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
				log.Warnf("[ALTSERVER] skipping malformed alt-servers line %q", line)
			}
			continue
		}
		if !r.Add(host, comment, isPrivate, isClientOnly) {
			log.Warnf("[ALTSERVER] registry full, dropping configured peer %s", host)
		}
	}
	return scanner.Err()
}
