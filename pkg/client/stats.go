package client

import "fmt"

// Stats is a point-in-time snapshot suitable for a status endpoint.
type Stats struct {
	ImageName     string
	Rid           uint16
	Size          uint64
	State         string
	CurrentSlot   int
	PendingReads  int
	KnownServers  int
}

// Stats gathers a snapshot of the manager's current state.
func (m *Manager) Stats() Stats {
	m.queueMu.Lock()
	pending := len(m.queue)
	m.queueMu.Unlock()

	return Stats{
		ImageName:    m.ImageName,
		Rid:          m.Rid,
		Size:         m.Size,
		State:        m.socketState().String(),
		CurrentSlot:  m.currentSlot,
		PendingReads: pending,
		KnownServers: len(m.Registry.All()),
	}
}

// String renders Stats as a human-readable line, mirroring the
// spec's printStats(buf, len) -> usize external interface.
func (s Stats) String() string {
	return fmt.Sprintf("image=%s rid=%d size=%d state=%s slot=%d pending=%d servers=%d",
		s.ImageName, s.Rid, s.Size, s.State, s.CurrentSlot, s.PendingReads, s.KnownServers)
}
