package uplink

import "time"

// state is a QueuedRequest's position in the Free -> New -> Pending ->
// Processing -> Free cycle (spec.md §3, §4.4).
type state uint8

const (
	stateFree state = iota
	stateNew
	statePending
	stateProcessing
)

// QueueCapacity bounds the per-image uplink request queue.
const QueueCapacity = 256

// QueuedRequest is one client read multiplexed onto the uplink's single
// upstream connection: a byte range, the owning client's identity, and
// the callback used to fan the eventual reply back out.
type QueuedRequest struct {
	From, To   int64 // byte range [From, To)
	ClientID   uint64
	Handle     uint64
	Hops       uint8
	Send       func(data []byte, err error)
	State      state
	EnqueuedAt time.Time
}

func (q *QueuedRequest) free() bool { return q.State == stateFree }

// replyMsg is what the reader goroutine hands to the main loop: either a
// successful upstream reply or a terminal error for that connection.
type replyMsg struct {
	offset int64
	size   uint32
	data   []byte
	err    error
}
