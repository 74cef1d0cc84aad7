//go:build debug

// Package lockorder asserts the lock acquisition hierarchy
// (reloadLock > imageListLock > image.lock > (uplink.queueLock |
// uplink.sendLock)) in debug builds only. It is a thin per-goroutine
// stack check, compiled out entirely in release builds so it never
// costs anything on the hot path.
package lockorder

import (
	"fmt"
	"runtime"
	"sync"
)

// Level identifies one rung of the hierarchy. Lower values must be
// acquired before higher ones; a goroutine may not acquire a Level it
// already holds a higher-or-equal Level for.
type Level int

const (
	ReloadLock Level = iota
	ImageListLock
	ImageLock
	UplinkLock // queueLock and sendLock share a rung: neither nests inside the other
)

func (l Level) String() string {
	switch l {
	case ReloadLock:
		return "reloadLock"
	case ImageListLock:
		return "imageListLock"
	case ImageLock:
		return "image.lock"
	case UplinkLock:
		return "uplink.queueLock/sendLock"
	default:
		return "unknown"
	}
}

var (
	mu     sync.Mutex
	stacks = map[int64][]Level{}
)

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id int64
	fmt.Sscanf(string(buf[:n]), "goroutine %d ", &id)
	return id
}

// Enter records that the calling goroutine is acquiring level l. It
// panics if l does not strictly follow every level currently held by
// this goroutine, catching an out-of-order lock acquisition immediately
// instead of letting it manifest as an intermittent deadlock.
func Enter(l Level) {
	id := goroutineID()
	mu.Lock()
	defer mu.Unlock()
	stack := stacks[id]
	if len(stack) > 0 && stack[len(stack)-1] >= l {
		panic(fmt.Sprintf("lockorder: goroutine %d acquiring %s while holding %s", id, l, stack[len(stack)-1]))
	}
	stacks[id] = append(stack, l)
}

// Exit pops the most recently entered level for the calling goroutine.
func Exit(l Level) {
	id := goroutineID()
	mu.Lock()
	defer mu.Unlock()
	stack := stacks[id]
	if len(stack) == 0 || stack[len(stack)-1] != l {
		panic(fmt.Sprintf("lockorder: goroutine %d releasing %s out of order", id, l))
	}
	stacks[id] = stack[:len(stack)-1]
	if len(stacks[id]) == 0 {
		delete(stacks, id)
	}
}
