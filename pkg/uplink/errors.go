package uplink

import "errors"

var (
	ErrQueueFull    = errors.New("uplink: request queue full")
	ErrMisaligned   = errors.New("uplink: offset/size not block aligned")
	ErrShutdown     = errors.New("uplink: shut down")
	ErrNoCandidates = errors.New("uplink: no uplink candidate reachable")
)
