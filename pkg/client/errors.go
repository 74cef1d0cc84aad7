package client

import "errors"

var (
	ErrNoServerReachable = errors.New("client: no server reachable")
	ErrHandshakeFailed   = errors.New("client: handshake failed")
	ErrImageUnavailable  = errors.New("client: image unavailable")
	ErrAlreadyStarted    = errors.New("client: threads already started")
	ErrNotConnected      = errors.New("client: no live connection")
	ErrShutdown          = errors.New("client: manager is shut down")
	ErrMisaligned        = errors.New("client: offset/size not block aligned")
)
