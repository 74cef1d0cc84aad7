package server

import "errors"

var (
	ErrUnknownImage  = errors.New("server: no such image/revision")
	ErrAlreadyServed = errors.New("server: SELECT_IMAGE already performed on this connection")
	ErrNotSelected   = errors.New("server: no image selected yet")
)
