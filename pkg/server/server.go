// Package server implements the DNBD3 server-side listener: one
// goroutine per accepted client connection, each dispatching the small
// set of commands in pkg/wire against the image registry, lazily
// attaching a pkg/uplink.Uplink to any image that is not yet complete.
package server

import (
	"net"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/ln-tech/dnbd3/internal/workerpool"
	"github.com/ln-tech/dnbd3/pkg/altserver"
	"github.com/ln-tech/dnbd3/pkg/image"
	"github.com/ln-tech/dnbd3/pkg/integrity"
	"github.com/ln-tech/dnbd3/pkg/wire"
)

// UplinkFactory builds the per-image uplink for an incomplete image.
// cmd/dnbd3-server supplies uplink.New bound to the server's AltServer
// registry and integrity checker; kept as a func value here (rather
// than importing pkg/uplink directly) so pkg/server never needs to know
// about pkg/uplink's concrete type, only the image.UplinkRef/requester
// surface it returns.
type UplinkFactory func(img *image.Image) image.UplinkRef

// Server is the per-process listener: one registry of images, one
// alt-server registry, one integrity checker, and a bounded worker pool
// handling accepted connections.
type Server struct {
	Images    *image.Registry
	AltServer *altserver.Registry
	Integrity *integrity.Checker
	NewUplink UplinkFactory
	SelfHost  wire.Host

	pool      *workerpool.Pool
	ln        net.Listener
	nextID    uint64
	closeOnce bool
}

// New creates a Server. maxIdleWorkers bounds the per-connection
// goroutine pool's parked-worker count (internal/workerpool), matching
// spec.md §4.7's thread pool component.
func New(images *image.Registry, altReg *altserver.Registry, checker *integrity.Checker, factory UplinkFactory, self wire.Host, maxIdleWorkers int) *Server {
	return &Server{
		Images:    images,
		AltServer: altReg,
		Integrity: checker,
		NewUplink: factory,
		SelfHost:  self,
		pool:      workerpool.New(maxIdleWorkers),
	}
}

// ListenAndServe binds addr and accepts connections until Close is
// called, handling each on the worker pool.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Infof("[SERVER] listening on %s", addr)
	return s.serveOn(ln)
}

// serveOn runs the accept loop against an already-bound listener, e.g.
// one created with port 0 for tests.
func (s *Server) serveOn(ln net.Listener) error {
	s.ln = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closeOnce {
				return nil
			}
			log.Warnf("[SERVER] accept failed: %v", err)
			continue
		}
		clientID := atomic.AddUint64(&s.nextID, 1)
		sess := &session{server: s, conn: conn, clientID: clientID}
		if err := s.pool.Run(sess.serve); err != nil {
			log.Warnf("[SERVER] dropping connection from %s: %v", conn.RemoteAddr(), err)
			conn.Close()
		}
	}
}

// Close stops accepting new connections and drains the worker pool.
func (s *Server) Close() error {
	s.closeOnce = true
	s.pool.Shutdown()
	s.pool.Wait()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}
