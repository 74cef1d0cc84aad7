package sockpool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ln-tech/dnbd3/pkg/wire"
)

func listenLoopback(t *testing.T) (net.Listener, wire.Host) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, wire.HostFromTCPAddr(ln.Addr().(*net.TCPAddr))
}

func TestDialReturnsFirstSuccess(t *testing.T) {
	ln, host := listenLoopback(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	deadHost := wire.Host{Family: wire.FamilyIPv4, Addr: [16]byte{198, 51, 100, 1}, Port: 1}

	pool := New(300*time.Millisecond, 2*time.Second)
	res, err := pool.Dial(context.Background(), []wire.Host{deadHost, host})
	require.NoError(t, err)
	require.NotNil(t, res.Conn)
	res.Conn.Close()
	require.Equal(t, host.Port, res.Host.Port)
}

func TestDialExhaustedWithNoCandidates(t *testing.T) {
	pool := New(50*time.Millisecond, 100*time.Millisecond)
	_, err := pool.Dial(context.Background(), nil)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestDialExhaustedWhenAllUnreachable(t *testing.T) {
	unreachable := wire.Host{Family: wire.FamilyIPv4, Addr: [16]byte{198, 51, 100, 2}, Port: 1}
	pool := New(100*time.Millisecond, 300*time.Millisecond)
	_, err := pool.Dial(context.Background(), []wire.Host{unreachable})
	require.ErrorIs(t, err, ErrExhausted)
}
