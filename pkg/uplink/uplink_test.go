package uplink

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ln-tech/dnbd3/internal/crc32block"
	"github.com/ln-tech/dnbd3/pkg/altserver"
	"github.com/ln-tech/dnbd3/pkg/image"
	"github.com/ln-tech/dnbd3/pkg/integrity"
	"github.com/ln-tech/dnbd3/pkg/wire"
)

// fakeUpstream serves a SELECT_IMAGE handshake and then echoes back
// whatever GET_BLOCK requests it receives with deterministic payload
// (byte value == low byte of the offset), recording every request it
// saw so tests can assert on fan-out/coalescing.
func fakeUpstream(t *testing.T, name string, rid uint16, size uint64) (wire.Host, *[]wire.RequestHeader, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []wire.RequestHeader

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				hdrBuf := make([]byte, wire.RequestHeaderSize)
				if _, err := io.ReadFull(conn, hdrBuf); err != nil {
					return
				}
				hdr, err := wire.UnmarshalRequestHeader(hdrBuf)
				if err != nil || hdr.Cmd != wire.CmdSelectImage {
					return
				}
				payload := make([]byte, hdr.Size)
				io.ReadFull(conn, payload)

				reply := wire.SelectImageReply{ProtocolVersion: wire.MinProtocolVersion, Name: name, Rid: rid, Size: size}
				body, _ := reply.Marshal()
				replyHdr := wire.ReplyHeader{Cmd: wire.CmdSelectImage, Size: uint32(len(body))}
				hb, _ := replyHdr.Marshal()
				conn.Write(hb)
				conn.Write(body)

				for {
					if _, err := io.ReadFull(conn, hdrBuf); err != nil {
						return
					}
					req, err := wire.UnmarshalRequestHeader(hdrBuf)
					if err != nil {
						return
					}
					mu.Lock()
					seen = append(seen, req)
					mu.Unlock()
					if req.Cmd != wire.CmdGetBlock {
						continue
					}
					data := make([]byte, req.Size)
					for i := range data {
						data[i] = byte(req.Offset)
					}
					rh := wire.ReplyHeader{Cmd: wire.CmdGetBlock, Size: req.Size, Handle: req.Handle}
					rb, _ := rh.Marshal()
					conn.Write(rb)
					conn.Write(data)
				}
			}()
		}
	}()

	host := wire.HostFromTCPAddr(ln.Addr().(*net.TCPAddr))
	return host, &seen, func() { ln.Close() }
}

func newTestImage(t *testing.T, size int64) *image.Image {
	t.Helper()
	dir := t.TempDir()
	path := image.FileName(dir, "testimg", 1)
	img, err := image.Create(path, "testimg", 1, size)
	require.NoError(t, err)
	return img
}

func TestRequestCoalescesOverlappingRange(t *testing.T) {
	const blockSize = 4096
	host, _, stop := fakeUpstream(t, "testimg", 1, uint64(4*blockSize))
	defer stop()

	img := newTestImage(t, 4*blockSize)
	reg := altserver.NewRegistry(wire.Host{})
	reg.Add(host, "test", false, false)
	checker := integrity.New()
	defer checker.Shutdown()

	u := New(img, reg, checker)
	defer u.Shutdown()

	var mu sync.Mutex
	results := map[uint64][]byte{}
	done := make(chan struct{}, 2)

	require.NoError(t, u.Request(1, 10, 0, 2*blockSize, 0, func(data []byte, err error) {
		mu.Lock()
		results[10] = append([]byte{}, data...)
		mu.Unlock()
		done <- struct{}{}
	}))
	require.NoError(t, u.Request(2, 11, blockSize, blockSize, 0, func(data []byte, err error) {
		mu.Lock()
		results[11] = append([]byte{}, data...)
		mu.Unlock()
		done <- struct{}{}
	}))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for fan-out callbacks")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results[10], 2*blockSize)
	require.Len(t, results[11], blockSize)
	require.Equal(t, results[10][blockSize:], results[11])
}

func TestRequestRejectsMisaligned(t *testing.T) {
	img := newTestImage(t, 4096)
	reg := altserver.NewRegistry(wire.Host{})
	checker := integrity.New()
	defer checker.Shutdown()
	u := New(img, reg, checker)
	defer u.Shutdown()

	err := u.Request(1, 1, 1, 4096, 0, func([]byte, error) {})
	require.ErrorIs(t, err, ErrMisaligned)
}

func TestRequestTriggersIntegrityCheckOnHashBlockCompletion(t *testing.T) {
	size := int64(crc32block.HashBlockSize)
	host, _, stop := fakeUpstream(t, "hashimg", 1, uint64(size))
	defer stop()

	img := newTestImage(t, size)
	img.CRC = &image.CRCList{} // placeholder; with no blocks listed the checker skips the hash-block
	reg := altserver.NewRegistry(wire.Host{})
	reg.Add(host, "test", false, false)
	checker := integrity.New()
	defer checker.Shutdown()

	u := New(img, reg, checker)
	defer u.Shutdown()

	done := make(chan struct{})
	require.NoError(t, u.Request(1, 1, 0, uint64ToUint32(size), 0, func(data []byte, err error) {
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for full hash-block fill")
	}

	require.Eventually(t, func() bool {
		return img.CacheMap.IsHashBlockComplete(0)
	}, time.Second, 10*time.Millisecond)
}

func TestRemoveClientDropsOnlyThatClientsEntries(t *testing.T) {
	img := newTestImage(t, 3*4096)
	reg := altserver.NewRegistry(wire.Host{})
	checker := integrity.New()
	defer checker.Shutdown()
	u := New(img, reg, checker)
	defer u.Shutdown()

	require.NoError(t, u.Request(1, 1, 0, 4096, 0, func([]byte, error) {}))
	require.NoError(t, u.Request(2, 2, 4096, 4096, 0, func([]byte, error) {}))

	u.RemoveClient(1)

	u.queueMu.Lock()
	defer u.queueMu.Unlock()
	var remaining int
	for _, q := range u.queue {
		if !q.free() {
			remaining++
			require.Equal(t, uint64(2), q.ClientID)
		}
	}
	require.Equal(t, 1, remaining)
}

func TestRequestAtHopLimitIsDroppedNotForwarded(t *testing.T) {
	host, _, stop := fakeUpstream(t, "testimg", 1, 4096)
	defer stop()

	img := newTestImage(t, 4096)
	reg := altserver.NewRegistry(wire.Host{})
	reg.Add(host, "test", false, false)
	checker := integrity.New()
	defer checker.Shutdown()

	u := New(img, reg, checker)
	defer u.Shutdown()

	done := make(chan error, 1)
	require.NoError(t, u.Request(1, 1, 0, 4096, wire.HopLimit, func(data []byte, err error) {
		done <- err
	}))

	select {
	case err := <-done:
		require.ErrorIs(t, err, wire.ErrTooManyHops)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for hop-limit rejection")
	}
}

func uint64ToUint32(n int64) uint32 { return uint32(n) }
