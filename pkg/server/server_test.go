package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ln-tech/dnbd3/pkg/altserver"
	"github.com/ln-tech/dnbd3/pkg/image"
	"github.com/ln-tech/dnbd3/pkg/integrity"
	"github.com/ln-tech/dnbd3/pkg/uplink"
	"github.com/ln-tech/dnbd3/pkg/wire"
)

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func selectImage(t *testing.T, conn net.Conn, name string, rid uint16) wire.SelectImageReply {
	t.Helper()
	req := wire.SelectImageRequest{Name: name, RequestedRid: rid}
	payload, err := req.Marshal()
	require.NoError(t, err)
	hdr := wire.RequestHeader{Cmd: wire.CmdSelectImage, Size: uint32(len(payload))}
	hb, err := hdr.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(hb)
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)

	replyHdrBuf := make([]byte, wire.ReplyHeaderSize)
	_, err = io.ReadFull(conn, replyHdrBuf)
	require.NoError(t, err)
	replyHdr, err := wire.UnmarshalReplyHeader(replyHdrBuf)
	require.NoError(t, err)
	require.Equal(t, wire.CmdSelectImage, replyHdr.Cmd)
	body := make([]byte, replyHdr.Size)
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	reply, err := wire.UnmarshalSelectImageReply(body)
	require.NoError(t, err)
	return reply
}

func getBlock(t *testing.T, conn net.Conn, offset uint64, size uint32, handle uint64) []byte {
	t.Helper()
	hdr := wire.RequestHeader{Cmd: wire.CmdGetBlock, Size: size, Offset: offset, Handle: handle}
	hb, err := hdr.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(hb)
	require.NoError(t, err)

	replyHdrBuf := make([]byte, wire.ReplyHeaderSize)
	_, err = io.ReadFull(conn, replyHdrBuf)
	require.NoError(t, err)
	replyHdr, err := wire.UnmarshalReplyHeader(replyHdrBuf)
	require.NoError(t, err)
	require.Equal(t, wire.CmdGetBlock, replyHdr.Cmd)
	require.Equal(t, handle, replyHdr.Handle)
	data := make([]byte, replyHdr.Size)
	_, err = io.ReadFull(conn, data)
	require.NoError(t, err)
	return data
}

func startTestServer(t *testing.T, images *image.Registry, altReg *altserver.Registry, checker *integrity.Checker) string {
	t.Helper()
	factory := func(img *image.Image) image.UplinkRef {
		return uplink.New(img, altReg, checker)
	}
	srv := New(images, altReg, checker, factory, wire.Host{}, 4)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.serveOn(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String()
}

func TestServeCompleteImageFromCache(t *testing.T) {
	dir := t.TempDir()
	path := image.FileName(dir, "complete", 1)
	size := int64(2 * wire.BlockSize)
	img, err := image.Create(path, "complete", 1, size)
	require.NoError(t, err)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, img.WriteAt(data, 0))
	img.CacheMap = nil // simulate an already-complete image

	images := image.NewRegistry()
	images.Put(img)
	altReg := altserver.NewRegistry(wire.Host{})
	checker := integrity.New()
	defer checker.Shutdown()

	addr := startTestServer(t, images, altReg, checker)
	conn := dial(t, addr)
	defer conn.Close()

	reply := selectImage(t, conn, "complete", 0)
	require.Equal(t, uint16(1), reply.Rid)
	require.Equal(t, uint64(size), reply.Size)

	got := getBlock(t, conn, 0, uint32(size), 42)
	require.Equal(t, data, got)
}

func TestServeIncompleteImageViaUplink(t *testing.T) {
	upSize := uint64(wire.BlockSize)
	upLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upLn.Close()
	go func() {
		for {
			conn, err := upLn.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				hdrBuf := make([]byte, wire.RequestHeaderSize)
				io.ReadFull(conn, hdrBuf)
				hdr, _ := wire.UnmarshalRequestHeader(hdrBuf)
				payload := make([]byte, hdr.Size)
				io.ReadFull(conn, payload)
				reply := wire.SelectImageReply{ProtocolVersion: wire.CurrentProtocolVersion, Name: "partial", Rid: 1, Size: upSize}
				body, _ := reply.Marshal()
				rh := wire.ReplyHeader{Cmd: wire.CmdSelectImage, Size: uint32(len(body))}
				rb, _ := rh.Marshal()
				conn.Write(rb)
				conn.Write(body)

				for {
					if _, err := io.ReadFull(conn, hdrBuf); err != nil {
						return
					}
					req, err := wire.UnmarshalRequestHeader(hdrBuf)
					if err != nil || req.Cmd != wire.CmdGetBlock {
						continue
					}
					data := make([]byte, req.Size)
					for i := range data {
						data[i] = 0xAB
					}
					respHdr := wire.ReplyHeader{Cmd: wire.CmdGetBlock, Size: req.Size, Handle: req.Handle}
					hb, _ := respHdr.Marshal()
					conn.Write(hb)
					conn.Write(data)
				}
			}()
		}
	}()
	upHost := wire.HostFromTCPAddr(upLn.Addr().(*net.TCPAddr))

	dir := t.TempDir()
	path := image.FileName(dir, "partial", 1)
	img, err := image.Create(path, "partial", 1, int64(upSize))
	require.NoError(t, err)

	images := image.NewRegistry()
	images.Put(img)
	altReg := altserver.NewRegistry(wire.Host{})
	altReg.Add(upHost, "upstream", false, false)
	checker := integrity.New()
	defer checker.Shutdown()

	addr := startTestServer(t, images, altReg, checker)
	conn := dial(t, addr)
	defer conn.Close()

	reply := selectImage(t, conn, "partial", 0)
	require.Equal(t, uint64(upSize), reply.Size)

	got := getBlock(t, conn, 0, uint32(upSize), 7)
	require.Len(t, got, int(upSize))
	for _, b := range got {
		require.Equal(t, byte(0xAB), b)
	}
}
