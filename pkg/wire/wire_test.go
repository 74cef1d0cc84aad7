package wire

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestHeaderRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		h := RequestHeader{
			Cmd:    Command(rng.Intn(9)),
			Size:   rng.Uint32(),
			Hops:   uint8(rng.Intn(256)),
			Offset: rng.Uint64() & ((1 << 56) - 1),
			Handle: rng.Uint64(),
		}
		buf, err := h.Marshal()
		require.NoError(t, err)
		require.Len(t, buf, RequestHeaderSize)

		got, err := UnmarshalRequestHeader(buf)
		require.NoError(t, err)
		require.Equal(t, h, got)
	}
}

func TestRequestHeaderRejectsOversizedOffset(t *testing.T) {
	h := RequestHeader{Offset: 1 << 56}
	_, err := h.Marshal()
	require.ErrorIs(t, err, ErrOffsetTooLarge)
}

func TestReplyHeaderRoundTrip(t *testing.T) {
	h := ReplyHeader{Cmd: CmdGetBlock, Size: 4096, Handle: 0xdeadbeefcafebabe}
	buf, err := h.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalReplyHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	buf := make([]byte, ReplyHeaderSize)
	buf[0], buf[1] = 'x', 'y'
	_, err := UnmarshalReplyHeader(buf)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestSelectImageRoundTrip(t *testing.T) {
	req := SelectImageRequest{Flags: FlagServer, Name: "linux/ubuntu-22.04", RequestedRid: 42}
	buf, err := req.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalSelectImageRequest(buf)
	require.NoError(t, err)
	require.Equal(t, req, got)

	reply := SelectImageReply{ProtocolVersion: CurrentProtocolVersion, Name: "linux/ubuntu-22.04", Rid: 42, Size: 8 << 30}
	buf, err = reply.Marshal()
	require.NoError(t, err)
	gotReply, err := UnmarshalSelectImageReply(buf)
	require.NoError(t, err)
	require.Equal(t, reply, gotReply)
}

func TestServerListRoundTrip(t *testing.T) {
	entries := []ServerEntry{
		{Host: Host{Family: FamilyIPv4, Addr: [16]byte{10, 0, 0, 1}, Port: 5003}, FailHint: 0},
		{Host: Host{Family: FamilyIPv4, Addr: [16]byte{10, 0, 0, 2}, Port: 5004}, FailHint: 3},
	}
	buf := MarshalServerList(entries)
	require.Len(t, buf, len(entries)*ServerEntrySize)
	got := UnmarshalServerList(buf, FamilyIPv4)
	require.Equal(t, entries, got)
}

func TestCrc32ReplyRoundTrip(t *testing.T) {
	reply := Crc32Reply{Master: 0x12345678, BlockCRCs: []uint32{1, 2, 3, 0xffffffff}}
	buf := reply.Marshal()
	got, err := UnmarshalCrc32Reply(buf)
	require.NoError(t, err)
	require.Equal(t, reply, got)
}

func TestCheckAligned(t *testing.T) {
	require.NoError(t, CheckAligned(0, 4096))
	require.NoError(t, CheckAligned(4096*3, 4096*2))
	require.ErrorIs(t, CheckAligned(1, 4096), ErrMisaligned)
	require.ErrorIs(t, CheckAligned(4096, 1), ErrMisaligned)
}

func TestNextHop(t *testing.T) {
	hops, err := NextHop(0)
	require.NoError(t, err)
	require.Equal(t, uint8(1), hops)

	_, err = NextHop(HopLimit)
	require.ErrorIs(t, err, ErrTooManyHops)
}

func TestHostEquality(t *testing.T) {
	a := Host{Family: FamilyIPv4, Addr: [16]byte{192, 168, 1, 1}, Port: 100}
	b := Host{Family: FamilyIPv4, Addr: [16]byte{192, 168, 1, 1}, Port: 200}
	require.True(t, a.SameAddress(b))
	require.False(t, a.Equal(b))
}
