package wire

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// Golden vectors fix one representative datagram per message type, per
// SPEC_FULL.md §4.1 / spec.md §8 ("bit-for-bit compatibility... reference
// test vectors"). Generated by hand from the struct definitions, mirroring
// the fixed-vector style of the corpus's tests/golden generators.
var goldenVideoFragment = mustHex(
	"01" + // msg_type
		"01" + // version
		"001c" + // header_len = 28
		"00000001" + // session_id
		"00000001" + // stream_id
		"0000002a" + // frame_id = 42
		"0000" + // frag_index
		"0002" + // frag_count
		"00001f40" + // ts_ms = 8000
		"03" + // flags: KEY|SPSPPS
		"01" + // codec
		"0004" + // payload_len = 4
		"deadbeef", // payload
)

var goldenKeepalive = mustHex(
	"02" + "01" + "0014" + "00000001" +
		"00001f40" + // ts_ms
		"00000007" + // seq
		"00001f3c", // echo_ts_ms
)

var goldenIDRRequest = mustHex(
	"03" + "01" + "0014" + "00000001" +
		"00000003" + // seq
		"00002710" + // ts_ms
		"02" + // reason = decode_error
		"000000",
)

var goldenProbe = mustHex(
	"04" + "01" + "001c" + "00000001" +
		"00000001" + // ts_ms
		"00000005" + // probe_seq
		"1122334455667788" + // nonce
		"01" + // role = sender
		"00" + // flags
		"0000",
)

var goldenHello = mustHex(
	"05" + "01" + "0020" + "00000001" +
		"03c0" + // width 960
		"021c" + // height 540
		"012c" + // fps_x10 = 30.0
		"0016e360" + // bitrate_bps = 1500000
		"42" + // avc_profile baseline
		"2a" + // avc_level 42
		"0000000f" + // idr_interval_frames = 15
		"0000000000000000",
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func TestVideoFragmentGoldenRoundTrip(t *testing.T) {
	t.Parallel()
	var v VideoFragment
	require.NoError(t, v.Unmarshal(goldenVideoFragment))
	require.EqualValues(t, 1, v.SessionID)
	require.EqualValues(t, 42, v.FrameID)
	require.EqualValues(t, 2, v.FragCount)
	require.True(t, v.IsKeyframe())
	require.True(t, v.HasSPSPPS())
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, v.Payload)

	buf := make([]byte, VideoFragmentHeaderSize+len(v.Payload))
	n, err := v.Marshal(buf)
	require.NoError(t, err)
	require.Equal(t, goldenVideoFragment, buf[:n])
}

func TestKeepaliveGoldenRoundTrip(t *testing.T) {
	t.Parallel()
	var k Keepalive
	require.NoError(t, k.Unmarshal(goldenKeepalive))
	require.EqualValues(t, 8000, k.TsMs)
	require.EqualValues(t, 7, k.Seq)
	require.EqualValues(t, 8000-4, k.EchoTsMs)

	buf := make([]byte, KeepaliveHeaderSize)
	n, err := k.Marshal(buf)
	require.NoError(t, err)
	require.Equal(t, goldenKeepalive, buf[:n])
}

func TestIDRRequestGoldenRoundTrip(t *testing.T) {
	t.Parallel()
	var r IDRRequest
	require.NoError(t, r.Unmarshal(goldenIDRRequest))
	require.EqualValues(t, IDRReasonDecodeError, r.Reason)

	buf := make([]byte, IDRRequestHeaderSize)
	n, err := r.Marshal(buf)
	require.NoError(t, err)
	require.Equal(t, goldenIDRRequest, buf[:n])
}

func TestProbeGoldenRoundTrip(t *testing.T) {
	t.Parallel()
	var p Probe
	require.NoError(t, p.Unmarshal(goldenProbe))
	require.EqualValues(t, RoleSender, p.Role)
	require.EqualValues(t, 0x1122334455667788, p.Nonce)

	buf := make([]byte, ProbeHeaderSize)
	n, err := p.Marshal(buf)
	require.NoError(t, err)
	require.Equal(t, goldenProbe, buf[:n])
}

func TestHelloGoldenRoundTrip(t *testing.T) {
	t.Parallel()
	var h Hello
	require.NoError(t, h.Unmarshal(goldenHello))
	require.EqualValues(t, 960, h.Width)
	require.EqualValues(t, 1500000, h.BitrateBps)

	buf := make([]byte, HelloHeaderSize)
	n, err := h.Marshal(buf)
	require.NoError(t, err)
	require.Equal(t, goldenHello, buf[:n])
}

func TestVideoFragmentValidation(t *testing.T) {
	t.Parallel()

	base := func() VideoFragment {
		return VideoFragment{SessionID: 1, FrameID: 1, FragCount: 1, Codec: CodecH264, Payload: []byte{1, 2}}
	}

	buf := make([]byte, MaxDatagramSize)

	t.Run("bad codec", func(t *testing.T) {
		v := base()
		v.Codec = 9
		n, err := v.Marshal(buf)
		require.NoError(t, err)
		var got VideoFragment
		require.ErrorIs(t, got.Unmarshal(buf[:n]), ErrInvalidCodec)
	})

	t.Run("zero frag count", func(t *testing.T) {
		v := base()
		v.FragCount = 0
		n, err := v.Marshal(buf)
		require.NoError(t, err)
		var got VideoFragment
		require.ErrorIs(t, got.Unmarshal(buf[:n]), ErrInvalidFragment)
	})

	t.Run("index out of range", func(t *testing.T) {
		v := base()
		v.FragIndex = 1
		v.FragCount = 1
		n, err := v.Marshal(buf)
		require.NoError(t, err)
		var got VideoFragment
		require.ErrorIs(t, got.Unmarshal(buf[:n]), ErrInvalidFragment)
	})

	t.Run("payload len mismatch", func(t *testing.T) {
		v := base()
		n, err := v.Marshal(buf)
		require.NoError(t, err)
		var got VideoFragment
		require.ErrorIs(t, got.Unmarshal(buf[:n-1]), ErrPayloadLenMismatch)
	})
}

func TestIsNewerIsOlderWrapAware(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b        uint32
		wantNewer   bool
		wantOlder   bool
	}{
		{a: 10, b: 5, wantNewer: true},
		{a: 5, b: 10, wantOlder: true},
		{a: 5, b: 5},
		{a: 0, b: 0xFFFFFFFF, wantNewer: true}, // wrap: 0 is newer than max uint32
		{a: 0xFFFFFFFF, b: 0, wantOlder: true},
	}

	for _, tc := range cases {
		require.Equal(t, tc.wantNewer, IsNewer(tc.a, tc.b), "IsNewer(%d,%d)", tc.a, tc.b)
		require.Equal(t, tc.wantOlder, IsOlder(tc.a, tc.b), "IsOlder(%d,%d)", tc.a, tc.b)
		if tc.wantNewer || tc.wantOlder {
			require.NotEqual(t, tc.wantNewer, tc.wantOlder)
		}
	}
}

func TestDemuxRejectsShortOrBadVersion(t *testing.T) {
	t.Parallel()

	_, _, err := Demux([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrBufferTooSmall)

	bad := append([]byte(nil), goldenKeepalive...)
	bad[1] = 2 // bogus version
	_, _, err = Demux(bad)
	require.ErrorIs(t, err, ErrInvalidVersion)

	msgType, hdr, err := Demux(goldenVideoFragment)
	require.NoError(t, err)
	require.EqualValues(t, MsgTypeVideoFragment, msgType)
	require.EqualValues(t, 1, hdr.SessionID)
}
