package decode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vtether/airlink/internal/assembler"
	"github.com/vtether/airlink/internal/h264"
	"github.com/vtether/airlink/internal/telemetry"
	"github.com/vtether/airlink/internal/wire"
)

type fakeIDR struct {
	reasons []uint8
}

func (f *fakeIDR) RequestIDR(reason uint8) { f.reasons = append(f.reasons, reason) }

type fakeDecoder struct {
	decoded    []*h264.AccessUnit
	failNext   bool
	needsReset bool
}

func (d *fakeDecoder) Decode(au *h264.AccessUnit) error {
	if d.failNext {
		d.failNext = false
		return errors.New("decode failed")
	}
	d.decoded = append(d.decoded, au)
	return nil
}
func (d *fakeDecoder) NeedsKeyframeReset() bool { return d.needsReset }
func (d *fakeDecoder) Release()                 {}

func TestCoordinatorDiscardsDeltaFramesUntilKeyframe(t *testing.T) {
	t.Parallel()

	dec := &fakeDecoder{}
	idr := &fakeIDR{}
	c := New(Config{DecodeStall: time.Second}, dec, idr, telemetry.NewRegistry())
	require.True(t, c.NeedsKeyframe())

	c.decodeOne(&assembler.CompleteAU{FrameID: 1, IsKeyframe: false, Data: []byte("delta")})
	require.Empty(t, dec.decoded)

	c.decodeOne(&assembler.CompleteAU{FrameID: 2, IsKeyframe: true, Data: []byte("keyframe")})
	require.Len(t, dec.decoded, 1)
	require.False(t, c.NeedsKeyframe())

	c.decodeOne(&assembler.CompleteAU{FrameID: 3, IsKeyframe: false, Data: []byte("delta2")})
	require.Len(t, dec.decoded, 2)
}

func TestCoordinatorDecodeErrorRequestsKeyframe(t *testing.T) {
	t.Parallel()

	dec := &fakeDecoder{}
	idr := &fakeIDR{}
	c := New(Config{}, dec, idr, nil)
	c.decodeOne(&assembler.CompleteAU{FrameID: 1, IsKeyframe: true, Data: []byte("kf")})
	require.False(t, c.NeedsKeyframe())

	dec.failNext = true
	c.decodeOne(&assembler.CompleteAU{FrameID: 2, IsKeyframe: false, Data: []byte("delta")})

	require.True(t, c.NeedsKeyframe())
	require.Contains(t, idr.reasons, uint8(wire.IDRReasonDecodeError))
}

func TestCoordinatorDecoderResetRequestsKeyframe(t *testing.T) {
	t.Parallel()

	dec := &fakeDecoder{needsReset: true}
	idr := &fakeIDR{}
	c := New(Config{}, dec, idr, nil)
	c.decodeOne(&assembler.CompleteAU{FrameID: 1, IsKeyframe: true, Data: []byte("kf")})

	require.True(t, c.NeedsKeyframe())
	require.Contains(t, idr.reasons, uint8(wire.IDRReasonDecodeError))
}

func TestCoordinatorRunDrainsOnCompletionSignal(t *testing.T) {
	t.Parallel()

	asm := assembler.New(assembler.Config{MaxInflightFrames: 2, MaxAUSizeBytes: 4096, FrameTimeout: time.Second}, nil)
	dec := &fakeDecoder{}
	c := New(Config{DecodeStall: time.Hour}, dec, &fakeIDR{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, asm)

	asm.AddFragment(&wire.VideoFragment{
		SessionID: 1, StreamID: 1, FrameID: 1, FragIndex: 0, FragCount: 1,
		Codec: wire.CodecH264, Flags: wire.FlagKeyframe, Payload: []byte("kf"),
	})

	require.Eventually(t, func() bool {
		return len(dec.decoded) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinatorHandlesAssemblerTimeoutIDR(t *testing.T) {
	t.Parallel()

	asm := assembler.New(assembler.Config{MaxInflightFrames: 2, MaxAUSizeBytes: 4096, FrameTimeout: 5 * time.Millisecond}, nil)
	idr := &fakeIDR{}
	c := New(Config{DecodeStall: time.Hour}, &fakeDecoder{}, idr, nil)

	asm.AddFragment(&wire.VideoFragment{
		SessionID: 1, StreamID: 1, FrameID: 1, FragIndex: 0, FragCount: 2,
		Codec: wire.CodecH264, Payload: []byte("partial"),
	})
	asm.Tick(time.Now().Add(time.Second))
	require.True(t, asm.NeedsIDR())

	c.handleAssemblerIDR(asm)
	require.False(t, asm.NeedsIDR())
	require.Contains(t, idr.reasons, uint8(wire.IDRReasonLoss))
}
