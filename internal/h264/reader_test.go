package h264

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func nal(startCode []byte, header byte, payload ...byte) []byte {
	b := append([]byte{}, startCode...)
	b = append(b, header)
	b = append(b, payload...)
	return b
}

func TestReadAccessUnitSingleKeyframe(t *testing.T) {
	t.Parallel()

	sc := []byte{0, 0, 0, 1}
	sps := nal(sc, byte(NALTypeSPS), 1, 2, 3)
	pps := nal(sc, byte(NALTypePPS), 4, 5)
	idr := nal(sc, byte(NALTypeIDR)|0x60, 0x80, 0x01) // first_mb_in_slice = 0

	var stream bytes.Buffer
	stream.Write(sps)
	stream.Write(pps)
	stream.Write(idr)

	r := NewReader(&stream)
	au, err := r.ReadAccessUnit()
	require.NoError(t, err)
	require.True(t, au.IsKeyframe)
	require.True(t, au.HasSPSPPS)
	require.Len(t, au.NALs, 3)
	require.Equal(t, append(append(append([]byte{}, sps...), pps...), idr...), au.Data)

	_, err = r.ReadAccessUnit()
	require.ErrorIs(t, err, io.EOF)
}

func TestReadAccessUnitSplitsOnNewFrame(t *testing.T) {
	t.Parallel()

	sc := []byte{0, 0, 0, 1}
	slice1 := nal(sc, byte(NALTypeSlice), 0x80) // first_mb_in_slice = 0
	slice2 := nal(sc, byte(NALTypeSlice), 0x80)

	var stream bytes.Buffer
	stream.Write(slice1)
	stream.Write(slice2)

	r := NewReader(&stream)

	au1, err := r.ReadAccessUnit()
	require.NoError(t, err)
	require.False(t, au1.IsKeyframe)
	require.Len(t, au1.NALs, 1)

	au2, err := r.ReadAccessUnit()
	require.NoError(t, err)
	require.Len(t, au2.NALs, 1)

	_, err = r.ReadAccessUnit()
	require.ErrorIs(t, err, io.EOF)
}

func TestReadAccessUnitSplitsOnAUD(t *testing.T) {
	t.Parallel()

	sc := []byte{0, 0, 0, 1}
	aud := nal(sc, byte(NALTypeAUD), 0xF0)
	slice := nal(sc, byte(NALTypeSlice), 0x80)

	var stream bytes.Buffer
	stream.Write(aud)
	stream.Write(slice)
	stream.Write(aud)
	stream.Write(slice)

	r := NewReader(&stream)

	au1, err := r.ReadAccessUnit()
	require.NoError(t, err)
	require.Len(t, au1.NALs, 2)

	au2, err := r.ReadAccessUnit()
	require.NoError(t, err)
	require.Len(t, au2.NALs, 2)
}
