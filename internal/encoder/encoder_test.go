package encoder

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func annexB(nals ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nals {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(n)
	}
	return buf.Bytes()
}

func TestReaderSourceYieldsAccessUnits(t *testing.T) {
	t.Parallel()

	sps := []byte{0x67, 0x01, 0x02}
	pps := []byte{0x68, 0x01}
	idrSlice := []byte{0x65, 0x80, 0x00}
	deltaSlice := []byte{0x41, 0x80, 0x00}

	stream := annexB(sps, pps, idrSlice, deltaSlice)
	src := NewReaderSource(bytes.NewReader(stream))
	defer src.Close()

	au, err := src.Next(context.Background())
	require.NoError(t, err)
	require.True(t, au.IsKeyframe)
	require.True(t, au.HasSPSPPS)

	_, err = src.Next(context.Background())
	require.True(t, err == nil || err == io.EOF)
}

func TestReaderSourceReturnsEOFAtStreamEnd(t *testing.T) {
	t.Parallel()

	src := NewReaderSource(bytes.NewReader(annexB([]byte{0x65, 0x80})))
	defer src.Close()

	_, err := src.Next(context.Background())
	require.NoError(t, err)

	_, err = src.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}
