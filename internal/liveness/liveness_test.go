package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vtether/airlink/internal/wire"
)

func TestSendKeepaliveMarshalsAndEchoesLastRx(t *testing.T) {
	t.Parallel()

	var sent []byte
	tr := New(Config{}, 42, func(b []byte) error {
		sent = append([]byte(nil), b...)
		return nil
	})

	tr.OnKeepaliveReceived(&wire.Keepalive{SessionID: 42, TsMs: 900, Seq: 1}, nil)
	require.NoError(t, tr.SendKeepalive(1000))

	var k wire.Keepalive
	require.NoError(t, k.Unmarshal(sent))
	require.Equal(t, uint32(42), k.SessionID)
	require.Equal(t, uint32(1000), k.TsMs)
	require.Equal(t, uint32(900), k.EchoTsMs)
	require.Equal(t, uint32(1), k.Seq)
}

func TestOnKeepaliveReceivedUpdatesRTTEma(t *testing.T) {
	t.Parallel()

	tr := New(Config{RTTEmaAlpha: 0.5}, 1, func(b []byte) error { return nil })

	sendTimes := map[uint32]time.Time{100: time.Now().Add(-10 * time.Millisecond)}
	tr.OnKeepaliveReceived(&wire.Keepalive{EchoTsMs: 100}, sendTimes)
	require.Greater(t, tr.RTTEstimateMS(), 0.0)

	first := tr.RTTEstimateMS()
	sendTimes2 := map[uint32]time.Time{200: time.Now().Add(-20 * time.Millisecond)}
	tr.OnKeepaliveReceived(&wire.Keepalive{EchoTsMs: 200}, sendTimes2)
	require.NotEqual(t, first, tr.RTTEstimateMS())
}

func TestIsIdleAfterTimeoutWithNoReceive(t *testing.T) {
	t.Parallel()

	tr := New(Config{IdleTimeout: 10 * time.Millisecond}, 1, func(b []byte) error { return nil })
	require.False(t, tr.IsIdle())

	time.Sleep(20 * time.Millisecond)
	require.True(t, tr.IsIdle())

	tr.OnAnyDatagramReceived()
	require.False(t, tr.IsIdle())
}

func TestRequestIDRRateLimitedPerReason(t *testing.T) {
	t.Parallel()

	var sentCount int
	tr := New(Config{IDRCooldown: 50 * time.Millisecond}, 7, func(b []byte) error {
		sentCount++
		return nil
	})

	tr.RequestIDR(wire.IDRReasonDecodeError)
	tr.RequestIDR(wire.IDRReasonDecodeError) // within cooldown, suppressed
	require.Equal(t, 1, sentCount)

	// A different reason is not subject to the same cooldown bucket.
	tr.RequestIDR(wire.IDRReasonLoss)
	require.Equal(t, 2, sentCount)

	time.Sleep(60 * time.Millisecond)
	tr.RequestIDR(wire.IDRReasonDecodeError)
	require.Equal(t, 3, sentCount)
}
