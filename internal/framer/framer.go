// Package framer implements the sender-side framer (C5): fragmenting an
// access unit into VIDEO_FRAGMENT datagrams and writing them back-to-back
// over the session socket. Carried and generalized from the teacher's
// sender.Packetizer, recut onto the wire package's VideoFragment type and
// this spec's session identity instead of the teacher's fixed
// protocol/session wiring.
package framer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vtether/airlink/internal/h264"
	"github.com/vtether/airlink/internal/telemetry"
	"github.com/vtether/airlink/internal/wire"
)

// Config bounds the framer's fragmentation and datagram sizing.
type Config struct {
	MaxDatagramSize int
	StreamID        uint32
}

func (c *Config) applyDefaults() {
	if c.MaxDatagramSize <= 0 {
		c.MaxDatagramSize = wire.MaxDatagramSize
	}
	if c.StreamID == 0 {
		c.StreamID = 1
	}
}

// Framer fragments access units for one session. Unlike the teacher's
// Packetizer, it never sleeps between fragments: spec.md §4.5 states the
// framer adds no inter-AU delay, leaving all pacing to the upstream encoder
// cadence (see DESIGN.md for the recorded behavior change).
type Framer struct {
	cfg       Config
	sessionID uint32
	startTime time.Time
	frameID   uint32
	buf       []byte
	tel       *telemetry.Registry
}

// New constructs a Framer for one session.
func New(sessionID uint32, cfg Config, tel *telemetry.Registry) *Framer {
	cfg.applyDefaults()
	return &Framer{
		cfg:       cfg,
		sessionID: sessionID,
		startTime: time.Now(),
		buf:       make([]byte, cfg.MaxDatagramSize),
		tel:       tel,
	}
}

func (f *Framer) maxFragmentPayload() int {
	return f.cfg.MaxDatagramSize - wire.VideoFragmentHeaderSize
}

// Send fragments au and hands each fragment's marshaled bytes to sendFn in
// order, back-to-back. On the first send error, the remainder of the AU is
// abandoned (back-pressure-as-drop, per spec.md §4.5) and the error is
// returned; fragments already sent are not retried.
func (f *Framer) Send(au *h264.AccessUnit, sendFn func([]byte) error) (int, error) {
	data := au.Data
	maxPayload := f.maxFragmentPayload()

	fragCount := (len(data) + maxPayload - 1) / maxPayload
	if fragCount == 0 {
		fragCount = 1
	}
	if fragCount > 65535 {
		return 0, fmt.Errorf("framer: access unit too large: %d bytes needs %d fragments", len(data), fragCount)
	}

	frameID := atomic.AddUint32(&f.frameID, 1) - 1
	tsMs := uint32(time.Since(f.startTime).Milliseconds())

	var flags uint8
	if au.IsKeyframe {
		flags |= wire.FlagKeyframe
	}
	if au.HasSPSPPS {
		flags |= wire.FlagSPSPPS
	}

	sent := 0
	for i := 0; i < fragCount; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(data) {
			end = len(data)
		}
		payload := data[start:end]

		frag := wire.VideoFragment{
			SessionID:  f.sessionID,
			StreamID:   f.cfg.StreamID,
			FrameID:    frameID,
			FragIndex:  uint16(i),
			FragCount:  uint16(fragCount),
			TsMs:       tsMs,
			Flags:      flags,
			Codec:      wire.CodecH264,
			PayloadLen: uint16(len(payload)),
			Payload:    payload,
		}

		n, err := frag.Marshal(f.buf)
		if err != nil {
			return sent, err
		}
		if err := sendFn(f.buf[:n]); err != nil {
			return sent, err
		}
		sent++
	}

	if f.tel != nil {
		f.tel.PacketsSent.Add(float64(sent))
	}
	return sent, nil
}

// FrameID returns the next frame_id that will be assigned.
func (f *Framer) FrameID() uint32 {
	return atomic.LoadUint32(&f.frameID)
}

// IDRGate deduplicates the sender's response to inbound IDR_REQUEST
// datagrams: the peer may retransmit its request (it rate-limits at ≤1/s
// per reason but a receiver-side timeout and a decode-stall watchdog can
// both fire independently), so at most one forced keyframe is requested
// from the encoder per cooldown window regardless of how many IDR_REQUEST
// datagrams arrive in that window.
type IDRGate struct {
	cooldown time.Duration
	request  func(reason uint8)

	mu   sync.Mutex
	last time.Time
}

// NewIDRGate wraps an IDR request callback with cooldown gating.
func NewIDRGate(cooldown time.Duration, request func(reason uint8)) *IDRGate {
	if cooldown <= 0 {
		cooldown = time.Second
	}
	return &IDRGate{cooldown: cooldown, request: request}
}

// Notify forwards an inbound IDR_REQUEST to the encoder unless one was
// already forwarded within the cooldown window.
func (g *IDRGate) Notify(reason uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if now.Sub(g.last) < g.cooldown {
		return
	}
	g.last = now
	if g.request != nil {
		g.request(reason)
	}
}
