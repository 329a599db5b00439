// Package liveness implements the control-plane tracker (C8): keepalive
// pacing, echo-based RTT estimation, idle detection, and rate-limited
// IDR_REQUEST emission. Generalized from the teacher's inline
// keepaliveLoop/receiveLoop handling of KEEPALIVE/IDR_REQUEST in
// fpv-sender/main.go into a standalone, side-independent collaborator: both
// sender and receiver sessions use it, just with different send/receive
// responsibilities wired in by the caller. See SPEC_FULL.md §4.8.
package liveness

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vtether/airlink/internal/wire"
)

// Config bounds the tracker's pacing and rate limits.
type Config struct {
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
	IDRCooldown       time.Duration
	RTTEmaAlpha       float64
}

// Tracker owns last_rx_time, the RTT EMA, and per-reason IDR rate limiting.
// send performs the actual datagram send; the session wires it to its
// transport.Socket and peer endpoint.
type Tracker struct {
	cfg Config
	send func(b []byte) error

	sessionID uint32
	keepaliveSeq uint32

	mu           sync.Mutex
	lastRxTime   time.Time
	lastRxTsMs   uint32
	rttEmaMS     float64
	haveRTT      bool
	lastIDRSent  map[uint8]time.Time
	idrSeq       uint32
}

// New constructs a Tracker. send is called with a fully marshaled datagram
// whenever the tracker needs to emit one; it should forward to the
// session's transport.Socket.SendTo toward the current peer endpoint.
func New(cfg Config, sessionID uint32, send func(b []byte) error) *Tracker {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 3 * time.Second
	}
	if cfg.IDRCooldown <= 0 {
		cfg.IDRCooldown = time.Second
	}
	if cfg.RTTEmaAlpha <= 0 {
		cfg.RTTEmaAlpha = 0.15
	}
	return &Tracker{
		cfg:         cfg,
		send:        send,
		sessionID:   sessionID,
		lastRxTime:  time.Now(),
		lastIDRSent: make(map[uint8]time.Time),
	}
}

// OnKeepaliveReceived records a peer keepalive's timestamp for echoing back
// on the next SendKeepalive call, and updates the RTT EMA if the remote
// echoed one of ours.
func (t *Tracker) OnKeepaliveReceived(k *wire.Keepalive, localSendTimes map[uint32]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRxTime = time.Now()
	t.lastRxTsMs = k.TsMs

	if k.EchoTsMs == 0 {
		return
	}
	if sendTime, ok := localSendTimes[k.EchoTsMs]; ok {
		rtt := float64(time.Since(sendTime).Milliseconds())
		if !t.haveRTT {
			t.rttEmaMS = rtt
			t.haveRTT = true
		} else {
			t.rttEmaMS = t.cfg.RTTEmaAlpha*rtt + (1-t.cfg.RTTEmaAlpha)*t.rttEmaMS
		}
	}
}

// OnAnyDatagramReceived refreshes last_rx_time for idle detection on any
// inbound datagram of any type, per spec.md §4.8.
func (t *Tracker) OnAnyDatagramReceived() {
	t.mu.Lock()
	t.lastRxTime = time.Now()
	t.mu.Unlock()
}

// IsIdle reports whether SESSION_IDLE_TIMEOUT_MS has elapsed with no
// inbound datagram of any type.
func (t *Tracker) IsIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastRxTime) >= t.cfg.IdleTimeout
}

// RTTEstimateMS returns the current RTT EMA, or 0 if no echo has been
// observed yet.
func (t *Tracker) RTTEstimateMS() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rttEmaMS
}

// SendKeepalive marshals and sends a KEEPALIVE datagram, echoing the most
// recently received peer timestamp.
func (t *Tracker) SendKeepalive(nowMs uint32) error {
	seq := atomic.AddUint32(&t.keepaliveSeq, 1)
	t.mu.Lock()
	echo := t.lastRxTsMs
	t.mu.Unlock()

	k := wire.Keepalive{SessionID: t.sessionID, TsMs: nowMs, Seq: seq, EchoTsMs: echo}
	buf := make([]byte, wire.KeepaliveHeaderSize)
	k.Marshal(buf)
	return t.send(buf)
}

// RequestIDR emits an IDR_REQUEST for reason, subject to a per-reason
// cooldown so a sustained failure mode doesn't flood the link (spec.md
// §4.8's rate limit). Satisfies decode.IDRRequester.
func (t *Tracker) RequestIDR(reason uint8) {
	t.mu.Lock()
	last, ok := t.lastIDRSent[reason]
	now := time.Now()
	if ok && now.Sub(last) < t.cfg.IDRCooldown {
		t.mu.Unlock()
		return
	}
	t.lastIDRSent[reason] = now
	seq := atomic.AddUint32(&t.idrSeq, 1)
	t.mu.Unlock()

	req := wire.IDRRequest{SessionID: t.sessionID, Seq: seq, TsMs: uint32(now.UnixMilli()), Reason: reason}
	buf := make([]byte, wire.IDRRequestHeaderSize)
	req.Marshal(buf)
	_ = t.send(buf)
}
