// Package session implements the full 9-state session machine (C4) of
// spec.md §4.4: signaling handshake, STUN gathering, simultaneous-open UDP
// hole punching, and the CONNECTED/STREAMING/RECONNECTING/FAILED lifecycle.
// The teacher (fpv-sender/main.go) only reaches CONNECTED and stubs
// signaling with a fixed peer address; this generalizes its scattered
// `if a.state == StatePunching` checks into one sequential attempt
// (runOneAttempt) that steps through the states in order, adds the
// signaling round trip, and adds reconnection.
package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vtether/airlink/internal/applog"
	"github.com/vtether/airlink/internal/liveness"
	"github.com/vtether/airlink/internal/signaling"
	"github.com/vtether/airlink/internal/stun"
	"github.com/vtether/airlink/internal/transport"
	"github.com/vtether/airlink/internal/wire"
)

// State is one of the 9 states spec.md §4.4 names.
type State int

const (
	StateIdle State = iota
	StateSignalingConnect
	StateStunGather
	StateExchangeCandidates
	StatePunching
	StateConnected
	StateStreaming
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSignalingConnect:
		return "SIGNALING_CONNECT"
	case StateStunGather:
		return "STUN_GATHER"
	case StateExchangeCandidates:
		return "EXCHANGE_CANDIDATES"
	case StatePunching:
		return "PUNCHING"
	case StateConnected:
		return "CONNECTED"
	case StateStreaming:
		return "STREAMING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Config bounds the state machine's timeouts, carried from config.Config
// but decoupled to avoid an import cycle.
type Config struct {
	StunGatherTimeout   time.Duration
	PunchWindow         time.Duration
	ProbeInterval       time.Duration
	KeepaliveInterval   time.Duration
	SessionIdleTimeout  time.Duration
	IDRCooldown         time.Duration
	RTTEmaAlpha         float64
	MaxReconnectRetries int
	STUNServers         []string
}

func (c *Config) applyDefaults() {
	if c.StunGatherTimeout <= 0 {
		c.StunGatherTimeout = 10 * time.Second
	}
	if c.PunchWindow <= 0 {
		c.PunchWindow = 3 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 20 * time.Millisecond
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = time.Second
	}
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = 3 * time.Second
	}
	if c.IDRCooldown <= 0 {
		c.IDRCooldown = time.Second
	}
	if c.RTTEmaAlpha <= 0 {
		c.RTTEmaAlpha = 0.15
	}
	if c.MaxReconnectRetries <= 0 {
		c.MaxReconnectRetries = 3
	}
	if len(c.STUNServers) == 0 {
		c.STUNServers = stun.DefaultServers
	}
}

// FailedError is returned by Run when the session lands in FAILED, carrying
// the terminal-state reason spec.md §6 asks the CLI to surface.
type FailedError struct {
	Reason string
}

func (e *FailedError) Error() string { return e.Reason }

// Session drives the state machine for one logical connection attempt
// (including its reconnects) over one transport.Socket.
type Session struct {
	cfg  Config
	role uint8 // wire.RoleSender or wire.RoleReceiver
	sock *transport.Socket
	sig  *signaling.Client

	Liveness *liveness.Tracker

	mu           sync.Mutex
	state        State
	sessionID    uint32
	nonce        uint64
	peerEndpoint *net.UDPAddr
	rxProbeOK    bool
	lastSTUNRTT  time.Duration
	kaSendTimes  map[uint32]time.Time
	staticPeer   *net.UDPAddr

	stateCh chan State
}

// New constructs a Session. sig may be nil for direct LAN/loopback testing
// that skips signaling (spec.md §6's "mandatory flags" exemption), in which
// case the caller must supply a fixed peer endpoint via SetStaticPeer
// before calling Run.
func New(cfg Config, role uint8, sock *transport.Socket, sig *signaling.Client) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:     cfg,
		role:    role,
		sock:    sock,
		sig:     sig,
		state:   StateIdle,
		stateCh: make(chan State, 8),
	}
	s.regenerateIdentity()
	return s
}

func (s *Session) regenerateIdentity() {
	var idBuf [4]byte
	_, _ = rand.Read(idBuf[:])
	var nonceBuf [8]byte
	_, _ = rand.Read(nonceBuf[:])
	s.sessionID = binary.BigEndian.Uint32(idBuf[:])
	s.nonce = binary.BigEndian.Uint64(nonceBuf[:])
}

// State returns the current state under lock.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerEndpoint returns the locked peer address once CONNECTED, or nil.
func (s *Session) PeerEndpoint() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerEndpoint
}

// SessionID and Nonce expose the identity the liveness/framer/assembler
// layers need to stamp outgoing datagrams and validate inbound ones.
func (s *Session) SessionID() uint32 { return s.sessionID }
func (s *Session) Nonce() uint64     { return s.nonce }

// KeepaliveSendTimes returns a snapshot of ts_ms -> send time for the
// keepalives this session has recorded (once more than 32 are held, entries
// older than 30 s are pruned), for the receive loop to hand to
// Liveness.OnKeepaliveReceived so it can match the peer's echo back to an
// RTT sample.
func (s *Session) KeepaliveSendTimes() map[uint32]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]time.Time, len(s.kaSendTimes))
	for ts, t := range s.kaSendTimes {
		out[ts] = t
	}
	return out
}

func (s *Session) recordKeepaliveSend(nowMs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kaSendTimes == nil {
		s.kaSendTimes = make(map[uint32]time.Time)
	}
	s.kaSendTimes[nowMs] = time.Now()
	if len(s.kaSendTimes) > 32 {
		for ts, t := range s.kaSendTimes {
			if time.Since(t) > 30*time.Second {
				delete(s.kaSendTimes, ts)
			}
		}
	}
}

// StateChanges returns a channel of state transitions a caller can watch to
// start/stop the decode or framer goroutines on STREAMING entry/exit.
func (s *Session) StateChanges() <-chan State { return s.stateCh }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	select {
	case s.stateCh <- st:
	default:
	}
}

// SetStaticPeer locks in a direct peer endpoint for LAN/loopback testing,
// bypassing signaling entirely (spec.md §6's mandatory-flags exemption).
// Must be called before Run when sig is nil.
func (s *Session) SetStaticPeer(addr *net.UDPAddr) {
	s.mu.Lock()
	s.staticPeer = addr
	s.mu.Unlock()
}

// NotifyProbe is called by the owning receive loop whenever a PROBE
// datagram arrives, so the punching step can observe it without the event
// loop itself owning the socket read.
func (s *Session) NotifyProbe(p *wire.Probe, src *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.SessionID != s.sessionID || p.Nonce != s.nonce {
		return
	}
	if s.state == StatePunching {
		s.peerEndpoint = src
		s.rxProbeOK = true
	}
}

// Run drives the full lifecycle until ctx is cancelled (clean return, nil
// error) or the session lands in FAILED (*FailedError returned).
func (s *Session) Run(ctx context.Context) error {
	log := applog.For("session")
	attempts := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := s.runOneAttempt(ctx, log); err != nil {
			var fe *FailedError
			if asFailedError(err, &fe) {
				attempts++
				if attempts > s.cfg.MaxReconnectRetries {
					s.setState(StateFailed)
					return fe
				}
				log.Warn().Err(err).Int("attempt", attempts).Msg("session attempt failed, retrying")
				s.regenerateIdentity()
				continue
			}
			return err
		}
		// runOneAttempt only returns nil when ctx was cancelled mid-stream.
		return nil
	}
}

func asFailedError(err error, out **FailedError) bool {
	fe, ok := err.(*FailedError)
	if ok {
		*out = fe
	}
	return ok
}

// runOneAttempt executes IDLE..STREAMING once, then blocks watching for
// idle timeout while STREAMING, returning a *FailedError on any terminal
// failure or nil if ctx is cancelled while still healthy.
func (s *Session) runOneAttempt(ctx context.Context, log zerolog.Logger) error {
	s.setState(StateSignalingConnect)
	candidates, _, err := s.signalingHandshake(ctx)
	if err != nil {
		return &FailedError{Reason: fmt.Sprintf("signaling failed: %v", err)}
	}

	s.setState(StateStunGather)
	if _, err := s.gatherSTUN(ctx); err != nil {
		return &FailedError{Reason: "unable to establish peer connection"}
	}

	s.setState(StateExchangeCandidates)
	ordered := orderCandidates(candidates, s.sock.LocalAddr())

	s.Liveness = liveness.New(liveness.Config{
		KeepaliveInterval: s.cfg.KeepaliveInterval,
		IdleTimeout:       s.cfg.SessionIdleTimeout,
		IDRCooldown:       s.cfg.IDRCooldown,
		RTTEmaAlpha:       s.cfg.RTTEmaAlpha,
	}, s.sessionID, func(b []byte) error {
		dst := s.PeerEndpoint()
		if dst == nil {
			return nil
		}
		_, err := s.sock.SendTo(b, dst)
		return err
	})

	s.setState(StatePunching)
	if err := s.punch(ctx, ordered); err != nil {
		return &FailedError{Reason: "unable to establish peer connection"}
	}

	s.setState(StateConnected)
	s.setState(StateStreaming)
	if s.role == wire.RoleReceiver {
		s.Liveness.RequestIDR(wire.IDRReasonStartup)
	}

	return s.watchStreaming(ctx)
}

// signalingHandshake exchanges Records with the peer via the signaling
// server. If no signaling client is configured, it returns immediately
// with an empty candidate set — the caller is expected to have already
// locked a static peer endpoint for direct LAN testing.
func (s *Session) signalingHandshake(ctx context.Context) ([]*net.UDPAddr, signaling.Record, error) {
	if s.sig == nil {
		s.mu.Lock()
		peer := s.staticPeer
		s.mu.Unlock()
		if peer == nil {
			return nil, signaling.Record{}, nil
		}
		return []*net.UDPAddr{peer}, signaling.Record{}, nil
	}
	if err := s.sig.Connect(ctx); err != nil {
		return nil, signaling.Record{}, err
	}

	local := s.sock.LocalAddr()
	rec := signaling.Record{
		SessionID:     s.sessionID,
		Nonce:         s.nonce,
		Role:          s.role,
		LocalEndpoint: local.String(),
	}
	if err := s.sig.Publish(rec); err != nil {
		return nil, signaling.Record{}, err
	}

	remote, err := s.sig.Recv(ctx)
	if err != nil {
		return nil, signaling.Record{}, err
	}

	var candidates []*net.UDPAddr
	if remote.SrflxEndpoint != "" {
		if a, err := net.ResolveUDPAddr("udp4", remote.SrflxEndpoint); err == nil {
			candidates = append(candidates, a)
		}
	}
	if remote.LocalEndpoint != "" {
		if a, err := net.ResolveUDPAddr("udp4", remote.LocalEndpoint); err == nil {
			candidates = append([]*net.UDPAddr{a}, candidates...)
		}
	}
	return candidates, remote, nil
}

func (s *Session) gatherSTUN(ctx context.Context) (*stun.Result, error) {
	gatherCtx, cancel := context.WithTimeout(ctx, s.cfg.StunGatherTimeout)
	defer cancel()
	res, err := stun.Discover(gatherCtx, s.sock, s.cfg.STUNServers)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastSTUNRTT = res.RTT
	s.mu.Unlock()
	if s.sig != nil {
		_ = s.sig.Publish(signaling.Record{
			SessionID:     s.sessionID,
			Nonce:         s.nonce,
			Role:          s.role,
			SrflxEndpoint: res.PublicAddr.String(),
		})
	}
	return res, nil
}

// orderCandidates implements spec.md §4.4's local-before-srflx heuristic:
// a remote candidate on the same /24 as our local address is tried first.
func orderCandidates(candidates []*net.UDPAddr, local *net.UDPAddr) []*net.UDPAddr {
	if len(candidates) < 2 {
		return candidates
	}
	ordered := make([]*net.UDPAddr, 0, len(candidates))
	var rest []*net.UDPAddr
	for _, c := range candidates {
		if sameSubnet24(c.IP, local.IP) {
			ordered = append(ordered, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(ordered, rest...)
}

func sameSubnet24(a, b net.IP) bool {
	a4, b4 := a.To4(), b.To4()
	if a4 == nil || b4 == nil {
		return false
	}
	return a4[0] == b4[0] && a4[1] == b4[1] && a4[2] == b4[2]
}

// punch performs simultaneous-open UDP hole punching: emit a PROBE to every
// candidate every ProbeInterval until a matching PROBE is observed
// (NotifyProbe) or PunchWindow elapses.
func (s *Session) punch(ctx context.Context, candidates []*net.UDPAddr) error {
	deadline := time.Now().Add(s.cfg.PunchWindow)
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	var seq uint32
	for {
		s.mu.Lock()
		ok := s.rxProbeOK
		s.mu.Unlock()
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return &FailedError{Reason: "punch window exceeded, no relay fallback"}
		}

		seq++
		p := wire.Probe{SessionID: s.sessionID, TsMs: uint32(time.Now().UnixMilli()), ProbeSeq: seq, Nonce: s.nonce, Role: s.role}
		buf := make([]byte, wire.ProbeHeaderSize)
		p.Marshal(buf)
		for _, c := range candidates {
			_, _ = s.sock.SendTo(buf, c)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// watchStreaming sits in STREAMING, paced by the keepalive interval,
// sending keepalives and watching for idle timeout. Returns nil on clean
// ctx cancellation, a *FailedError only indirectly via idle -> reconnect
// (handled by the caller regenerating identity and retrying from the top).
func (s *Session) watchStreaming(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.Liveness.IsIdle() {
				s.setState(StateReconnecting)
				return &FailedError{Reason: "session idle timeout, reconnecting"}
			}
			nowMs := uint32(time.Now().UnixMilli())
			s.recordKeepaliveSend(nowMs)
			_ = s.Liveness.SendKeepalive(nowMs)
		}
	}
}
