// Package transport owns the single non-blocking UDP socket a session uses
// for STUN, punching, keepalives, video and control — all multiplexed
// through one socket because STUN and hole punching must discover the same
// public endpoint the video traffic will use (SPEC_FULL.md §4.2).
package transport

import (
	"errors"
	"net"
	"time"
)

// Kind distinguishes candidate endpoint provenance.
type Kind int

const (
	KindLocal Kind = iota
	KindSrflx
)

// Endpoint pairs a UDP address with how it was discovered.
type Endpoint struct {
	Addr *net.UDPAddr
	Kind Kind
}

var (
	// ErrWouldBlock is returned by RecvOne when the kernel buffer is empty.
	ErrWouldBlock = errors.New("transport: would block")
	// ErrBackpressure is returned by SendTo on any write error;
	// callers must treat it as a drop signal, never a retry point.
	ErrBackpressure = errors.New("transport: backpressure")
)

// Config tunes the socket's kernel buffers. A consistent backlog of more
// than ~10-20ms worth of data is a signal the receive buffer should shrink
// further — the kernel must never become a hidden jitter buffer.
type Config struct {
	RecvBufBytes int
	SendBufBytes int
	PollTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RecvBufBytes: 64 * 1024,
		SendBufBytes: 256 * 1024,
		PollTimeout:  100 * time.Millisecond,
	}
}

// Socket wraps one *net.UDPConn shared by every protocol concern in a
// session.
type Socket struct {
	conn   *net.UDPConn
	cfg    Config
	local  *net.UDPAddr
}

// Listen binds a non-blocking UDP socket on the given local port (0 = OS
// ephemeral choice) with capped kernel buffers.
func Listen(localPort int, cfg Config) (*Socket, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: localPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadBuffer(cfg.RecvBufBytes); err != nil {
		// Non-fatal: some platforms/containers refuse to shrink the buffer.
		_ = err
	}
	if err := conn.SetWriteBuffer(cfg.SendBufBytes); err != nil {
		_ = err
	}
	return &Socket{conn: conn, cfg: cfg, local: conn.LocalAddr().(*net.UDPAddr)}, nil
}

func (s *Socket) LocalAddr() *net.UDPAddr { return s.local }

func (s *Socket) Raw() *net.UDPConn { return s.conn }

// Close tears the socket down; any blocked or future send/recv fails fast.
func (s *Socket) Close() error { return s.conn.Close() }

// RecvOne performs one non-blocking-equivalent receive: a short read
// deadline stands in for O_NONBLOCK since net.UDPConn has no direct
// non-blocking mode. Returns ErrWouldBlock on timeout.
func (s *Socket) RecvOne(buf []byte) (int, *net.UDPAddr, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PollTimeout)); err != nil {
		return 0, nil, err
	}
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return 0, nil, ErrWouldBlock
		}
		return 0, nil, err
	}
	return n, addr, nil
}

// SendTo writes one datagram. Any write error is reported as
// ErrBackpressure: the spec requires send failures be treated as a drop
// signal, never a retry/wait point.
func (s *Socket) SendTo(b []byte, dst *net.UDPAddr) (int, error) {
	n, err := s.conn.WriteToUDP(b, dst)
	if err != nil {
		return n, ErrBackpressure
	}
	return n, nil
}

// SetReadDeadline is exposed for components (STUN) that need a longer-than-poll
// deadline for a specific blocking call.
func (s *Socket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}
