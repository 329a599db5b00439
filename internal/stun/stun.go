// Package stun implements a minimal classic STUN binding client (RFC 5389)
// for server-reflexive endpoint discovery, carried over the session's single
// shared socket. No TURN, no long-term credentials (SPEC_FULL.md §4.3).
package stun

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/vtether/airlink/internal/transport"
)

const (
	bindingRequest  = 0x0001
	bindingResponse = 0x0101

	attrMappedAddress    = 0x0001
	attrXorMappedAddress = 0x0020

	magicCookie = 0x2112A442

	perAttemptTimeout = 1 * time.Second
	maxAttempts       = 3
)

// DefaultServers is the short list of well-known public STUN servers tried
// in order until one answers.
var DefaultServers = []string{
	"stun.cloudflare.com:3478",
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

var (
	ErrTimeout      = errors.New("stun: no response from any server")
	ErrInvalidReply = errors.New("stun: invalid binding response")
)

// Result is the outcome of a successful Discover call.
type Result struct {
	LocalAddr  *net.UDPAddr
	PublicAddr *net.UDPAddr
	Server     string
	RTT        time.Duration
}

// Discover runs binding requests against servers (DefaultServers if nil) in
// order, returning the first successful result. Each server gets up to
// maxAttempts retries at perAttemptTimeout; exhausting the whole list is
// ErrTimeout, which is fatal for the session per spec.md §4.4/§7.
func Discover(ctx context.Context, sock *transport.Socket, servers []string) (*Result, error) {
	if servers == nil {
		servers = DefaultServers
	}

	for _, server := range servers {
		serverAddr, err := net.ResolveUDPAddr("udp4", server)
		if err != nil {
			continue
		}

		start := time.Now()
		publicAddr, err := doBinding(ctx, sock, serverAddr)
		if err != nil {
			continue
		}

		return &Result{
			LocalAddr:  sock.LocalAddr(),
			PublicAddr: publicAddr,
			Server:     server,
			RTT:        time.Since(start),
		}, nil
	}

	return nil, ErrTimeout
}

func doBinding(ctx context.Context, sock *transport.Socket, server *net.UDPAddr) (*net.UDPAddr, error) {
	txnID := make([]byte, 12)
	if _, err := rand.Read(txnID); err != nil {
		return nil, err
	}

	req := make([]byte, 20)
	binary.BigEndian.PutUint16(req[0:2], bindingRequest)
	binary.BigEndian.PutUint16(req[2:4], 0)
	binary.BigEndian.PutUint32(req[4:8], magicCookie)
	copy(req[8:20], txnID)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(perAttemptTimeout * maxAttempts)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if _, err := sock.Raw().WriteToUDP(req, server); err != nil {
			return nil, err
		}

		attemptDeadline := time.Now().Add(perAttemptTimeout)
		if attemptDeadline.After(deadline) {
			attemptDeadline = deadline
		}
		if err := sock.SetReadDeadline(attemptDeadline); err != nil {
			return nil, err
		}

		buf := make([]byte, 1024)
		n, _, err := sock.Raw().ReadFromUDP(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				default:
					continue
				}
			}
			return nil, err
		}

		addr, err := parseResponse(buf[:n], txnID)
		if err != nil {
			continue
		}
		return addr, nil
	}

	return nil, ErrTimeout
}

func parseResponse(buf []byte, expectedTxnID []byte) (*net.UDPAddr, error) {
	if len(buf) < 20 {
		return nil, ErrInvalidReply
	}

	msgType := binary.BigEndian.Uint16(buf[0:2])
	if msgType != bindingResponse {
		return nil, ErrInvalidReply
	}

	msgLen := binary.BigEndian.Uint16(buf[2:4])
	magic := binary.BigEndian.Uint32(buf[4:8])
	if magic != magicCookie {
		return nil, ErrInvalidReply
	}

	for i := 0; i < 12; i++ {
		if buf[8+i] != expectedTxnID[i] {
			return nil, ErrInvalidReply
		}
	}

	offset := 20
	end := 20 + int(msgLen)
	if end > len(buf) {
		return nil, ErrInvalidReply
	}

	var mapped *net.UDPAddr
	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(buf[offset : offset+2])
		attrLen := binary.BigEndian.Uint16(buf[offset+2 : offset+4])
		if offset+4+int(attrLen) > len(buf) {
			break
		}
		attrData := buf[offset+4 : offset+4+int(attrLen)]

		switch {
		case attrType == attrXorMappedAddress && attrLen >= 8:
			if attrData[1] == 0x01 {
				xport := binary.BigEndian.Uint16(attrData[2:4])
				port := xport ^ uint16(magicCookie>>16)
				xaddr := binary.BigEndian.Uint32(attrData[4:8])
				addr := xaddr ^ magicCookie
				ip := net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))
				return &net.UDPAddr{IP: ip, Port: int(port)}, nil
			}
		case attrType == attrMappedAddress && attrLen >= 8:
			if attrData[1] == 0x01 {
				port := binary.BigEndian.Uint16(attrData[2:4])
				ip := net.IPv4(attrData[4], attrData[5], attrData[6], attrData[7])
				mapped = &net.UDPAddr{IP: ip, Port: int(port)}
			}
		}

		offset += 4 + int((attrLen+3) &^ 3)
	}

	if mapped != nil {
		return mapped, nil
	}
	return nil, ErrInvalidReply
}
