package main

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/vtether/airlink/internal/airerr"
	"github.com/vtether/airlink/internal/assembler"
	"github.com/vtether/airlink/internal/framer"
	"github.com/vtether/airlink/internal/liveness"
	"github.com/vtether/airlink/internal/session"
	"github.com/vtether/airlink/internal/telemetry"
	"github.com/vtether/airlink/internal/transport"
	"github.com/vtether/airlink/internal/wire"
)

// recvLoopDeps bundles the collaborators a single inbound-datagram dispatch
// loop feeds, generalizing the teacher's receiveLoop switch over msg_type
// into a side-independent dispatcher shared by both sender.go and
// receiver.go (the teacher's receiveLoop only ever ran on the sender).
type recvLoopDeps struct {
	sock    *transport.Socket
	sess    *session.Session
	tel     *telemetry.Registry
	live    func() *liveness.Tracker // liveness.Tracker is (re)created per session attempt
	asm     *assembler.Assembler     // receiver only, nil on sender
	idrGate *framer.IDRGate          // sender only, nil on receiver
}

// runRecvLoop polls the socket until ctx is cancelled, demuxing each
// datagram by msg_type and forwarding it to the relevant collaborator.
// Malformed datagrams are dropped silently per spec.md §7.
func runRecvLoop(ctx context.Context, d recvLoopDeps, log zerolog.Logger) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		n, src, err := d.sock.RecvOne(buf)
		if err != nil {
			if err == transport.ErrWouldBlock {
				continue
			}
			log.Debug().Err(err).Msg("recv error")
			continue
		}
		dispatchDatagram(d, buf[:n], src, log)
	}
}

func dispatchDatagram(d recvLoopDeps, pkt []byte, src *net.UDPAddr, log zerolog.Logger) {
	msgType, _, err := wire.Demux(pkt)
	if err != nil {
		if d.tel != nil {
			d.tel.InvalidPackets.Inc()
		}
		return
	}
	if d.tel != nil {
		d.tel.PacketsReceived.Inc()
	}

	live := d.live()
	if live != nil {
		live.OnAnyDatagramReceived()
	}

	switch msgType {
	case wire.MsgTypeProbe:
		var p wire.Probe
		if err := p.Unmarshal(pkt); err == nil {
			d.sess.NotifyProbe(&p, src)
		}

	case wire.MsgTypeKeepalive:
		var k wire.Keepalive
		if err := k.Unmarshal(pkt); err == nil && live != nil {
			var sendTimes map[uint32]time.Time
			if d.sess != nil {
				sendTimes = d.sess.KeepaliveSendTimes()
			}
			live.OnKeepaliveReceived(&k, sendTimes)
		}

	case wire.MsgTypeIDRRequest:
		var r wire.IDRRequest
		if err := r.Unmarshal(pkt); err == nil && d.idrGate != nil {
			d.idrGate.Notify(r.Reason)
		}

	case wire.MsgTypeVideoFragment:
		if d.asm == nil {
			return
		}
		var frag wire.VideoFragment
		if err := frag.Unmarshal(pkt); err != nil {
			if d.tel != nil {
				d.tel.InvalidPackets.Inc()
			}
			log.Debug().Err(&airerr.MalformedDatagramError{Err: err}).Msg("malformed video fragment")
			return
		}
		// FragmentsReceived is counted inside AddFragment, which is the only
		// site that knows whether the fragment was actually accepted into a
		// slot rather than dropped as too-old/duplicate/oversized.
		d.asm.AddFragment(&frag)

	default:
		if d.tel != nil {
			d.tel.InvalidPackets.Inc()
		}
	}
}
