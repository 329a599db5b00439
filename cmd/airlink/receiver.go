package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vtether/airlink/internal/applog"
	"github.com/vtether/airlink/internal/assembler"
	"github.com/vtether/airlink/internal/decode"
	"github.com/vtether/airlink/internal/decoderiface"
	"github.com/vtether/airlink/internal/liveness"
	"github.com/vtether/airlink/internal/session"
	"github.com/vtether/airlink/internal/signaling"
	"github.com/vtether/airlink/internal/telemetry"
	"github.com/vtether/airlink/internal/transport"
	"github.com/vtether/airlink/internal/wire"
)

// newReceiverCmd generalizes the receiving half of the link, which the
// teacher repo never implemented (its fpv-sender is the Pi/sender side
// only); built from scratch in the teacher's idiom per spec.md §4.6/§4.7.
func newReceiverCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "receiver",
		Short: "Receive a stream, reassemble access units, and decode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceiver(cmd.Context(), gf)
		},
	}
}

func runReceiver(ctx context.Context, gf *globalFlags) error {
	log := applog.For("receiver")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sock, err := transport.Listen(gf.localPort, transport.Config{
		RecvBufBytes: cfg.SocketRecvBufBytes,
		SendBufBytes: cfg.SocketSendBufBytes,
		PollTimeout:  transport.DefaultConfig().PollTimeout,
	})
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	defer sock.Close()
	log.Info().Stringer("local_addr", sock.LocalAddr()).Msg("bound")

	var sig *signaling.Client
	if gf.signalURL != "" {
		sig = signaling.NewClient(gf.signalURL)
	}

	sess := session.New(session.Config{
		StunGatherTimeout:   cfg.StunGatherTimeout(),
		PunchWindow:         cfg.PunchWindow(),
		ProbeInterval:       cfg.ProbeInterval(),
		KeepaliveInterval:   cfg.KeepaliveInterval(),
		SessionIdleTimeout:  cfg.SessionIdleTimeout(),
		IDRCooldown:         cfg.IDRCooldown(),
		RTTEmaAlpha:         cfg.RTTEmaAlpha,
		MaxReconnectRetries: cfg.MaxReconnectRetries,
	}, wire.RoleReceiver, sock, sig)

	if sig == nil {
		if gf.localTarget == "" {
			return fmt.Errorf("either --signal or --peer must be set")
		}
		peer, err := net.ResolveUDPAddr("udp4", gf.localTarget)
		if err != nil {
			return fmt.Errorf("invalid --peer: %w", err)
		}
		sess.SetStaticPeer(peer)
	}

	tel := telemetry.NewRegistry()
	if gf.metricsAddr != "" {
		go func() {
			if err := tel.Serve(ctx, gf.metricsAddr); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}
	watcher := telemetry.NewBacklogWatcher(tel, 10)
	go watcher.Run(ctx, 200*time.Millisecond)

	asm := assembler.New(assembler.Config{
		MaxInflightFrames: cfg.MaxInflightFrames,
		MaxAUSizeBytes:    cfg.MaxAUSizeBytes,
		FrameTimeout:      cfg.FrameTimeout(),
	}, tel)
	go runAssemblerTicker(ctx, asm)

	dec := &decoderiface.NullDecoder{}
	defer dec.Release()
	coordinator := decode.New(decode.Config{DecodeStall: cfg.DecodeStall()}, dec, &deferredIDR{sess: sess}, tel)
	go coordinator.Run(ctx, asm)

	go runRecvLoop(ctx, recvLoopDeps{
		sock: sock,
		sess: sess,
		tel:  tel,
		live: func() *liveness.Tracker { return sess.Liveness },
		asm:  asm,
	}, log)

	return sess.Run(ctx)
}

// runAssemblerTicker drives the assembler's periodic timeout sweep; the
// teacher has no equivalent (it never reassembled fragments), so this is
// sized off spec.md §4.6's FRAME_TIMEOUT_MS.
func runAssemblerTicker(ctx context.Context, asm *assembler.Assembler) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			asm.Tick(time.Now())
		}
	}
}

// deferredIDR adapts session.Session (whose Liveness tracker is recreated
// per reconnect attempt) to decode.IDRRequester, since the coordinator is
// constructed once but Liveness may not exist yet at that point.
type deferredIDR struct {
	sess *session.Session
}

func (d *deferredIDR) RequestIDR(reason uint8) {
	if d.sess.Liveness != nil {
		d.sess.Liveness.RequestIDR(reason)
	}
}
