// Package decode implements the receiver-side decode coordinator (C7): a
// single-slot handoff from the assembler's latest complete access unit to
// an external decoder collaborator, a need_keyframe recovery FSM, and a
// decode-stall watchdog. See SPEC_FULL.md §4.7 / spec.md §4.7.
package decode

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vtether/airlink/internal/applog"
	"github.com/vtether/airlink/internal/assembler"
	"github.com/vtether/airlink/internal/decoderiface"
	"github.com/vtether/airlink/internal/h264"
	"github.com/vtether/airlink/internal/telemetry"
	"github.com/vtether/airlink/internal/wire"
)

// IDRRequester is the subset of liveness.Tracker the coordinator needs:
// rate-limited emission of an IDR_REQUEST datagram toward the sender.
type IDRRequester interface {
	RequestIDR(reason uint8)
}

// Config bounds the coordinator's watchdog behavior.
type Config struct {
	// DecodeStall is how long STREAMING may go without a successful decode
	// before the stall watchdog fires a diagnostic and requests a keyframe.
	DecodeStall time.Duration
}

// Coordinator owns need_keyframe and drives decode calls against the
// external decoder collaborator.
type Coordinator struct {
	cfg Config
	dec decoderiface.Decoder
	idr IDRRequester
	tel *telemetry.Registry

	mu             sync.Mutex
	needKeyframe   bool
	lastDecodeTime time.Time
}

func New(cfg Config, dec decoderiface.Decoder, idr IDRRequester, tel *telemetry.Registry) *Coordinator {
	if cfg.DecodeStall <= 0 {
		cfg.DecodeStall = time.Second
	}
	return &Coordinator{
		cfg:          cfg,
		dec:          dec,
		idr:          idr,
		tel:          tel,
		needKeyframe: true, // no decoder starts with valid reference state
	}
}

// Run drains the assembler's completion signal and decodes each available
// AU until ctx is cancelled. It also checks the assembler's timeout-driven
// NeedsIDR flag and runs the decode-stall watchdog on a fixed tick, so both
// fire even if no further AUs ever complete.
func (c *Coordinator) Run(ctx context.Context, asm *assembler.Assembler) {
	log := applog.For("decode")
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	c.mu.Lock()
	c.lastDecodeTime = time.Now()
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-asm.CompletionSignal():
			c.drain(asm)
		case <-ticker.C:
			c.drain(asm)
			c.handleAssemblerIDR(asm)
			c.checkStall(log)
		}
	}
}

// drain takes the assembler's single latest-complete-AU slot and feeds it to
// the decoder, looping until the slot is empty. The slot holds at most one
// AU; a newer completion overwrites an untaken one, so nothing queues.
func (c *Coordinator) drain(asm *assembler.Assembler) {
	for {
		au := asm.TakeLatest()
		if au == nil {
			return
		}
		c.decodeOne(au)
	}
}

// handleAssemblerIDR checks and clears the assembler's timeout-driven
// NeedsIDR flag, requesting a keyframe if set.
func (c *Coordinator) handleAssemblerIDR(asm *assembler.Assembler) {
	if asm.NeedsIDR() {
		asm.ClearNeedsIDR()
		c.RequestKeyframe(wire.IDRReasonLoss)
	}
}

func (c *Coordinator) decodeOne(au *assembler.CompleteAU) {
	c.mu.Lock()
	needKF := c.needKeyframe
	c.mu.Unlock()

	if needKF && !au.IsKeyframe {
		// Discard delta frames until a keyframe restores a valid reference.
		return
	}

	nalAU := &h264.AccessUnit{IsKeyframe: au.IsKeyframe, Data: au.Data}
	err := c.dec.Decode(nalAU)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if c.tel != nil {
			c.tel.DecodeErrors.Inc()
		}
		c.requestKeyframeLocked(wire.IDRReasonDecodeError)
		return
	}

	c.lastDecodeTime = time.Now()
	if au.IsKeyframe {
		c.needKeyframe = false
		if c.tel != nil {
			c.tel.KeyframesDecoded.Inc()
		}
	}
	if c.dec.NeedsKeyframeReset() {
		c.requestKeyframeLocked(wire.IDRReasonDecodeError)
	}
	if c.tel != nil {
		c.tel.FramesRendered.Inc()
		ageMS := float64(time.Since(au.FirstPacketTime).Milliseconds())
		c.tel.SetFrameAgeAtRender(ageMS)
	}
}

func (c *Coordinator) checkStall(log zerolog.Logger) {
	c.mu.Lock()
	stalled := time.Since(c.lastDecodeTime) >= c.cfg.DecodeStall
	c.mu.Unlock()

	if stalled {
		log.Warn().Msg("decode stall detected, requesting keyframe")
		c.RequestKeyframe(wire.IDRReasonLoss)
	}
}

// RequestKeyframe marks need_keyframe and asks the liveness tracker to emit
// a rate-limited IDR_REQUEST.
func (c *Coordinator) RequestKeyframe(reason uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestKeyframeLocked(reason)
}

func (c *Coordinator) requestKeyframeLocked(reason uint8) {
	c.needKeyframe = true
	if c.idr != nil {
		c.idr.RequestIDR(reason)
	}
}

// NeedsKeyframe reports whether the coordinator is currently discarding
// delta frames awaiting a fresh IDR.
func (c *Coordinator) NeedsKeyframe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needKeyframe
}
