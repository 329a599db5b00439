// Package assembler implements the receiver-side fragment reassembly
// pipeline (C6): a bounded set of in-flight frame slots, always-evict
// supersede policy, timeout-triggered IDR signaling, and a single-capacity
// "latest complete AU" handoff. See SPEC_FULL.md §4.6 / spec.md §4.6.
//
// Structurally grounded on the bounded-slot, single-assemble-call shape of
// the pack's RTP frame assemblers (e.g. videoframe.VideoFrameAssembler),
// adapted from sequence-number semantics to this protocol's
// frame_id/frag_index semantics and its wrap-aware ordering.
package assembler

import (
	"sync"
	"time"

	"github.com/vtether/airlink/internal/airerr"
	"github.com/vtether/airlink/internal/telemetry"
	"github.com/vtether/airlink/internal/wire"
)

// CompleteAU is the payload handed off through the single-capacity
// LatestAU slot.
type CompleteAU struct {
	FrameID              uint32
	TsMs                 uint32
	IsKeyframe           bool
	Data                 []byte
	FirstPacketTime      time.Time
	AssemblyCompleteTime time.Time
}

// slot is one in-flight frame assembly, bounded to MaxAUSizeBytes. Each
// fragment's payload is copied into fragPayloads at arrival time, since the
// caller's receive buffer is reused on the next datagram.
type slot struct {
	inUse        bool
	frameID      uint32
	tsMs         uint32
	firstSeen    time.Time
	fragCount    uint16
	received     uint16 // count of set bits, for O(1) completion check
	have         []bool
	lens         []int
	fragPayloads [][]byte
	flags        uint8
}

func (s *slot) reset() {
	s.inUse = false
	s.frameID = 0
	s.received = 0
	s.have = nil
	s.lens = nil
	s.fragPayloads = nil
	s.flags = 0
}

// Config mirrors the tunables of config.Config this package needs, kept
// decoupled from the config package so assembler has no import-cycle risk
// and is trivially unit-testable with small bounds.
type Config struct {
	MaxInflightFrames int
	MaxAUSizeBytes    int
	FrameTimeout      time.Duration
}

// Assembler owns the slot table and the latest-complete-AU handoff. It is
// the exclusive owner of both, per spec.md §3's ownership summary.
type Assembler struct {
	cfg Config
	tel *telemetry.Registry

	mu              sync.Mutex
	slots           []slot
	newestFrameID   uint32
	haveNewest      bool
	needsIDR        bool
	latest          *CompleteAU
	completionCh    chan struct{}
}

// New constructs an Assembler. tel may be nil in tests that don't care
// about counters.
func New(cfg Config, tel *telemetry.Registry) *Assembler {
	if cfg.MaxInflightFrames <= 0 {
		cfg.MaxInflightFrames = 4
	}
	if cfg.MaxAUSizeBytes <= 0 {
		cfg.MaxAUSizeBytes = 128 * 1024
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = 20 * time.Millisecond
	}
	return &Assembler{
		cfg:          cfg,
		tel:          tel,
		slots:        make([]slot, cfg.MaxInflightFrames),
		completionCh: make(chan struct{}, 1),
	}
}

// CompletionSignal fires (non-blocking, coalesced) whenever a new AU
// completes, so the decode coordinator's goroutine can wake without polling.
func (a *Assembler) CompletionSignal() <-chan struct{} { return a.completionCh }

func (a *Assembler) notifyComplete() {
	select {
	case a.completionCh <- struct{}{}:
	default:
	}
}

func (a *Assembler) countDrop(reason airerr.AssemblerDropReason) {
	if a.tel != nil {
		a.tel.CountDrop(reason)
	}
}

// AddFragment implements the add_fragment algorithm of spec.md §4.6.
func (a *Assembler) AddFragment(frag *wire.VideoFragment) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()

	// Step 1: drop fragments far enough behind newest to be hopeless,
	// allowing one frame of reorder.
	if a.haveNewest && wire.IsOlder(frag.FrameID, a.newestFrameID-1) {
		return
	}

	// Step 2: track the newest frame_id seen and enforce the reference
	// always-evict supersede policy (spec.md §4.6/§8 scenario 5): any
	// in-flight slot still incomplete when a newer frame_id arrives is
	// destroyed immediately, not left to ride out in the slot table.
	if !a.haveNewest || wire.IsNewer(frag.FrameID, a.newestFrameID) {
		a.haveNewest = true
		a.newestFrameID = frag.FrameID
		for i := range a.slots {
			if a.slots[i].inUse && wire.IsOlder(a.slots[i].frameID, a.newestFrameID) {
				a.slots[i].reset()
				a.countDrop(airerr.DropSuperseded)
			}
		}
	}

	// Step 3: locate or create the slot. On overflow (the table is full of
	// frames that are not superseded relative to each other, e.g. under
	// reorder), evict the oldest in-flight slot to make room.
	idx := a.findSlot(frag.FrameID)
	if idx < 0 {
		idx = a.freeSlot()
	}
	if idx < 0 {
		idx = a.evictOldestSlot()
		a.countDrop(airerr.DropOverflow)
	}
	s := &a.slots[idx]

	if !s.inUse || s.frameID != frag.FrameID {
		// Fresh slot for this frame_id.
		*s = slot{
			inUse:        true,
			frameID:      frag.FrameID,
			tsMs:         frag.TsMs,
			firstSeen:    now,
			fragCount:    frag.FragCount,
			have:         make([]bool, frag.FragCount),
			lens:         make([]int, frag.FragCount),
			fragPayloads: make([][]byte, frag.FragCount),
			flags:        frag.Flags,
		}
	}

	// Step 5: duplicate fragment.
	if int(frag.FragIndex) < len(s.have) && s.have[frag.FragIndex] {
		if a.tel != nil {
			a.tel.DuplicateFragments.Inc()
		}
		return
	}

	// Bound the AU size; if a pathological fragment set would exceed it,
	// drop the whole slot rather than grow past MaxAUSizeBytes.
	totalLen := 0
	for i, l := range s.lens {
		if i == int(frag.FragIndex) {
			totalLen += len(frag.Payload)
		} else {
			totalLen += l
		}
	}
	if totalLen > a.cfg.MaxAUSizeBytes {
		s.reset()
		return
	}

	// Step 6: copy the payload now, since frag.Payload aliases the caller's
	// receive buffer which is reused on the next datagram. Storing by index
	// lets completeSlot concatenate in frag_index order regardless of
	// arrival order.
	s.fragPayloads[frag.FragIndex] = append([]byte(nil), frag.Payload...)
	s.lens[frag.FragIndex] = len(frag.Payload)
	s.have[frag.FragIndex] = true
	s.received++
	if frag.IsKeyframe() {
		s.flags |= wire.FlagKeyframe
	}
	if frag.HasSPSPPS() {
		s.flags |= wire.FlagSPSPPS
	}

	if a.tel != nil {
		a.tel.FragmentsReceived.Inc()
	}

	// Step 7: completion check and in-order concatenation.
	if int(s.received) == len(s.have) {
		a.completeSlot(idx, now)
	}
}

// completeSlot concatenates the slot's fragments in index order and
// publishes the result to the single-capacity latest-complete-AU handoff.
// Caller holds a.mu.
func (a *Assembler) completeSlot(idx int, now time.Time) {
	s := &a.slots[idx]

	total := 0
	for _, l := range s.lens {
		total += l
	}

	// Concatenate in frag_index order regardless of network arrival order.
	data := make([]byte, 0, total)
	for i := range s.fragPayloads {
		data = append(data, s.fragPayloads[i]...)
	}

	au := &CompleteAU{
		FrameID:              s.frameID,
		TsMs:                 s.tsMs,
		IsKeyframe:           s.flags&wire.FlagKeyframe != 0,
		Data:                 data,
		FirstPacketTime:      s.firstSeen,
		AssemblyCompleteTime: now,
	}

	a.latest = au
	if a.tel != nil {
		a.tel.FramesCompleted.Inc()
		a.tel.SetLatestAUAge(float64(now.Sub(s.firstSeen).Milliseconds()))
	}

	s.reset()
	a.notifyComplete()
}

// findSlot returns the index of the slot already assembling frameID, or -1.
func (a *Assembler) findSlot(frameID uint32) int {
	for i := range a.slots {
		if a.slots[i].inUse && a.slots[i].frameID == frameID {
			return i
		}
	}
	return -1
}

func (a *Assembler) freeSlot() int {
	for i := range a.slots {
		if !a.slots[i].inUse {
			return i
		}
	}
	return -1
}

// evictOldestSlot evicts and returns the slot with the smallest (oldest,
// wrap-aware) frame_id.
func (a *Assembler) evictOldestSlot() int {
	oldest := -1
	for i := range a.slots {
		if !a.slots[i].inUse {
			continue
		}
		if oldest < 0 || wire.IsOlder(a.slots[i].frameID, a.slots[oldest].frameID) {
			oldest = i
		}
	}
	if oldest < 0 {
		return 0
	}
	a.slots[oldest].reset()
	return oldest
}

// Tick walks the slot table and times out any slot older than FrameTimeout.
// Call every few ms, or piggybacked on each receive loop iteration.
func (a *Assembler) Tick(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.slots {
		if !a.slots[i].inUse {
			continue
		}
		if now.Sub(a.slots[i].firstSeen) > a.cfg.FrameTimeout {
			a.slots[i].reset()
			a.needsIDR = true
			a.countDrop(airerr.DropTimeout)
		}
	}
}

// NeedsIDR reports the pending-IDR flag set by timeouts; it does not clear
// it (see ClearNeedsIDR).
func (a *Assembler) NeedsIDR() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.needsIDR
}

// ClearNeedsIDR resets the pending-IDR flag. The decode coordinator calls it
// as soon as it has requested a keyframe for a set flag, not when a keyframe
// later decodes.
func (a *Assembler) ClearNeedsIDR() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.needsIDR = false
}

// TakeLatest reads and clears the single-capacity latest-complete-AU slot.
// Returns nil if empty.
func (a *Assembler) TakeLatest() *CompleteAU {
	a.mu.Lock()
	defer a.mu.Unlock()
	au := a.latest
	a.latest = nil
	return au
}

// LiveSlotCount reports the current number of in-flight slots, for the
// invariant test in spec.md §8 (live_slot_count <= MaxInflightFrames).
func (a *Assembler) LiveSlotCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for i := range a.slots {
		if a.slots[i].inUse {
			n++
		}
	}
	return n
}
