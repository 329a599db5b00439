// Package decoderiface defines the boundary between the decode coordinator
// and whatever external H.264 decoder/renderer a deployment wires in. No
// concrete hardware decoder is implemented here — only the interface and a
// reference NullDecoder for tests and loopback demos, per spec.md §6.
package decoderiface

import "github.com/vtether/airlink/internal/h264"

// Decoder is the external collaborator that turns complete access units
// into displayed frames. Implementations are expected to own their own
// rendering cadence; Decode is called once per access unit handed off by
// the decode coordinator.
type Decoder interface {
	// Decode submits one access unit for decode/display. An error signals
	// the coordinator to request a fresh keyframe.
	Decode(au *h264.AccessUnit) error

	// NeedsKeyframeReset reports whether the decoder has entered a state
	// (e.g. after an internal error) where it cannot resume from delta
	// frames alone and requires a fresh IDR before further Decode calls
	// will succeed.
	NeedsKeyframeReset() bool

	// Release frees any resources held by the decoder. Called once at
	// session teardown.
	Release()
}

// NullDecoder accepts every access unit and reports success, recording the
// last one it saw for inspection in tests.
type NullDecoder struct {
	Last *h264.AccessUnit
}

func (d *NullDecoder) Decode(au *h264.AccessUnit) error {
	d.Last = au
	return nil
}

func (d *NullDecoder) NeedsKeyframeReset() bool { return false }

func (d *NullDecoder) Release() {}
