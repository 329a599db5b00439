// Package telemetry implements the C9 per-stage counters named in
// spec.md §4.9 and the backlog-detection diagnostic of spec.md §8, exposed
// as Prometheus metrics (SPEC_FULL.md §11) rather than hand-rolled atomics
// so the counters are externally observable without adding a queue.
package telemetry

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vtether/airlink/internal/airerr"
	"github.com/vtether/airlink/internal/applog"
)

// Registry holds every counter/gauge spec.md §4.9 names.
type Registry struct {
	PacketsReceived     prometheus.Counter
	PacketsSent         prometheus.Counter
	InvalidPackets      prometheus.Counter
	FragmentsReceived   prometheus.Counter
	FramesCompleted     prometheus.Counter
	FramesDroppedTimeout    prometheus.Counter
	FramesDroppedSuperseded prometheus.Counter
	FramesDroppedOverflow   prometheus.Counter
	DuplicateFragments  prometheus.Counter
	DecodeErrors        prometheus.Counter
	KeyframesDecoded    prometheus.Counter
	FramesRendered      prometheus.Counter

	LatestCompleteAUAgeMS prometheus.Gauge
	FrameAgeAtRenderMS    prometheus.Gauge

	// auAgeMS mirrors LatestCompleteAUAgeMS for the backlog watcher, which
	// needs to read its own value back cheaply rather than scraping the
	// Prometheus collector.
	auAgeMS atomic.Int64

	reg *prometheus.Registry
}

// SetLatestAUAge records the current age of the latest complete AU slot, in
// milliseconds, updating both the exported gauge and the watcher's sample.
func (r *Registry) SetLatestAUAge(ageMS float64) {
	r.LatestCompleteAUAgeMS.Set(ageMS)
	r.auAgeMS.Store(int64(ageMS))
}

// SetFrameAgeAtRender records the age of a frame at the moment it was handed
// to the renderer. The age is measured from the arrival of the frame's first
// fragment at the receiver; the sender timestamp is not used.
func (r *Registry) SetFrameAgeAtRender(ageMS float64) {
	r.FrameAgeAtRenderMS.Set(ageMS)
}

// NewRegistry constructs a fresh, independent metrics registry (one per
// session, so repeated sessions in a test process don't collide on metric
// registration).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	mk := func(name, help string) prometheus.Counter {
		return promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "airlink",
			Name:      name,
			Help:      help,
		})
	}
	mkGauge := func(name, help string) prometheus.Gauge {
		return promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "airlink",
			Name:      name,
			Help:      help,
		})
	}

	return &Registry{
		PacketsReceived:         mk("packets_received_total", "inbound datagrams of any type"),
		PacketsSent:             mk("packets_sent_total", "outbound video fragment datagrams"),
		InvalidPackets:          mk("invalid_packets_total", "datagrams dropped at header validation"),
		FragmentsReceived:       mk("fragments_received_total", "video fragments accepted by the assembler"),
		FramesCompleted:         mk("frames_completed_total", "access units fully reassembled"),
		FramesDroppedTimeout:    mk("frames_dropped_timeout_total", "assembly slots discarded on timeout"),
		FramesDroppedSuperseded: mk("frames_dropped_superseded_total", "assembly slots evicted by a newer frame"),
		FramesDroppedOverflow:   mk("frames_dropped_overflow_total", "assembly slots evicted for lack of room"),
		DuplicateFragments:      mk("duplicate_fragments_total", "fragments re-received for an already-filled index"),
		DecodeErrors:            mk("decode_errors_total", "external decoder call failures"),
		KeyframesDecoded:        mk("keyframes_decoded_total", "successful keyframe decodes"),
		FramesRendered:          mk("frames_rendered_total", "frames handed to the external renderer"),
		LatestCompleteAUAgeMS:   mkGauge("latest_complete_au_age_ms", "age of the latest complete AU slot"),
		FrameAgeAtRenderMS:      mkGauge("frame_age_at_render_ms", "age of the frame at render time, since its first fragment arrived"),
		reg:                     reg,
	}
}

// CountDrop increments the counter matching an assembler drop reason.
func (r *Registry) CountDrop(reason airerr.AssemblerDropReason) {
	switch reason {
	case airerr.DropTimeout:
		r.FramesDroppedTimeout.Inc()
	case airerr.DropSuperseded:
		r.FramesDroppedSuperseded.Inc()
	case airerr.DropOverflow:
		r.FramesDroppedOverflow.Inc()
	}
}

// Serve exposes the registry over HTTP at /metrics until ctx is cancelled.
// Opt-in: callers only invoke this when --metrics-addr is set.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}

// BacklogWatcher samples latest_complete_AU_age over a sliding window and
// logs (never state-transitions) a diagnostic if it grows monotonically
// across the window — a hidden queue signal per spec.md §4.9/§8. It does not
// sample frame_age_at_render and does not look at the offered bitrate.
type BacklogWatcher struct {
	reg      *Registry
	window   []float64
	capacity int
}

func NewBacklogWatcher(reg *Registry, windowSize int) *BacklogWatcher {
	if windowSize <= 0 {
		windowSize = 10
	}
	return &BacklogWatcher{reg: reg, capacity: windowSize}
}

// Run samples every interval until ctx is cancelled.
func (w *BacklogWatcher) Run(ctx context.Context, interval time.Duration) {
	log := applog.For("telemetry")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v := float64(w.reg.auAgeMS.Load())
			w.window = append(w.window, v)
			if len(w.window) > w.capacity {
				w.window = w.window[len(w.window)-w.capacity:]
			}
			if monotonicIncreasing(w.window) {
				log.Warn().Float64("latest_complete_au_age_ms", v).Msg("possible hidden queue: AU age rising monotonically")
			}
		}
	}
}

func monotonicIncreasing(xs []float64) bool {
	if len(xs) < 4 {
		return false
	}
	for i := 1; i < len(xs); i++ {
		if xs[i] < xs[i-1] {
			return false
		}
	}
	return xs[len(xs)-1] > xs[0]
}
