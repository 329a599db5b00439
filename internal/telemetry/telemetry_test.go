package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/vtether/airlink/internal/airerr"
)

func TestCountDropRoutesToCorrectCounter(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.CountDrop(airerr.DropTimeout)
	reg.CountDrop(airerr.DropSuperseded)
	reg.CountDrop(airerr.DropSuperseded)
	reg.CountDrop(airerr.DropOverflow)

	require.Equal(t, float64(1), testutil.ToFloat64(reg.FramesDroppedTimeout))
	require.Equal(t, float64(2), testutil.ToFloat64(reg.FramesDroppedSuperseded))
	require.Equal(t, float64(1), testutil.ToFloat64(reg.FramesDroppedOverflow))
}

func TestBacklogWatcherDetectsMonotonicGrowth(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	w := NewBacklogWatcher(reg, 5)

	for _, v := range []float64{1, 2, 3, 4, 5, 6} {
		reg.SetLatestAUAge(v)
		w.window = append(w.window, v)
		if len(w.window) > w.capacity {
			w.window = w.window[len(w.window)-w.capacity:]
		}
	}
	require.True(t, monotonicIncreasing(w.window))
}

func TestBacklogWatcherIgnoresStableLoad(t *testing.T) {
	t.Parallel()

	w := &BacklogWatcher{capacity: 5}
	w.window = []float64{5, 4, 6, 5, 4}
	require.False(t, monotonicIncreasing(w.window))
}

func TestSetLatestAUAgeUpdatesGaugeAndAtomic(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.SetLatestAUAge(42)
	require.Equal(t, float64(42), testutil.ToFloat64(reg.LatestCompleteAUAgeMS))
	require.Equal(t, int64(42), reg.auAgeMS.Load())

	time.Sleep(time.Millisecond) // gauge update is synchronous; sleep is just slack for CI jitter
}
