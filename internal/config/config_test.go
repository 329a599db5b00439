package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, 960, c.Width)
	require.Equal(t, 4, c.MaxInflightFrames)
	require.Equal(t, 20, c.FrameTimeoutMS)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AIRLINK_MAX_INFLIGHT_FRAMES", "12")
	t.Setenv("AIRLINK_FRAME_TIMEOUT_MS", "80")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, 12, c.MaxInflightFrames)
	require.Equal(t, 80, c.FrameTimeoutMS)

	_ = os.Unsetenv("AIRLINK_MAX_INFLIGHT_FRAMES")
	_ = os.Unsetenv("AIRLINK_FRAME_TIMEOUT_MS")
}
