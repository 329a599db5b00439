// Package config centralizes the tuning knobs the teacher program kept as a
// scattered const block, loaded from environment variables (AIRLINK_ prefix)
// with compiled-in defaults, generalized per SPEC_FULL.md §9.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable named in spec.md. Field-level defaults match
// the teacher's constants and the spec's recommended starting points.
type Config struct {
	// Video / encoder starting points (spec.md §6).
	Width     int `envconfig:"WIDTH" default:"960"`
	Height    int `envconfig:"HEIGHT" default:"540"`
	FPS       int `envconfig:"FPS" default:"30"`
	BitrateBps int `envconfig:"BITRATE_BPS" default:"1500000"`
	IDRPeriodFrames int `envconfig:"IDR_PERIOD_FRAMES" default:"15"`
	ShutterUS       int `envconfig:"SHUTTER_US" default:"33333"`
	Gain            int `envconfig:"GAIN" default:"4"`

	// Protocol timing (spec.md §4.4, §4.8).
	ProbeIntervalMS      int `envconfig:"PROBE_INTERVAL_MS" default:"20"`
	PunchWindowMS        int `envconfig:"PUNCH_WINDOW_MS" default:"3000"`
	KeepaliveIntervalMS  int `envconfig:"KEEPALIVE_INTERVAL_MS" default:"1000"`
	SessionIdleTimeoutMS int `envconfig:"SESSION_IDLE_TIMEOUT_MS" default:"3000"`
	StunGatherTimeoutMS  int `envconfig:"STUN_GATHER_TIMEOUT_MS" default:"10000"`

	// Assembler (spec.md §3, §4.6). MaxInflightFrames is documented as a
	// compile/init-time constant the spec explicitly allows raising for
	// higher resolutions (e.g. ~12 at 720p).
	MaxInflightFrames int `envconfig:"MAX_INFLIGHT_FRAMES" default:"4"`
	FrameTimeoutMS    int `envconfig:"FRAME_TIMEOUT_MS" default:"20"`
	MaxAUSizeBytes    int `envconfig:"MAX_AU_SIZE_BYTES" default:"131072"` // ~128 KiB

	// Socket (spec.md §4.2).
	SocketRecvBufBytes int `envconfig:"SOCKET_RECV_BUF_BYTES" default:"65536"`
	SocketSendBufBytes int `envconfig:"SOCKET_SEND_BUF_BYTES" default:"262144"`

	// Liveness (spec.md §4.8).
	RTTEmaAlpha        float64 `envconfig:"RTT_EMA_ALPHA" default:"0.15"`
	IDRRequestCooldown int     `envconfig:"IDR_REQUEST_COOLDOWN_MS" default:"1000"`
	DecodeStallMS      int     `envconfig:"DECODE_STALL_MS" default:"1000"`

	// Reconnect policy (spec.md §4.4).
	MaxReconnectRetries int `envconfig:"MAX_RECONNECT_RETRIES" default:"3"`

	StreamID uint32 `envconfig:"STREAM_ID" default:"1"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// Load reads defaults overridden by AIRLINK_* environment variables.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("airlink", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMS) * time.Millisecond
}

func (c Config) PunchWindow() time.Duration {
	return time.Duration(c.PunchWindowMS) * time.Millisecond
}

func (c Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMS) * time.Millisecond
}

func (c Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutMS) * time.Millisecond
}

func (c Config) StunGatherTimeout() time.Duration {
	return time.Duration(c.StunGatherTimeoutMS) * time.Millisecond
}

func (c Config) FrameTimeout() time.Duration {
	return time.Duration(c.FrameTimeoutMS) * time.Millisecond
}

func (c Config) IDRCooldown() time.Duration {
	return time.Duration(c.IDRRequestCooldown) * time.Millisecond
}

func (c Config) DecodeStall() time.Duration {
	return time.Duration(c.DecodeStallMS) * time.Millisecond
}
