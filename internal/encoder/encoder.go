// Package encoder supplies access units to the framer, generalizing the
// teacher's App.streamVideo: spawn rpicam-vid and read its Annex-B stdout,
// or read Annex-B directly from stdin when piped (spec.md §6's "any H.264
// encoder" non-goal on certification, carried here as a pluggable Source).
package encoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/vtether/airlink/internal/h264"
)

// Source produces access units for the framer to send. The teacher wired
// this concern directly into streamVideo's for-loop; here it is an
// interface so cmd/airlink can pick stdin, rpicam-vid, or (in tests) a
// canned source without branching on isPipe itself.
type Source interface {
	Next(ctx context.Context) (*h264.AccessUnit, error)
	Close() error
}

// Config mirrors the teacher's rpicam-vid invocation flags, generalized to
// config.Config's fields instead of the teacher's compiled-in constants.
type Config struct {
	Width           int
	Height          int
	FPS             int
	BitrateBps      int
	IDRPeriodFrames int
	ShutterUS       int
	Gain            int
}

// processSource runs rpicam-vid as a subprocess and reads its stdout.
// Grounded on the teacher's non-pipe branch of streamVideo.
type processSource struct {
	cmd    *exec.Cmd
	reader *h264.Reader
}

// NewProcessSource starts rpicam-vid with the teacher's locked-exposure,
// inline-parameter-set flags, adapted to cfg's fields.
func NewProcessSource(ctx context.Context, cfg Config) (Source, error) {
	cmd := exec.CommandContext(ctx, "rpicam-vid",
		"-t", "0",
		"--width", fmt.Sprintf("%d", cfg.Width),
		"--height", fmt.Sprintf("%d", cfg.Height),
		"--framerate", fmt.Sprintf("%d", cfg.FPS),
		"--bitrate", fmt.Sprintf("%d", cfg.BitrateBps),
		"--profile", "baseline",
		"--level", "4.2",
		"--intra", fmt.Sprintf("%d", cfg.IDRPeriodFrames),
		"--inline",
		"--flush",
		"--denoise", "off",
		"--shutter", fmt.Sprintf("%d", cfg.ShutterUS),
		"--gain", fmt.Sprintf("%d", cfg.Gain),
		"--codec", "h264",
		"-n",
		"-o", "-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("encoder: start rpicam-vid: %w", err)
	}
	return &processSource{
		cmd:    cmd,
		reader: h264.NewReader(bufio.NewReaderSize(stdout, 64*1024)),
	}, nil
}

func (s *processSource) Next(ctx context.Context) (*h264.AccessUnit, error) {
	return s.reader.ReadAccessUnit()
}

func (s *processSource) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

// stdinSource reads Annex-B H.264 from an io.Reader, the teacher's isPipe
// branch. Kept as a reader-backed type (rather than hardcoding os.Stdin) so
// tests can exercise it over an in-memory pipe.
type stdinSource struct {
	reader *h264.Reader
}

// NewReaderSource wraps any Annex-B byte stream as an access-unit Source.
func NewReaderSource(r io.Reader) Source {
	return &stdinSource{reader: h264.NewReader(bufio.NewReaderSize(r, 64*1024))}
}

// NewStdinSource wraps os.Stdin as an access-unit Source for pipe mode
// (e.g. `rpicam-vid ... -o - | airlink sender ...`).
func NewStdinSource() Source {
	return NewReaderSource(os.Stdin)
}

func (s *stdinSource) Next(ctx context.Context) (*h264.AccessUnit, error) {
	au, err := s.reader.ReadAccessUnit()
	if err == io.EOF {
		return nil, io.EOF
	}
	return au, err
}

func (s *stdinSource) Close() error { return nil }

// IsPipedStdin reports whether stdin is a pipe rather than a terminal,
// the teacher's os.Stdin.Stat() check in streamVideo.
func IsPipedStdin() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}
