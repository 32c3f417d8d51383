package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// ExecPlayer renders chunks through a local player binary (ffplay, with
// aplay as a fallback for raw PCM and WAV). Canceling the context kills the
// player process, which is how barge-in interrupts speech mid-chunk.
type ExecPlayer struct {
	sampleRate int
	channels   int
	logger     zerolog.Logger
}

// NewExecPlayer creates a process-spawning playback backend.
func NewExecPlayer(sampleRate, channels int, logger zerolog.Logger) *ExecPlayer {
	return &ExecPlayer{
		sampleRate: sampleRate,
		channels:   channels,
		logger:     logger.With().Str("component", "playback-exec").Logger(),
	}
}

// Play renders one chunk and blocks until it finishes or ctx is canceled.
func (e *ExecPlayer) Play(ctx context.Context, chunk Chunk) error {
	bin, args, err := e.command(chunk.Format)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(chunk.Data)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", bin, err)
	}
	return nil
}

func (e *ExecPlayer) command(format string) (string, []string, error) {
	rate := strconv.Itoa(e.sampleRate)
	ch := strconv.Itoa(e.channels)

	if _, err := exec.LookPath("ffplay"); err == nil {
		args := []string{"-autoexit", "-nodisp", "-loglevel", "quiet"}
		if format == FormatPCM {
			args = append(args, "-f", "s16le", "-ar", rate, "-ac", ch)
		}
		return "ffplay", append(args, "-"), nil
	}

	switch format {
	case FormatPCM:
		if _, err := exec.LookPath("aplay"); err == nil {
			return "aplay", []string{"-q", "-f", "S16_LE", "-r", rate, "-c", ch, "-t", "raw", "-"}, nil
		}
	case FormatWAV:
		if _, err := exec.LookPath("aplay"); err == nil {
			return "aplay", []string{"-q", "-"}, nil
		}
	}
	return "", nil, fmt.Errorf("no player binary for format %q", format)
}

// ExecDevice captures microphone input through arecord, delivering raw
// little-endian PCM16 on stdout.
type ExecDevice struct {
	logger zerolog.Logger
}

// NewExecDevice creates a process-spawning input device.
func NewExecDevice(logger zerolog.Logger) *ExecDevice {
	return &ExecDevice{logger: logger.With().Str("component", "capture-exec").Logger()}
}

// Open starts the capture process.
func (d *ExecDevice) Open(cfg CaptureConfig) (FrameStream, error) {
	if _, err := exec.LookPath("arecord"); err != nil {
		return nil, fmt.Errorf("arecord not found: %w", err)
	}

	cmd := exec.Command("arecord", "-q",
		"-f", "S16_LE",
		"-r", strconv.Itoa(cfg.SampleRate),
		"-c", strconv.Itoa(cfg.Channels),
		"-t", "raw", "-")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execStream{
		cmd:   cmd,
		out:   stdout,
		block: cfg.BlockSize * cfg.Channels,
	}, nil
}

type execStream struct {
	cmd   *exec.Cmd
	out   io.ReadCloser
	block int
	buf   []byte

	closeOnce sync.Once
	closeErr  error
}

func (s *execStream) Read() ([]float32, error) {
	if s.buf == nil {
		s.buf = make([]byte, s.block*2)
	}
	if _, err := io.ReadFull(s.out, s.buf); err != nil {
		return nil, err
	}
	return PCM16ToFloat(PCM16FromBytes(s.buf)), nil
}

func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		s.out.Close()
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		s.closeErr = s.cmd.Wait()
	})
	return s.closeErr
}
