package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/yuyulabs/yuyu-client/internal/protocol"
)

// InputDevice opens microphone streams.
type InputDevice interface {
	Open(cfg CaptureConfig) (FrameStream, error)
}

// FrameStream delivers fixed-size blocks of normalized mono samples.
type FrameStream interface {
	// Read blocks until the next frame is available.
	Read() ([]float32, error)
	// Close unblocks any pending Read. Must tolerate being called twice.
	Close() error
}

// Sender delivers outbound messages. Satisfied by transport.Channel.
type Sender interface {
	Send(v any) bool
}

// Recorder streams microphone frames to the backend as base64 PCM16
// audio_chunk messages for server-side speech recognition.
type Recorder struct {
	cfg    CaptureConfig
	device InputDevice
	sender Sender
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	stream  FrameStream
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRecorder creates a recorder over the given input device.
func NewRecorder(cfg CaptureConfig, device InputDevice, sender Sender, logger zerolog.Logger) *Recorder {
	return &Recorder{
		cfg:    cfg,
		device: device,
		sender: sender,
		logger: logger.With().Str("component", "capture").Logger(),
	}
}

// Start opens the device and begins streaming frames. A second Start while
// running returns ErrAlreadyCapturing.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyCapturing
	}
	if r.device == nil {
		return ErrNoDevice
	}

	stream, err := r.device.Open(r.cfg)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to open input device")
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.running = true
	r.stream = stream
	r.cancel = cancel
	r.done = done

	r.logger.Info().
		Int("sample_rate", r.cfg.SampleRate).
		Int("block_size", r.cfg.BlockSize).
		Msg("Audio capture started")

	go r.loop(ctx, stream, done)
	return nil
}

// Stop ends the capture session. Safe to call when not running and safe to
// call twice; it waits for the streaming loop to drain.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	stream := r.stream
	done := r.done
	r.running = false
	r.stream = nil
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	cancel()
	// Unblock a pending Read so the loop can drain.
	stream.Close()
	<-done
	r.logger.Info().Msg("Audio capture stopped")
}

// IsCapturing reports whether a capture session is active.
func (r *Recorder) IsCapturing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Recorder) loop(ctx context.Context, stream FrameStream, done chan struct{}) {
	defer close(done)
	defer stream.Close()

	dump := r.openDump()
	if dump != nil {
		defer dump.close()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := stream.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("Input stream read failed")
			}
			r.mu.Lock()
			if r.done == done {
				// Self-stop on stream failure; Stop was not called.
				r.running = false
				r.stream = nil
				r.cancel = nil
				r.done = nil
			}
			r.mu.Unlock()
			return
		}

		pcm := FloatToPCM16(frame)
		encoded := base64.StdEncoding.EncodeToString(PCM16Bytes(pcm))
		r.sender.Send(protocol.NewAudioChunk(encoded))

		if dump != nil {
			dump.write(pcm)
		}
	}
}

// wavDump persists one capture session as a WAV file for offline inspection.
type wavDump struct {
	file    *os.File
	encoder *wav.Encoder
	buf     *goaudio.IntBuffer
	logger  zerolog.Logger
}

func (r *Recorder) openDump() *wavDump {
	if r.cfg.DumpDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.cfg.DumpDir, 0755); err != nil {
		r.logger.Warn().Err(err).Msg("Cannot create dump directory")
		return nil
	}

	name := "capture-" + time.Now().Format("20060102-150405") + ".wav"
	path := filepath.Join(r.cfg.DumpDir, name)
	file, err := os.Create(path)
	if err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("Cannot create dump file")
		return nil
	}

	r.logger.Debug().Str("path", path).Msg("Dumping capture session")
	return &wavDump{
		file:    file,
		encoder: wav.NewEncoder(file, r.cfg.SampleRate, 16, r.cfg.Channels, 1),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: r.cfg.Channels, SampleRate: r.cfg.SampleRate},
			SourceBitDepth: 16,
		},
		logger: r.logger,
	}
}

func (d *wavDump) write(pcm []int16) {
	if cap(d.buf.Data) < len(pcm) {
		d.buf.Data = make([]int, len(pcm))
	}
	d.buf.Data = d.buf.Data[:len(pcm)]
	for i, s := range pcm {
		d.buf.Data[i] = int(s)
	}
	if err := d.encoder.Write(d.buf); err != nil {
		d.logger.Warn().Err(err).Msg("WAV dump write failed")
	}
}

func (d *wavDump) close() {
	if err := d.encoder.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("WAV dump close failed")
	}
	d.file.Close()
}
