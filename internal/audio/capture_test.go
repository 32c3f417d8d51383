package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuyulabs/yuyu-client/internal/protocol"
)

type fakeStream struct {
	mu      sync.Mutex
	frames  [][]float32
	idx     int
	closed  bool
	unblock chan struct{}
}

func newFakeStream(frames ...[]float32) *fakeStream {
	return &fakeStream{frames: frames, unblock: make(chan struct{})}
}

func (s *fakeStream) Read() ([]float32, error) {
	s.mu.Lock()
	if s.idx < len(s.frames) {
		f := s.frames[s.idx]
		s.idx++
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()
	<-s.unblock
	return nil, io.EOF
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.unblock)
	}
	return nil
}

type fakeDevice struct {
	stream  *fakeStream
	openErr error
	opens   int
}

func (d *fakeDevice) Open(CaptureConfig) (FrameStream, error) {
	d.opens++
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.stream, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []any
}

func (s *fakeSender) Send(v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, v)
	return true
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testCaptureConfig() CaptureConfig {
	return CaptureConfig{SampleRate: 16000, BlockSize: 4, Channels: 1}
}

func TestRecorderStreamsPCM16Chunks(t *testing.T) {
	stream := newFakeStream(
		[]float32{0, 0.5, -0.5, 1},
		[]float32{-1, 0, 0, 0},
	)
	sender := &fakeSender{}
	r := NewRecorder(testCaptureConfig(), &fakeDevice{stream: stream}, sender, zerolog.Nop())

	require.NoError(t, r.Start(context.Background()))
	waitFor(t, func() bool { return sender.count() >= 2 })
	r.Stop()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	chunk, ok := sender.sent[0].(protocol.AudioChunk)
	require.True(t, ok)
	assert.Equal(t, protocol.KindAudioChunk, chunk.Type)

	raw, err := base64.StdEncoding.DecodeString(chunk.AudioData)
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 16383, -16384, 32767}, PCM16FromBytes(raw))
}

func TestRecorderRejectsDoubleStart(t *testing.T) {
	stream := newFakeStream()
	r := NewRecorder(testCaptureConfig(), &fakeDevice{stream: stream}, &fakeSender{}, zerolog.Nop())

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyCapturing)
	r.Stop()
}

func TestRecorderStopIsIdempotent(t *testing.T) {
	stream := newFakeStream()
	r := NewRecorder(testCaptureConfig(), &fakeDevice{stream: stream}, &fakeSender{}, zerolog.Nop())

	require.NoError(t, r.Start(context.Background()))
	assert.True(t, r.IsCapturing())

	r.Stop()
	assert.False(t, r.IsCapturing())
	r.Stop()
	r.Stop()
}

func TestRecorderCanRestartAfterStop(t *testing.T) {
	device := &fakeDevice{stream: newFakeStream()}
	r := NewRecorder(testCaptureConfig(), device, &fakeSender{}, zerolog.Nop())

	require.NoError(t, r.Start(context.Background()))
	r.Stop()

	device.stream = newFakeStream()
	require.NoError(t, r.Start(context.Background()))
	r.Stop()
	assert.Equal(t, 2, device.opens)
}

func TestRecorderOpenFailure(t *testing.T) {
	openErr := errors.New("device busy")
	r := NewRecorder(testCaptureConfig(), &fakeDevice{openErr: openErr}, &fakeSender{}, zerolog.Nop())

	assert.ErrorIs(t, r.Start(context.Background()), openErr)
	assert.False(t, r.IsCapturing())
}

func TestRecorderStopsItselfOnStreamError(t *testing.T) {
	stream := newFakeStream([]float32{0, 0, 0, 0})
	r := NewRecorder(testCaptureConfig(), &fakeDevice{stream: stream}, &fakeSender{}, zerolog.Nop())

	require.NoError(t, r.Start(context.Background()))
	// Exhausting the stream and closing it surfaces EOF to the loop.
	stream.Close()
	waitFor(t, func() bool { return !r.IsCapturing() })
}

func TestRecorderRequiresDevice(t *testing.T) {
	r := NewRecorder(testCaptureConfig(), nil, &fakeSender{}, zerolog.Nop())
	assert.ErrorIs(t, r.Start(context.Background()), ErrNoDevice)
}
