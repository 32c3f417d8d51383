// Package audio implements the microphone capture and speech playback
// pipelines: PCM16 conversion, frame streaming to the backend, and ordered
// playback of synthesized speech chunks.
package audio

import "errors"

var (
	// ErrAlreadyCapturing is returned when Start is called on a running recorder.
	ErrAlreadyCapturing = errors.New("audio capture already running")
	// ErrNoDevice is returned when no input device was provided.
	ErrNoDevice = errors.New("no audio input device")
)

// Chunk formats as sent by the backend.
const (
	FormatPCM = "pcm"
	FormatWAV = "wav"
	FormatMP3 = "mp3"
)

// CaptureConfig configures microphone capture
type CaptureConfig struct {
	SampleRate int
	BlockSize  int
	Channels   int
	DumpDir    string // when set, each capture session is saved as a WAV file
}

// Chunk is one decoded unit of synthesized speech ready for playback.
// Order is 1-based for sequenced chunks and zero for unsequenced audio.
type Chunk struct {
	Data   []byte
	Format string
	Order  int
}
