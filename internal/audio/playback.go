package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"sort"
	"sync"

	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
)

// ChunkPlayer renders one chunk of synthesized speech. Play blocks until the
// chunk finishes or ctx is canceled.
type ChunkPlayer interface {
	Play(ctx context.Context, chunk Chunk) error
}

// Player sequences synthesized speech chunks for gapless playback. Chunks
// arrive out of order from parallel synthesis workers; a reorder buffer keyed
// by sequence number releases them in ascending order starting at 1.
type Player struct {
	backend ChunkPlayer
	logger  zerolog.Logger

	mu             sync.Mutex
	pending        map[int]Chunk // sequenced chunks waiting for their turn
	queue          []Chunk
	expected       int
	playing        bool
	generationDone bool
	completeFired  bool
	playGen        uint64
	cancelCurrent  context.CancelFunc

	onFullyComplete func()
	sampleSink      func([]float32)
	onStop          func()
}

// NewPlayer creates a player over the given playback backend.
func NewPlayer(backend ChunkPlayer, logger zerolog.Logger) *Player {
	return &Player{
		backend:  backend,
		logger:   logger.With().Str("component", "playback").Logger(),
		pending:  make(map[int]Chunk),
		expected: 1,
	}
}

// SetOnFullyComplete registers the callback fired exactly once per generation
// when every chunk has finished playing after the generation ended.
func (p *Player) SetOnFullyComplete(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFullyComplete = fn
}

// SetSampleSink registers a consumer of decoded time-domain samples, fed as
// each chunk starts playing. Used to drive the lip-sync animation.
func (p *Player) SetSampleSink(fn func([]float32)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sampleSink = fn
}

// SetOnStop registers a callback fired when playback is cut off or a chunk is
// skipped. The sample sink receives each chunk's samples up front, so the
// consumer must discard whatever it was fed for audio that will never be
// heard.
func (p *Player) SetOnStop(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStop = fn
}

// BeginGeneration marks the start of a new bot turn.
func (p *Player) BeginGeneration() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generationDone = false
	p.completeFired = false
}

// EnqueueOrdered accepts one sequenced chunk of base64 audio. Chunks ahead of
// the expected sequence number are held back until the gap fills.
func (p *Player) EnqueueOrdered(audioB64, format string, order int) {
	data, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		p.logger.Warn().Err(err).Int("order", order).Msg("Dropping undecodable audio chunk")
		return
	}
	chunk := Chunk{Data: data, Format: format, Order: order}

	p.mu.Lock()
	switch {
	case order == p.expected:
		p.queue = append(p.queue, chunk)
		p.expected++
		for {
			next, ok := p.pending[p.expected]
			if !ok {
				break
			}
			delete(p.pending, p.expected)
			p.queue = append(p.queue, next)
			p.expected++
		}
	case order > p.expected:
		p.pending[order] = chunk
	default:
		// Late duplicate or out-of-generation chunk; play it rather than lose it.
		p.logger.Debug().Int("order", order).Int("expected", p.expected).Msg("Chunk below expected order")
		p.queue = append(p.queue, chunk)
	}
	p.playNextLocked()
	p.mu.Unlock()
}

// Enqueue accepts one unsequenced chunk, played in arrival order.
func (p *Player) Enqueue(audioB64, format string) {
	data, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Dropping undecodable audio chunk")
		return
	}

	p.mu.Lock()
	p.queue = append(p.queue, Chunk{Data: data, Format: format})
	p.playNextLocked()
	p.mu.Unlock()
}

// GenerationComplete marks the end of synthesis for the current turn. Any
// chunks still held in the reorder buffer are released in ascending order,
// and the expected sequence resets for the next turn.
func (p *Player) GenerationComplete() {
	p.mu.Lock()
	if len(p.pending) > 0 {
		orders := make([]int, 0, len(p.pending))
		for o := range p.pending {
			orders = append(orders, o)
		}
		sort.Ints(orders)
		p.logger.Debug().Ints("orders", orders).Msg("Flushing straggler chunks")
		for _, o := range orders {
			p.queue = append(p.queue, p.pending[o])
		}
		p.pending = make(map[int]Chunk)
	}
	p.expected = 1
	p.generationDone = true
	p.playNextLocked()
	fire := p.maybeCompleteLocked()
	p.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// StopAll interrupts the current chunk and discards everything queued. Used
// for barge-in when the user starts talking over the bot.
func (p *Player) StopAll() {
	p.mu.Lock()
	p.playGen++
	cancel := p.cancelCurrent
	p.cancelCurrent = nil
	p.playing = false
	p.queue = nil
	p.pending = make(map[int]Chunk)
	p.expected = 1
	p.generationDone = false
	p.completeFired = false
	stop := p.onStop
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stop != nil {
		stop()
	}
	p.logger.Debug().Msg("Playback stopped")
}

// IsPlaying reports whether a chunk is currently being rendered.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// playNextLocked starts the next queued chunk unless one is already playing.
// Caller holds p.mu.
func (p *Player) playNextLocked() {
	if p.playing || len(p.queue) == 0 {
		return
	}
	chunk := p.queue[0]
	p.queue = p.queue[1:]
	p.playing = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancelCurrent = cancel
	gen := p.playGen
	sink := p.sampleSink

	go p.run(ctx, cancel, gen, chunk, sink)
}

func (p *Player) run(ctx context.Context, cancel context.CancelFunc, gen uint64, chunk Chunk, sink func([]float32)) {
	defer cancel()

	if sink != nil {
		if samples := decodeSamples(chunk); len(samples) > 0 {
			sink(samples)
		}
	}

	err := p.backend.Play(ctx, chunk)

	p.mu.Lock()
	if gen != p.playGen {
		// StopAll happened while this chunk was playing.
		p.mu.Unlock()
		return
	}
	p.playing = false
	p.cancelCurrent = nil
	var stop func()
	if err != nil && ctx.Err() == nil {
		// A chunk that fails to render is skipped so the rest of the reply
		// still plays. Its samples were already fed to the sink.
		p.logger.Warn().Err(err).Int("order", chunk.Order).Msg("Chunk playback failed; skipping")
		stop = p.onStop
	}
	p.playNextLocked()
	fire := p.maybeCompleteLocked()
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	if fire != nil {
		fire()
	}
}

// maybeCompleteLocked returns the completion callback when the generation has
// fully drained, arming it so it fires at most once. Caller holds p.mu.
func (p *Player) maybeCompleteLocked() func() {
	if !p.generationDone || p.playing || len(p.queue) > 0 || len(p.pending) > 0 {
		return nil
	}
	if p.completeFired {
		return nil
	}
	p.completeFired = true
	return p.onFullyComplete
}

// decodeSamples extracts normalized time-domain samples from a chunk for the
// sample sink. Unsupported formats yield nil.
func decodeSamples(chunk Chunk) []float32 {
	switch chunk.Format {
	case FormatPCM:
		return PCM16ToFloat(PCM16FromBytes(chunk.Data))
	case FormatWAV:
		dec := wav.NewDecoder(bytes.NewReader(chunk.Data))
		buf, err := dec.FullPCMBuffer()
		if err != nil || buf == nil {
			return nil
		}
		out := make([]float32, len(buf.Data))
		for i, s := range buf.Data {
			v := int16(s)
			if v < 0 {
				out[i] = float32(v) / 0x8000
			} else {
				out[i] = float32(v) / 0x7FFF
			}
		}
		return out
	default:
		return nil
	}
}
