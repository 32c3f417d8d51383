// Package lipsync animates the avatar mouth from the loudness of whatever
// speech is currently playing.
package lipsync

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yuyulabs/yuyu-client/internal/avatar"
)

// Config tunes the mouth envelope
type Config struct {
	Gain      float64 // amplifies RMS so normal speech opens the mouth fully
	Smoothing float64 // fraction of the distance to the target covered per step
}

// DefaultConfig returns the tuning that matches the Yuyu model.
func DefaultConfig() Config {
	return Config{Gain: 1.8, Smoothing: 0.35}
}

// Driver converts time-domain audio into ParamMouthOpenY / ParamMouthForm
// writes. Samples are fed by the playback pipeline and consumed at frame
// cadence by Run; Step is the single deterministic unit of work.
type Driver struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	rt      avatar.Runtime
	pending []float32
	level   float64
}

// NewDriver creates a driver. rt may be nil; parameters are then not written
// until Attach is called.
func NewDriver(cfg Config, rt avatar.Runtime, logger zerolog.Logger) *Driver {
	if cfg.Gain == 0 {
		cfg = DefaultConfig()
	}
	return &Driver{
		cfg:    cfg,
		rt:     rt,
		logger: logger.With().Str("component", "lipsync").Logger(),
	}
}

// Attach connects a model runtime.
func (d *Driver) Attach(rt avatar.Runtime) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rt = rt
}

// Detach disconnects the model runtime. The driver keeps computing levels.
func (d *Driver) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rt = nil
}

// Feed queues decoded playback samples for consumption by Run.
func (d *Driver) Feed(samples []float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, samples...)
}

// Step processes one frame of samples and returns the smoothed mouth level.
// A nil or empty frame decays the mouth toward closed.
func (d *Driver) Step(frame []float32) float64 {
	target := rms(frame) * d.cfg.Gain
	if target > 1 {
		target = 1
	}

	d.mu.Lock()
	d.level += (target - d.level) * d.cfg.Smoothing
	level := d.level
	rt := d.rt
	d.mu.Unlock()

	if rt != nil {
		rt.SetParam(avatar.ParamMouthOpenY, level)
		rt.SetParam(avatar.ParamMouthForm, level*0.6)
	}
	return level
}

// Run consumes fed samples at playback cadence until ctx is canceled.
func (d *Driver) Run(ctx context.Context, sampleRate, frameSize int) {
	interval := time.Duration(frameSize) * time.Second / time.Duration(sampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Debug().Dur("interval", interval).Msg("Lip-sync loop started")
	for {
		select {
		case <-ctx.Done():
			d.Stop()
			return
		case <-ticker.C:
			d.Step(d.take(frameSize))
		}
	}
}

// Stop discards queued samples and closes the mouth.
func (d *Driver) Stop() {
	d.mu.Lock()
	d.pending = nil
	d.level = 0
	rt := d.rt
	d.mu.Unlock()

	if rt != nil {
		rt.SetParam(avatar.ParamMouthOpenY, 0)
		rt.SetParam(avatar.ParamMouthForm, 0)
	}
}

// Level returns the current smoothed mouth level.
func (d *Driver) Level() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

func (d *Driver) take(n int) []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil
	}
	if n > len(d.pending) {
		n = len(d.pending)
	}
	frame := d.pending[:n]
	d.pending = d.pending[n:]
	return frame
}

func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
