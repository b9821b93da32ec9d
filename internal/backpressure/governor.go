// Package backpressure samples process resource usage and derives a
// slowdown factor that Render Worker producers honor, plus a suggested
// Frame Queue size, grounded on the Python original's
// FrameBufferOptimizer/MemoryMonitor.
package backpressure

import (
	"context"
	"sync"
	"time"
)

const (
	sampleInterval = 1 * time.Second
	frameTime      = 33 * time.Millisecond

	minSlowdown = 1.0
	maxSlowdown = 3.0
)

// Sampler reports current resource pressure. MemRatio and CPURatio are
// each a fraction of a configured threshold (e.g. RSS / memThreshold);
// values > 1.0 indicate the threshold has been exceeded.
type Sampler interface {
	Sample() (memRatio, cpuRatio float64)
}

// Governor tracks a slowdown factor S (>=1.0) from sampled pressure and
// suggests Frame Queue resizes. Safe for concurrent use: Wait is called
// by producer goroutines while the sampling loop runs in the
// background.
type Governor struct {
	sampler Sampler

	mu           sync.RWMutex
	slowdown     float64
	lastPressure float64

	minBuffer int
	maxBuffer int
	targetFPS int
}

// Option configures a Governor.
type Option func(*Governor)

// WithBufferBounds overrides the min/max Frame Queue sizes used by
// SuggestedQueueSize.
func WithBufferBounds(minBuf, maxBuf int) Option {
	return func(g *Governor) {
		g.minBuffer = minBuf
		g.maxBuffer = maxBuf
	}
}

// WithTargetFPS sets the fps used as the "about one second of frames"
// latency-optimized buffer target.
func WithTargetFPS(fps int) Option {
	return func(g *Governor) {
		g.targetFPS = fps
	}
}

// New creates a Governor with slowdown=1.0 and default buffer bounds
// [15, 120] and targetFPS=30.
func New(sampler Sampler, opts ...Option) *Governor {
	g := &Governor{
		sampler:   sampler,
		slowdown:  minSlowdown,
		minBuffer: 15,
		maxBuffer: 120,
		targetFPS: 30,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run samples the sampler every ~1s and updates the slowdown factor
// until ctx is cancelled. Intended to run in a single background
// goroutine per job (or per process, if shared across jobs).
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *Governor) sample() {
	memRatio, cpuRatio := g.sampler.Sample()
	pressure := memRatio
	if cpuRatio > pressure {
		pressure = cpuRatio
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastPressure = pressure
	switch {
	case pressure > 1.5:
		g.slowdown = minFloat(maxSlowdown, 1.2*g.slowdown)
	case pressure > 1.0:
		g.slowdown = minFloat(2.0, 1.1*g.slowdown)
	case pressure < 0.7:
		g.slowdown = maxFloat(minSlowdown, 0.9*g.slowdown)
	}
}

// Slowdown returns the current slowdown factor S >= 1.0.
func (g *Governor) Slowdown() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.slowdown
}

// Wait sleeps frameTime*(S-1), the pacing delay a producer applies
// before capturing its next frame. Cancellation-aware.
func (g *Governor) Wait(ctx context.Context) {
	s := g.Slowdown()
	if s <= minSlowdown {
		return
	}
	d := time.Duration(float64(frameTime) * (s - 1))
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// SuggestedQueueSize derives a Frame Queue element-count target from
// the last sampled pressure, the observed frame drop rate, and the
// current processing speed (frames/sec), following the same three-way
// branch as the Python original's adjust_buffer_size: high pressure
// shrinks the buffer, a high drop rate under moderate pressure grows
// it, and a quiet system converges toward about one second of frames.
func (g *Governor) SuggestedQueueSize(currentSize int, dropRate, processingFPS float64) int {
	g.mu.RLock()
	pressure := g.lastPressure
	g.mu.RUnlock()

	switch {
	case pressure > 0.8:
		return maxInt(g.minBuffer, int(float64(currentSize)*0.7))
	case dropRate > 0.05 && pressure < 0.6:
		return minInt(g.maxBuffer, int(float64(currentSize)*1.3))
	case dropRate < 0.01 && pressure < 0.5:
		optimal := int(processingFPS)
		if optimal == 0 {
			optimal = g.targetFPS
		}
		return clampInt(optimal, g.minBuffer, g.maxBuffer)
	default:
		return currentSize
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
