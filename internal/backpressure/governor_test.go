package backpressure

import (
	"context"
	"testing"
	"time"
)

type fakeSampler struct {
	memRatio, cpuRatio float64
}

func (f fakeSampler) Sample() (float64, float64) { return f.memRatio, f.cpuRatio }

func TestGovernor_SlowdownEscalatesUnderHighPressure(t *testing.T) {
	g := New(fakeSampler{memRatio: 2.0})
	g.sample()
	if g.Slowdown() <= 1.0 {
		t.Errorf("expected slowdown to increase under high pressure, got %v", g.Slowdown())
	}
	if g.Slowdown() > maxSlowdown {
		t.Errorf("slowdown exceeded cap: %v", g.Slowdown())
	}
}

func TestGovernor_SlowdownRecoversUnderLowPressure(t *testing.T) {
	g := New(fakeSampler{memRatio: 2.0})
	for i := 0; i < 5; i++ {
		g.sample()
	}
	escalated := g.Slowdown()
	if escalated <= 1.0 {
		t.Fatalf("expected escalation before recovery check, got %v", escalated)
	}

	g.sampler = fakeSampler{memRatio: 0.1}
	for i := 0; i < 20; i++ {
		g.sample()
	}
	if g.Slowdown() != 1.0 {
		t.Errorf("expected slowdown to decay back to 1.0, got %v", g.Slowdown())
	}
}

func TestGovernor_WaitRespectsCancellation(t *testing.T) {
	g := New(fakeSampler{memRatio: 2.0})
	for i := 0; i < 10; i++ {
		g.sample()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	g.Wait(ctx)
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("expected cancelled Wait to return promptly, took %v", time.Since(start))
	}
}

func TestGovernor_SuggestedQueueSize(t *testing.T) {
	tests := []struct {
		name          string
		pressure      float64
		dropRate      float64
		processingFPS float64
		current       int
		want          int
	}{
		{"high pressure shrinks", 0.9, 0.0, 30, 100, 70},
		{"high drop rate grows", 0.3, 0.1, 30, 50, 65},
		{"quiet system targets fps", 0.1, 0.0, 45, 50, 45},
		{"steady state unchanged", 0.65, 0.02, 30, 60, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(fakeSampler{memRatio: tt.pressure})
			g.sample()
			got := g.SuggestedQueueSize(tt.current, tt.dropRate, tt.processingFPS)
			if got != tt.want {
				t.Errorf("SuggestedQueueSize() = %d, want %d", got, tt.want)
			}
		})
	}
}
