package tuning

import (
	"math"
	"testing"
)

func testScheduler(t *testing.T, cfg SchedulerConfig) *Scheduler {
	t.Helper()
	s, err := NewScheduler(cfg)
	if err != nil {
		t.Fatalf("new scheduler failed: %v", err)
	}
	return s
}

func TestNewSchedulerValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  SchedulerConfig
	}{
		{"ceiling below floor", SchedulerConfig{EntropyFloor: 0.01, EntropyCeiling: 0.001}},
		{"initial outside bounds", SchedulerConfig{EntropyInitial: 0.5, EntropyCeiling: 0.05}},
		{"decay above one", SchedulerConfig{EntropyDecay: 1.5}},
		{"growth below one", SchedulerConfig{EntropyGrowth: 0.5}},
		{"short history", SchedulerConfig{Window: 10, HistoryLimit: 5}},
		{"gamma above one", SchedulerConfig{GammaInitial: 1.5}},
		{"negative gamma cycles", SchedulerConfig{GammaCycles: -1}},
	}
	for _, tc := range cases {
		if _, err := NewScheduler(tc.cfg); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
	if _, err := NewScheduler(SchedulerConfig{}); err != nil {
		t.Fatalf("defaults should construct: %v", err)
	}
}

func TestEntropyHoldsUntilTwoWindows(t *testing.T) {
	s := testScheduler(t, SchedulerConfig{Window: 3})
	start := s.EntropyCoef()
	for i := 0; i < 5; i++ {
		s.Observe(float64(i))
		if s.EntropyCoef() != start {
			t.Fatalf("coefficient moved after %d observations", i+1)
		}
	}
	s.Observe(5)
	if s.EntropyCoef() == start {
		t.Fatal("coefficient should move once two windows exist")
	}
}

func TestEntropyDecaysWhileImproving(t *testing.T) {
	s := testScheduler(t, SchedulerConfig{Window: 2, EntropyDecay: 0.5, EntropyFloor: 0.004})
	for i := 0; i < 20; i++ {
		s.Observe(float64(i))
	}
	if got := s.EntropyCoef(); got != 0.004 {
		t.Fatalf("coefficient should rest on the floor, got %v", got)
	}
}

func TestEntropyGrowsWhileStalling(t *testing.T) {
	s := testScheduler(t, SchedulerConfig{Window: 2, EntropyGrowth: 2, EntropyCeiling: 0.03})
	// Flat rewards never count as improving.
	for i := 0; i < 20; i++ {
		s.Observe(1)
	}
	if got := s.EntropyCoef(); got != 0.03 {
		t.Fatalf("coefficient should rest on the ceiling, got %v", got)
	}
}

func TestGammaAnneal(t *testing.T) {
	s := testScheduler(t, SchedulerConfig{GammaInitial: 0.9, GammaFinal: 0.99, GammaCycles: 10})
	if got := s.Gamma(); got != 0.9 {
		t.Fatalf("gamma before any cycle: got=%v want=0.9", got)
	}
	for i := 0; i < 5; i++ {
		s.Observe(0)
	}
	if got, want := s.Gamma(), 0.9+(0.99-0.9)*0.5; math.Abs(got-want) > 1e-12 {
		t.Fatalf("gamma midway: got=%v want=%v", got, want)
	}
	for i := 0; i < 20; i++ {
		s.Observe(0)
	}
	if got := s.Gamma(); math.Abs(got-0.99) > 1e-12 {
		t.Fatalf("gamma after the span: got=%v want=0.99", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	s := testScheduler(t, SchedulerConfig{Window: 2, HistoryLimit: 4})
	for i := 0; i < 100; i++ {
		s.Observe(float64(i))
	}
	if got := len(s.State().History); got != 4 {
		t.Fatalf("history length: got=%d want=4", got)
	}
}

func TestBoostEntropy(t *testing.T) {
	s := testScheduler(t, SchedulerConfig{Window: 5})
	base := s.EntropyCoef()
	s.BoostEntropy(3, 2)
	if got, want := s.EntropyCoef(), base*3; math.Abs(got-want) > 1e-15 {
		t.Fatalf("boosted coefficient: got=%v want=%v", got, want)
	}
	s.Observe(0)
	if got := s.EntropyCoef(); got != base*3 {
		t.Fatalf("boost should survive the first cycle, got %v", got)
	}
	s.Observe(0)
	if got := s.EntropyCoef(); got != base {
		t.Fatalf("boost should expire, got %v", got)
	}

	s.BoostEntropy(0, 5)
	if got := s.EntropyCoef(); got != base {
		t.Fatalf("zero factor must be ignored, got %v", got)
	}
}

func TestStateSnapshot(t *testing.T) {
	s := testScheduler(t, SchedulerConfig{Window: 2})
	s.Observe(1)
	s.Observe(2)
	state := s.State()
	if state.Cycle != 2 || len(state.History) != 2 {
		t.Fatalf("unexpected state: %+v", state)
	}
	state.History[0] = 99
	if s.State().History[0] == 99 {
		t.Fatal("state history must be a copy")
	}
}
