// Package tuning adjusts exploration and discount hyperparameters between
// training cycles from observed rewards.
package tuning

import (
	"fmt"
)

// SchedulerConfig bounds the adaptive schedules. Zero fields fall back to
// the defaults noted per field.
type SchedulerConfig struct {
	// EntropyInitial is the starting entropy coefficient (0.01).
	EntropyInitial float64
	// EntropyFloor is the geometric decay target (0.001).
	EntropyFloor float64
	// EntropyCeiling is the geometric growth cap (0.05).
	EntropyCeiling float64
	// EntropyDecay multiplies the coefficient while rewards improve
	// (0.995).
	EntropyDecay float64
	// EntropyGrowth multiplies the coefficient while rewards stall
	// (1.02).
	EntropyGrowth float64
	// Window is the reward-comparison span in cycles (10). Adjustment
	// starts once 2*Window observations exist.
	Window int
	// HistoryLimit bounds the retained reward history (4*Window).
	HistoryLimit int

	// GammaInitial/GammaFinal anneal the discount factor linearly over
	// GammaCycles cycles (0.99 -> 0.997 over 1000).
	GammaInitial float64
	GammaFinal   float64
	GammaCycles  int
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.EntropyInitial == 0 {
		c.EntropyInitial = 0.01
	}
	if c.EntropyFloor == 0 {
		c.EntropyFloor = 0.001
	}
	if c.EntropyCeiling == 0 {
		c.EntropyCeiling = 0.05
	}
	if c.EntropyDecay == 0 {
		c.EntropyDecay = 0.995
	}
	if c.EntropyGrowth == 0 {
		c.EntropyGrowth = 1.02
	}
	if c.Window == 0 {
		c.Window = 10
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 4 * c.Window
	}
	if c.GammaInitial == 0 {
		c.GammaInitial = 0.99
	}
	if c.GammaFinal == 0 {
		c.GammaFinal = 0.997
	}
	if c.GammaCycles == 0 {
		c.GammaCycles = 1000
	}
	return c
}

// SchedulerState is a snapshot of the mutable schedule state, used for
// checkpoint export and diagnostics.
type SchedulerState struct {
	Cycle           int
	EntropyCoef     float64
	Gamma           float64
	BoostFactor     float64
	BoostCyclesLeft int
	History         []float64
}

// Scheduler owns the per-cycle entropy coefficient and discount factor.
// Observe advances both once per completed training cycle.
type Scheduler struct {
	cfg     SchedulerConfig
	history []float64
	cycle   int

	coef      float64
	boost     float64
	boostLeft int
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if cfg.EntropyFloor <= 0 {
		return nil, fmt.Errorf("entropy floor must be positive")
	}
	if cfg.EntropyCeiling < cfg.EntropyFloor {
		return nil, fmt.Errorf("entropy ceiling must not be below the floor")
	}
	if cfg.EntropyInitial < cfg.EntropyFloor || cfg.EntropyInitial > cfg.EntropyCeiling {
		return nil, fmt.Errorf("entropy initial must lie in [floor, ceiling]")
	}
	if cfg.EntropyDecay <= 0 || cfg.EntropyDecay > 1 {
		return nil, fmt.Errorf("entropy decay must lie in (0,1]")
	}
	if cfg.EntropyGrowth < 1 {
		return nil, fmt.Errorf("entropy growth must be at least 1")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	if cfg.HistoryLimit < 2*cfg.Window {
		return nil, fmt.Errorf("history limit must cover two windows")
	}
	if cfg.GammaInitial <= 0 || cfg.GammaInitial > 1 || cfg.GammaFinal <= 0 || cfg.GammaFinal > 1 {
		return nil, fmt.Errorf("gamma bounds must lie in (0,1]")
	}
	if cfg.GammaCycles <= 0 {
		return nil, fmt.Errorf("gamma cycles must be positive")
	}
	return &Scheduler{cfg: cfg, coef: cfg.EntropyInitial}, nil
}

// Observe folds one cycle's mean reward into the history and moves the
// entropy coefficient: geometric decay toward the floor while the recent
// window improves on the one before it, geometric growth toward the
// ceiling otherwise. Also burns one boost cycle if a boost is active.
func (s *Scheduler) Observe(meanReward float64) {
	s.history = append(s.history, meanReward)
	if len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[len(s.history)-s.cfg.HistoryLimit:]
	}
	s.cycle++

	w := s.cfg.Window
	if len(s.history) >= 2*w {
		recent := windowMean(s.history[len(s.history)-w:])
		previous := windowMean(s.history[len(s.history)-2*w : len(s.history)-w])
		if recent > previous {
			s.coef *= s.cfg.EntropyDecay
			if s.coef < s.cfg.EntropyFloor {
				s.coef = s.cfg.EntropyFloor
			}
		} else {
			s.coef *= s.cfg.EntropyGrowth
			if s.coef > s.cfg.EntropyCeiling {
				s.coef = s.cfg.EntropyCeiling
			}
		}
	}

	if s.boostLeft > 0 {
		s.boostLeft--
	}
}

// EntropyCoef returns the coefficient for the coming update pass. An
// active boost multiplies the base value and may exceed the ceiling.
func (s *Scheduler) EntropyCoef() float64 {
	if s.boostLeft > 0 {
		return s.coef * s.boost
	}
	return s.coef
}

// BoostEntropy multiplies the coefficient by factor for the next cycles
// observations, used after a checkpoint rollback to re-explore.
func (s *Scheduler) BoostEntropy(factor float64, cycles int) {
	if factor <= 0 || cycles <= 0 {
		return
	}
	s.boost = factor
	s.boostLeft = cycles
}

// Gamma returns the discount factor for the current cycle, interpolated
// linearly from initial to final over the configured span.
func (s *Scheduler) Gamma() float64 {
	progress := float64(s.cycle) / float64(s.cfg.GammaCycles)
	if progress > 1 {
		progress = 1
	}
	return s.cfg.GammaInitial + (s.cfg.GammaFinal-s.cfg.GammaInitial)*progress
}

func (s *Scheduler) Cycle() int {
	return s.cycle
}

// State snapshots the mutable schedule values.
func (s *Scheduler) State() SchedulerState {
	return SchedulerState{
		Cycle:           s.cycle,
		EntropyCoef:     s.EntropyCoef(),
		Gamma:           s.Gamma(),
		BoostFactor:     s.boost,
		BoostCyclesLeft: s.boostLeft,
		History:         append([]float64(nil), s.history...),
	}
}

func windowMean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
