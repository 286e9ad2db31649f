// Package ppo implements the clipped-surrogate policy update. One Update
// call performs a single optimization step on one sequence batch; pass
// scheduling (epochs, sub-batches, participants) belongs to the caller.
package ppo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"dodeka/internal/agent"
	"dodeka/internal/trajectory"
)

const advantageEpsilon = 1e-8

// Config holds the per-engine loss coefficients. The entropy coefficient
// is passed per update because the adaptive scheduler moves it every
// cycle.
type Config struct {
	// ClipEpsilon bounds the probability ratio to [1-eps, 1+eps]. Zero
	// falls back to 0.2.
	ClipEpsilon float64
	// ValueCoef scales the value regression term. Zero falls back to 0.5.
	ValueCoef float64
}

// Stats reports diagnostics for one update step.
type Stats struct {
	PolicyLoss   float64
	ValueLoss    float64
	Entropy      float64
	ApproxKL     float64
	ClipFraction float64
	GradNorm     float64
	Transitions  int
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ClipEpsilon == 0 {
		cfg.ClipEpsilon = 0.2
	}
	if cfg.ValueCoef == 0 {
		cfg.ValueCoef = 0.5
	}
	if cfg.ClipEpsilon < 0 || cfg.ClipEpsilon >= 1 {
		return nil, fmt.Errorf("clip epsilon must lie in (0,1)")
	}
	if cfg.ValueCoef < 0 {
		return nil, fmt.Errorf("value coefficient must not be negative")
	}
	return &Engine{cfg: cfg}, nil
}

// Update re-evaluates the recorded actions of chunk through unit, forms the
// clipped-surrogate loss against the stored log-probs and advantages, and
// applies one gradient step. Advantages are normalized per update batch.
func (e *Engine) Update(chunk *trajectory.SequenceBatch, unit agent.PolicyUnit, entropyCoef float64) (*Stats, error) {
	if chunk == nil || chunk.B == 0 || chunk.L == 0 {
		return nil, fmt.Errorf("chunk is required")
	}
	if unit == nil {
		return nil, fmt.Errorf("policy unit is required")
	}
	if chunk.Advantages == nil || chunk.Returns == nil || chunk.LogProbs == nil {
		return nil, fmt.Errorf("chunk is missing advantages, returns or log probs")
	}

	eval, err := unit.EvaluateSequence(chunk)
	if err != nil {
		return nil, err
	}
	if eval.Windows != chunk.B || eval.Steps != chunk.L {
		return nil, fmt.Errorf("evaluation bounds mismatch: got=(%d,%d) want=(%d,%d)", eval.Windows, eval.Steps, chunk.B, chunk.L)
	}

	n := chunk.B * chunk.L
	adv := make([]float64, 0, n)
	for b := 0; b < chunk.B; b++ {
		for t := 0; t < chunk.L; t++ {
			adv = append(adv, float64(chunk.Advantages.At(b, t)))
		}
	}
	mean := stat.Mean(adv, nil)
	std := 0.0
	if n > 1 {
		std = stat.StdDev(adv, nil)
	}

	grads := agent.OutputGrads{
		LogProbs:  grid(chunk.B, chunk.L),
		Entropies: grid(chunk.B, chunk.L),
		Values:    grid(chunk.B, chunk.L),
	}
	stats := &Stats{Transitions: n}
	invN := 1.0 / float64(n)
	clipped := 0
	i := 0
	for b := 0; b < chunk.B; b++ {
		for t := 0; t < chunk.L; t++ {
			a := (adv[i] - mean) / (std + advantageEpsilon)
			i++

			oldLP := float64(chunk.LogProbs.At(b, t))
			ret := float64(chunk.Returns.At(b, t))
			newLP := eval.LogProbs[b][t]
			newV := eval.Values[b][t]
			entropy := eval.Entropies[b][t]

			ratio := math.Exp(newLP - oldLP)
			bounded := ratio
			if bounded < 1-e.cfg.ClipEpsilon {
				bounded = 1 - e.cfg.ClipEpsilon
			} else if bounded > 1+e.cfg.ClipEpsilon {
				bounded = 1 + e.cfg.ClipEpsilon
			}
			surr := ratio * a
			surrClipped := bounded * a
			if surr <= surrClipped {
				stats.PolicyLoss -= surr * invN
				grads.LogProbs[b][t] = -ratio * a * invN
			} else {
				// Clip active: the loss is flat in the policy here.
				stats.PolicyLoss -= surrClipped * invN
			}
			if math.Abs(ratio-1) > e.cfg.ClipEpsilon {
				clipped++
			}

			diff := newV - ret
			stats.ValueLoss += diff * diff * invN
			grads.Values[b][t] = e.cfg.ValueCoef * 2 * diff * invN

			stats.Entropy += entropy * invN
			grads.Entropies[b][t] = -entropyCoef * invN

			stats.ApproxKL += ((ratio - 1) - math.Log(ratio)) * invN
		}
	}
	stats.ClipFraction = float64(clipped) * invN

	norm, err := unit.ApplyGradients(eval, grads)
	if err != nil {
		return nil, err
	}
	stats.GradNorm = norm
	return stats, nil
}

// Aggregate combines per-update stats into transition-weighted means for
// cycle diagnostics. GradNorm is averaged per update, not per transition.
func Aggregate(all []*Stats) Stats {
	var out Stats
	if len(all) == 0 {
		return out
	}
	total := 0
	for _, s := range all {
		total += s.Transitions
		out.GradNorm += s.GradNorm
	}
	out.GradNorm /= float64(len(all))
	out.Transitions = total
	if total == 0 {
		return out
	}
	for _, s := range all {
		w := float64(s.Transitions) / float64(total)
		out.PolicyLoss += s.PolicyLoss * w
		out.ValueLoss += s.ValueLoss * w
		out.Entropy += s.Entropy * w
		out.ApproxKL += s.ApproxKL * w
		out.ClipFraction += s.ClipFraction * w
	}
	return out
}

func grid(b, l int) [][]float64 {
	out := make([][]float64, b)
	for i := range out {
		out[i] = make([]float64, l)
	}
	return out
}
