package nn

import (
	"fmt"
	"math"
)

// AdamConfig tunes the optimizer. Zero betas and epsilon fall back to the
// usual defaults.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	// MaxGradNorm rescales gradients whose global L2 norm exceeds it.
	// Zero disables clipping.
	MaxGradNorm float64
}

// Adam applies bias-corrected adaptive moment updates to a parameter set.
// Moment state is keyed by parameter name so it survives snapshot restores
// that keep shapes.
type Adam struct {
	cfg  AdamConfig
	step int
	m    map[string][]float64
	v    map[string][]float64
}

func NewAdam(cfg AdamConfig) (*Adam, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive")
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-8
	}
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 || cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must lie in [0,1)")
	}
	if cfg.MaxGradNorm < 0 {
		return nil, fmt.Errorf("max grad norm must not be negative")
	}
	return &Adam{
		cfg: cfg,
		m:   make(map[string][]float64),
		v:   make(map[string][]float64),
	}, nil
}

// Step clips the gradients to the configured global norm and applies one
// update to params in place. It returns the pre-clip gradient norm.
func (o *Adam) Step(params []Param, grads *Gradients) (float64, error) {
	norm := grads.GlobalNorm()
	if o.cfg.MaxGradNorm > 0 && norm > o.cfg.MaxGradNorm {
		grads.Scale(o.cfg.MaxGradNorm / (norm + 1e-6))
	}

	o.step++
	correction1 := 1 - math.Pow(o.cfg.Beta1, float64(o.step))
	correction2 := 1 - math.Pow(o.cfg.Beta2, float64(o.step))

	for _, p := range params {
		grad := grads.For(p.Name)
		if grad == nil {
			return 0, fmt.Errorf("gradients are missing %q", p.Name)
		}
		if len(grad) != len(p.Data) {
			return 0, fmt.Errorf("gradient %q length mismatch: got=%d want=%d", p.Name, len(grad), len(p.Data))
		}
		m := o.m[p.Name]
		if m == nil {
			m = make([]float64, len(p.Data))
			o.m[p.Name] = m
		}
		v := o.v[p.Name]
		if v == nil {
			v = make([]float64, len(p.Data))
			o.v[p.Name] = v
		}
		for i, gv := range grad {
			m[i] = o.cfg.Beta1*m[i] + (1-o.cfg.Beta1)*gv
			v[i] = o.cfg.Beta2*v[i] + (1-o.cfg.Beta2)*gv*gv
			mHat := m[i] / correction1
			vHat := v[i] / correction2
			p.Data[i] -= o.cfg.LearningRate * mHat / (math.Sqrt(vHat) + o.cfg.Epsilon)
		}
	}
	return norm, nil
}

// Reset clears the moment state, as after a rollback to older parameters.
func (o *Adam) Reset() {
	o.step = 0
	o.m = make(map[string][]float64)
	o.v = make(map[string][]float64)
}

// StateEntries exposes the optimizer moments as named float64 slices for
// checkpointing.
func (o *Adam) StateEntries() (step int, m, v map[string][]float64) {
	return o.step, o.m, o.v
}

// RestoreState replaces the optimizer moments from a checkpoint.
func (o *Adam) RestoreState(step int, m, v map[string][]float64) {
	o.step = step
	o.m = m
	o.v = v
}
