package agent

import (
	"fmt"
	"math"

	"dodeka/internal/nn"
	"dodeka/internal/rollout"
	"dodeka/internal/tensor"
	"dodeka/internal/trajectory"
)

// Evaluation carries per-(window, step) policy outputs for the recorded
// actions of one sequence batch, plus the backprop handle ApplyGradients
// consumes. It becomes stale after the next parameter update.
type Evaluation struct {
	Windows, Steps int

	LogProbs  [][]float64
	Entropies [][]float64
	Values    [][]float64

	tape any
}

// OutputGrads is the loss gradient with respect to each per-step output,
// indexed [window][step] like the outputs.
type OutputGrads struct {
	LogProbs  [][]float64
	Entropies [][]float64
	Values    [][]float64
}

// PolicyUnit is the trainable policy contract the update loop works
// against. Recurrent state is an explicit value in and out; units keep no
// hidden per-episode state between calls.
type PolicyUnit interface {
	EvaluateSequence(batch *trajectory.SequenceBatch) (*Evaluation, error)
	// ApplyGradients backpropagates the output gradients through the
	// evaluation and applies one optimizer step. It returns the pre-clip
	// global gradient norm.
	ApplyGradients(eval *Evaluation, grads OutputGrads) (float64, error)
	Parameters() map[string][]float64
	SetParameters(params map[string][]float64) error
	InitState(batch int) (h, c *tensor.Dense)
}

// UnitConfig describes one participant's policy and optimizer.
type UnitConfig struct {
	Participant int
	Network     nn.NetworkConfig
	Optimizer   nn.AdamConfig
}

// Unit binds a network to its optimizer for one participant slot.
type Unit struct {
	participant int
	net         *nn.Network
	opt         *nn.Adam
}

var _ PolicyUnit = (*Unit)(nil)

func NewUnit(cfg UnitConfig) (*Unit, error) {
	if cfg.Participant < 0 {
		return nil, fmt.Errorf("participant must not be negative")
	}
	net, err := nn.NewNetwork(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("participant %d network: %w", cfg.Participant, err)
	}
	opt, err := nn.NewAdam(cfg.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("participant %d optimizer: %w", cfg.Participant, err)
	}
	return &Unit{participant: cfg.Participant, net: net, opt: opt}, nil
}

func (u *Unit) Participant() int {
	return u.participant
}

func (u *Unit) EvaluateSequence(batch *trajectory.SequenceBatch) (*Evaluation, error) {
	eval, err := u.net.EvaluateSequences(batch)
	if err != nil {
		return nil, err
	}
	return &Evaluation{
		Windows:   eval.B,
		Steps:     eval.L,
		LogProbs:  eval.LogProbs,
		Entropies: eval.Entropy,
		Values:    eval.Values,
		tape:      eval,
	}, nil
}

func (u *Unit) ApplyGradients(eval *Evaluation, grads OutputGrads) (float64, error) {
	if eval == nil {
		return 0, fmt.Errorf("evaluation is required")
	}
	seq, ok := eval.tape.(*nn.SequenceEval)
	if !ok {
		return 0, fmt.Errorf("evaluation does not belong to this unit")
	}
	g, err := u.net.Backward(seq, nn.EvalGrad{
		LogProb: grads.LogProbs,
		Entropy: grads.Entropies,
		Value:   grads.Values,
	})
	if err != nil {
		return 0, err
	}
	return u.opt.Step(u.net.Parameters(), g)
}

func (u *Unit) Parameters() map[string][]float64 {
	return u.net.Snapshot()
}

func (u *Unit) SetParameters(params map[string][]float64) error {
	return u.net.SetParameters(params)
}

func (u *Unit) InitState(batch int) (h, c *tensor.Dense) {
	return u.net.InitState(batch)
}

// ResetOptimizer drops the accumulated moments, as after a parameter
// rollback.
func (u *Unit) ResetOptimizer() {
	u.opt.Reset()
}

// ExportEntries renders the policy parameters as container entries under
// the given prefix, the inference-export layout.
func (u *Unit) ExportEntries(prefix string) []rollout.Entry {
	return u.net.ExportEntries(prefix)
}

// OptimizerEntries renders the optimizer moments as container entries for
// full training checkpoints.
func (u *Unit) OptimizerEntries(prefix string) []rollout.Entry {
	step, m, v := u.opt.StateEntries()
	entries := []rollout.Entry{scalarEntry(prefix+"step", float64(step))}
	for _, p := range u.net.Parameters() {
		if moments := m[p.Name]; moments != nil {
			entries = append(entries, vectorEntry(prefix+"m."+p.Name, moments))
		}
		if moments := v[p.Name]; moments != nil {
			entries = append(entries, vectorEntry(prefix+"v."+p.Name, moments))
		}
	}
	return entries
}

func scalarEntry(name string, value float64) rollout.Entry {
	return vectorEntry(name, []float64{value})
}

func vectorEntry(name string, values []float64) rollout.Entry {
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		bits := math.Float32bits(float32(v))
		raw[4*i] = byte(bits)
		raw[4*i+1] = byte(bits >> 8)
		raw[4*i+2] = byte(bits >> 16)
		raw[4*i+3] = byte(bits >> 24)
	}
	return rollout.Entry{Name: name, DType: rollout.F32, Shape: []int64{int64(len(values))}, Raw: raw}
}
