package ppo

import (
	"math"
	"math/rand"
	"testing"

	"dodeka/internal/agent"
	"dodeka/internal/model"
	"dodeka/internal/nn"
	"dodeka/internal/rollout"
	"dodeka/internal/tensor"
	"dodeka/internal/trajectory"
)

// stubUnit returns scripted outputs and records the gradients it was
// asked to apply.
type stubUnit struct {
	logProbs  [][]float64
	values    [][]float64
	entropies [][]float64

	applied *agent.OutputGrads
	norm    float64
}

func (s *stubUnit) EvaluateSequence(batch *trajectory.SequenceBatch) (*agent.Evaluation, error) {
	return &agent.Evaluation{
		Windows:   batch.B,
		Steps:     batch.L,
		LogProbs:  s.logProbs,
		Entropies: s.entropies,
		Values:    s.values,
	}, nil
}

func (s *stubUnit) ApplyGradients(eval *agent.Evaluation, grads agent.OutputGrads) (float64, error) {
	s.applied = &grads
	return s.norm, nil
}

func (s *stubUnit) Parameters() map[string][]float64         { return nil }
func (s *stubUnit) SetParameters(map[string][]float64) error { return nil }
func (s *stubUnit) InitState(int) (h, c *tensor.Dense)       { return nil, nil }

func fillGrid(b, l int, fn func(b, t int) float64) [][]float64 {
	out := make([][]float64, b)
	for i := range out {
		out[i] = make([]float64, l)
		for j := range out[i] {
			out[i][j] = fn(i, j)
		}
	}
	return out
}

// statChunk builds a chunk carrying only the fields Update reads.
func statChunk(b, l int, oldLP, adv, ret func(b, t int) float64) *trajectory.SequenceBatch {
	mk := func(fn func(b, t int) float64) *tensor.Dense {
		d := tensor.New(b, l)
		for i := 0; i < b; i++ {
			for j := 0; j < l; j++ {
				d.Set(float32(fn(i, j)), i, j)
			}
		}
		return d
	}
	return &trajectory.SequenceBatch{
		B:          b,
		L:          l,
		LogProbs:   mk(oldLP),
		Advantages: mk(adv),
		Returns:    mk(ret),
	}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{ClipEpsilon: 0.2, ValueCoef: 0.5})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	return e
}

func TestNewEngineValidation(t *testing.T) {
	if _, err := NewEngine(Config{ClipEpsilon: 1.5}); err == nil {
		t.Fatal("clip epsilon above 1 should fail")
	}
	if _, err := NewEngine(Config{ValueCoef: -1}); err == nil {
		t.Fatal("negative value coefficient should fail")
	}
	e, err := NewEngine(Config{})
	if err != nil {
		t.Fatalf("defaults should construct: %v", err)
	}
	if e.cfg.ClipEpsilon != 0.2 || e.cfg.ValueCoef != 0.5 {
		t.Fatalf("unexpected defaults: %+v", e.cfg)
	}
}

func TestUpdateAdvantageScaleInvariance(t *testing.T) {
	e := testEngine(t)
	B, L := 2, 4
	rng := rand.New(rand.NewSource(1))
	advBase := fillGrid(B, L, func(int, int) float64 { return rng.NormFloat64() })
	oldLP := func(b, t int) float64 { return -1.0 - 0.1*float64(b+t) }
	ret := func(b, t int) float64 { return float64(b) - float64(t) }

	run := func(scale float64) *Stats {
		unit := &stubUnit{
			logProbs:  fillGrid(B, L, func(b, t int) float64 { return oldLP(b, t) + 0.05 }),
			values:    fillGrid(B, L, func(b, t int) float64 { return 0.3 }),
			entropies: fillGrid(B, L, func(b, t int) float64 { return 1.1 }),
		}
		chunk := statChunk(B, L, oldLP, func(b, t int) float64 { return advBase[b][t] * scale }, ret)
		stats, err := e.Update(chunk, unit, 0.01)
		if err != nil {
			t.Fatalf("update failed: %v", err)
		}
		return stats
	}
	a := run(1)
	b := run(7.5)
	if math.Abs(a.PolicyLoss-b.PolicyLoss) > 1e-6 {
		t.Fatalf("policy loss not scale invariant: %v vs %v", a.PolicyLoss, b.PolicyLoss)
	}
}

func TestUpdateClipStopsGradient(t *testing.T) {
	e := testEngine(t)
	B, L := 1, 2
	// Step 0: ratio e^0.5 ~ 1.65 > 1.2 with positive advantage -> clipped.
	// Step 1: ratio 1 with negative advantage -> unclipped.
	oldLP := func(b, t int) float64 { return -2 }
	newLP := fillGrid(B, L, func(b, t int) float64 {
		if t == 0 {
			return -1.5
		}
		return -2
	})
	adv := func(b, t int) float64 {
		if t == 0 {
			return 2
		}
		return -1
	}
	unit := &stubUnit{
		logProbs:  newLP,
		values:    fillGrid(B, L, func(int, int) float64 { return 0 }),
		entropies: fillGrid(B, L, func(int, int) float64 { return 1 }),
	}
	chunk := statChunk(B, L, oldLP, adv, func(int, int) float64 { return 0 })
	stats, err := e.Update(chunk, unit, 0)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if unit.applied.LogProbs[0][0] != 0 {
		t.Fatalf("clipped step should receive zero policy gradient, got %v", unit.applied.LogProbs[0][0])
	}
	if unit.applied.LogProbs[0][1] == 0 {
		t.Fatal("unclipped step should receive a policy gradient")
	}
	if math.Abs(stats.ClipFraction-0.5) > 1e-12 {
		t.Fatalf("clip fraction: got=%v want=0.5", stats.ClipFraction)
	}
	if stats.ApproxKL < 0 {
		t.Fatalf("approx kl must be non-negative: %v", stats.ApproxKL)
	}
}

func TestUpdateClippedLossExceedsUnclipped(t *testing.T) {
	e := testEngine(t)
	B, L := 1, 2
	// t0: ratio = e > 1.2 with a positive normalized advantage, so the
	// clip binds. t1: ratio 1, unaffected either way.
	oldLP := func(int, int) float64 { return -2 }
	newLP := fillGrid(B, L, func(b, t int) float64 {
		if t == 0 {
			return -1
		}
		return -2
	})
	advRaw := func(b, t int) float64 {
		if t == 0 {
			return 3
		}
		return 1
	}
	unit := &stubUnit{
		logProbs:  newLP,
		values:    fillGrid(B, L, func(int, int) float64 { return 0 }),
		entropies: fillGrid(B, L, func(int, int) float64 { return 0 }),
	}
	chunk := statChunk(B, L, oldLP, advRaw, func(int, int) float64 { return 0 })
	stats, err := e.Update(chunk, unit, 0)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	// Recompute both losses from the same normalization.
	mean, std := 2.0, math.Sqrt2
	a0 := (3 - mean) / (std + 1e-8)
	a1 := (1 - mean) / (std + 1e-8)
	clippedLoss := (-(1+0.2)*a0 - 1*a1) / 2
	unclippedLoss := (-math.E*a0 - 1*a1) / 2
	if math.Abs(stats.PolicyLoss-clippedLoss) > 1e-9 {
		t.Fatalf("policy loss: got=%v want=%v", stats.PolicyLoss, clippedLoss)
	}
	if !(stats.PolicyLoss > unclippedLoss) {
		t.Fatalf("clipping should raise the loss: clipped=%v unclipped=%v", stats.PolicyLoss, unclippedLoss)
	}
}

func TestUpdateValueAndEntropyGradients(t *testing.T) {
	e := testEngine(t)
	B, L := 1, 2
	unit := &stubUnit{
		logProbs:  fillGrid(B, L, func(int, int) float64 { return -1 }),
		values:    fillGrid(B, L, func(b, t int) float64 { return float64(t) }),
		entropies: fillGrid(B, L, func(int, int) float64 { return 2 }),
	}
	chunk := statChunk(B, L,
		func(int, int) float64 { return -1 },
		func(b, t int) float64 { return float64(t) },
		func(int, int) float64 { return 0.5 },
	)
	const entCoef = 0.07
	stats, err := e.Update(chunk, unit, entCoef)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	n := float64(B * L)
	for tt := 0; tt < L; tt++ {
		wantV := 0.5 * 2 * (float64(tt) - 0.5) / n
		if got := unit.applied.Values[0][tt]; math.Abs(got-wantV) > 1e-12 {
			t.Fatalf("value gradient at %d: got=%v want=%v", tt, got, wantV)
		}
		wantE := -entCoef / n
		if got := unit.applied.Entropies[0][tt]; math.Abs(got-wantE) > 1e-12 {
			t.Fatalf("entropy gradient at %d: got=%v want=%v", tt, got, wantE)
		}
	}
	wantValueLoss := ((0-0.5)*(0-0.5) + (1-0.5)*(1-0.5)) / n
	if math.Abs(stats.ValueLoss-wantValueLoss) > 1e-12 {
		t.Fatalf("value loss: got=%v want=%v", stats.ValueLoss, wantValueLoss)
	}
	if math.Abs(stats.Entropy-2) > 1e-12 {
		t.Fatalf("entropy: got=%v want=2", stats.Entropy)
	}
}

func TestUpdateRejectsIncompleteChunk(t *testing.T) {
	e := testEngine(t)
	unit := &stubUnit{}
	if _, err := e.Update(nil, unit, 0); err == nil {
		t.Fatal("nil chunk should fail")
	}
	chunk := &trajectory.SequenceBatch{B: 1, L: 1}
	if _, err := e.Update(chunk, unit, 0); err == nil {
		t.Fatal("chunk without advantages should fail")
	}
}

func TestAggregateWeighting(t *testing.T) {
	all := []*Stats{
		{PolicyLoss: 1, ValueLoss: 2, Entropy: 3, ApproxKL: 0.1, ClipFraction: 0.5, GradNorm: 4, Transitions: 10},
		{PolicyLoss: 3, ValueLoss: 4, Entropy: 5, ApproxKL: 0.3, ClipFraction: 0.1, GradNorm: 8, Transitions: 30},
	}
	got := Aggregate(all)
	if got.Transitions != 40 {
		t.Fatalf("transitions: got=%d want=40", got.Transitions)
	}
	if math.Abs(got.PolicyLoss-2.5) > 1e-12 {
		t.Fatalf("policy loss: got=%v want=2.5", got.PolicyLoss)
	}
	if math.Abs(got.GradNorm-6) > 1e-12 {
		t.Fatalf("grad norm: got=%v want=6", got.GradNorm)
	}
	if math.Abs(got.ClipFraction-0.2) > 1e-12 {
		t.Fatalf("clip fraction: got=%v want=0.2", got.ClipFraction)
	}
	if Aggregate(nil).Transitions != 0 {
		t.Fatal("empty aggregate should be zero")
	}
}

// End-to-end smoke against the real network: decode-buffer fields are
// exercised elsewhere; here a tiny real unit must accept the chunk and
// move its parameters.
func TestUpdateWithRealUnit(t *testing.T) {
	dims := model.Dims{
		Participants: 2, SelfDim: 2, AllyCount: 1, AllyDim: 2, EnemyCount: 1, EnemyDim: 2,
		GlobalDim: 2, GridChannels: 1, GridHeight: 2, GridWidth: 2, HiddenDim: 3,
	}
	space := model.ActionSpace{
		Discrete:   []model.HeadSpec{{Name: "alpha", Size: 3}},
		Continuous: []model.ContinuousSpec{{Name: "move", Dim: 1}},
	}
	unit, err := agent.NewUnit(agent.UnitConfig{
		Network: nn.NetworkConfig{
			Dims: dims, Space: space,
			Features: nn.FeatureWidths{Self: 3, Ally: 3, Enemy: 3, Global: 3, Grid: 3},
			Seed:     61,
		},
		Optimizer: nn.AdamConfig{LearningRate: 0.01, MaxGradNorm: 5},
	})
	if err != nil {
		t.Fatalf("new unit failed: %v", err)
	}

	rng := rand.New(rand.NewSource(62))
	B, L := 2, 3
	fill := func(d *tensor.Dense) *tensor.Dense {
		raw := d.Float32s()
		for i := range raw {
			raw[i] = float32(rng.Float64()*2 - 1)
		}
		return d
	}
	ones := func(d *tensor.Dense) *tensor.Dense {
		d.Fill(1)
		return d
	}
	chunk := &trajectory.SequenceBatch{
		B: B,
		L: L,
		Obs: map[string]*tensor.Dense{
			rollout.KeySelf:   fill(tensor.New(B, L, dims.SelfDim)),
			rollout.KeyAlly:   fill(tensor.New(B, L, dims.AllyCount, dims.AllyDim)),
			rollout.KeyEnemy:  fill(tensor.New(B, L, dims.EnemyCount, dims.EnemyDim)),
			rollout.KeyGlobal: fill(tensor.New(B, L, dims.GlobalDim)),
			rollout.KeyGrid:   fill(tensor.New(B, L, dims.GridChannels, dims.GridHeight, dims.GridWidth)),
		},
		Masks:      map[string]*tensor.Dense{"alpha": ones(tensor.New(B, L, 3))},
		Actions:    map[string]*tensor.Dense{"alpha": tensor.New(B, L), "move": fill(tensor.New(B, L, 1))},
		LogProbs:   fill(tensor.New(B, L)),
		Values:     fill(tensor.New(B, L)),
		Dones:      tensor.New(B, L),
		Advantages: fill(tensor.New(B, L)),
		Returns:    fill(tensor.New(B, L)),
		HiddenH:    tensor.New(B, 1, dims.HiddenDim),
		HiddenC:    tensor.New(B, 1, dims.HiddenDim),
	}
	e := testEngine(t)
	before := unit.Parameters()
	stats, err := e.Update(chunk, unit, 0.01)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if stats.GradNorm <= 0 {
		t.Fatalf("grad norm should be positive: %v", stats.GradNorm)
	}
	after := unit.Parameters()
	moved := false
	for name, b := range before {
		for i := range b {
			if b[i] != after[name][i] {
				moved = true
			}
		}
	}
	if !moved {
		t.Fatal("update left parameters unchanged")
	}
}
