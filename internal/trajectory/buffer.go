// Package trajectory accumulates decoded rollouts into a time-major buffer,
// computes generalized advantage estimates and cuts fixed-length sequence
// windows for recurrent optimization.
package trajectory

import (
	"fmt"

	"dodeka/internal/rollout"
	"dodeka/internal/tensor"
)

// ShapeError reports a field whose geometry does not line up across merged
// buffers.
type ShapeError struct {
	Field string
	Got   []int
	Want  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("trajectory: field %q shape mismatch: got=%v want=%v", e.Field, e.Got, e.Want)
}

// Buffer is a time-major trajectory store covering T timesteps of A
// participants. Advantages and returns exist only after ComputeGAE; any
// merge invalidates them.
type Buffer struct {
	T, A int

	Obs      map[string]*tensor.Dense
	HiddenH  *tensor.Dense
	HiddenC  *tensor.Dense
	LogProbs *tensor.Dense
	Values   *tensor.Dense
	Rewards  *tensor.Dense
	Dones    *tensor.Dense
	Masks    map[string]*tensor.Dense
	Actions  map[string]*tensor.Dense

	// Bootstrap estimates the value of the state following the final
	// timestep. Nil means zero.
	Bootstrap []float32

	advantages *tensor.Dense
	returns    *tensor.Dense
	gaeValid   bool
}

// FromBatch wraps a decoded rollout without copying tensor storage.
func FromBatch(b *rollout.Batch) (*Buffer, error) {
	if b == nil {
		return nil, fmt.Errorf("trajectory: batch is required")
	}
	if b.T <= 0 || b.A <= 0 {
		return nil, fmt.Errorf("trajectory: empty batch (%d,%d)", b.T, b.A)
	}
	buf := &Buffer{
		T:        b.T,
		A:        b.A,
		Obs:      make(map[string]*tensor.Dense, len(b.Obs)),
		HiddenH:  b.HiddenH,
		HiddenC:  b.HiddenC,
		LogProbs: b.LogProbs,
		Values:   b.Values,
		Rewards:  b.Rewards,
		Dones:    b.Dones,
		Masks:    make(map[string]*tensor.Dense, len(b.Masks)),
		Actions:  make(map[string]*tensor.Dense, len(b.Actions)),
	}
	for name, d := range b.Obs {
		buf.Obs[name] = d
	}
	for name, d := range b.Masks {
		buf.Masks[name] = d
	}
	for name, d := range b.Actions {
		buf.Actions[name] = d
	}
	if b.Bootstrap != nil {
		buf.Bootstrap = append([]float32(nil), b.Bootstrap...)
	}
	return buf, nil
}

// TotalTransitions returns the number of stored transitions across all
// participants.
func (b *Buffer) TotalTransitions() int { return b.T * b.A }

// GAEValid reports whether advantages and returns reflect the current
// contents.
func (b *Buffer) GAEValid() bool { return b.gaeValid }

// Advantages returns the advantage tensor computed by the last ComputeGAE.
func (b *Buffer) Advantages() *tensor.Dense { return b.advantages }

// Returns returns the return tensor computed by the last ComputeGAE.
func (b *Buffer) Returns() *tensor.Dense { return b.returns }

// MeanReward averages the stored rewards over every transition.
func (b *Buffer) MeanReward() float64 {
	sum := 0.0
	raw := b.Rewards.Float32s()
	for _, v := range raw {
		sum += float64(v)
	}
	return sum / float64(len(raw))
}

// ParticipantMeanReward averages the stored rewards of one participant.
func (b *Buffer) ParticipantMeanReward(a int) (float64, error) {
	if a < 0 || a >= b.A {
		return 0, fmt.Errorf("trajectory: participant %d out of range [0,%d)", a, b.A)
	}
	sum := 0.0
	for t := 0; t < b.T; t++ {
		sum += float64(b.Rewards.At(t, a))
	}
	return sum / float64(b.T), nil
}

func matchTrailing(field string, got, want *tensor.Dense) error {
	gs, ws := got.Shape(), want.Shape()
	if len(gs) != len(ws) {
		return &ShapeError{Field: field, Got: gs, Want: ws}
	}
	for axis := 1; axis < len(ws); axis++ {
		if gs[axis] != ws[axis] {
			return &ShapeError{Field: field, Got: gs, Want: ws}
		}
	}
	return nil
}

// Merge appends other's transitions after the receiver's, preserving order.
// Both buffers must agree on participant count, field sets and trailing
// dimensions. The merged bootstrap is taken from other since it owns the new
// final timestep. Any previously computed GAE is invalidated.
func (b *Buffer) Merge(other *Buffer) error {
	if other == nil {
		return fmt.Errorf("trajectory: merge target is required")
	}
	if other.A != b.A {
		return &ShapeError{Field: "participants", Got: []int{other.A}, Want: []int{b.A}}
	}
	if len(other.Obs) != len(b.Obs) || len(other.Masks) != len(b.Masks) || len(other.Actions) != len(b.Actions) {
		return fmt.Errorf("trajectory: merge field sets differ")
	}

	type pair struct {
		field string
		dst   **tensor.Dense
		src   *tensor.Dense
	}
	pairs := []pair{
		{"hx_h", &b.HiddenH, other.HiddenH},
		{"hx_c", &b.HiddenC, other.HiddenC},
		{"log_probs", &b.LogProbs, other.LogProbs},
		{"values", &b.Values, other.Values},
		{"rewards", &b.Rewards, other.Rewards},
		{"dones", &b.Dones, other.Dones},
	}
	for name := range b.Obs {
		src, ok := other.Obs[name]
		if !ok {
			return fmt.Errorf("trajectory: merge target is missing obs %q", name)
		}
		d := b.Obs[name]
		if err := matchTrailing(name, src, d); err != nil {
			return err
		}
	}
	for name := range b.Masks {
		if _, ok := other.Masks[name]; !ok {
			return fmt.Errorf("trajectory: merge target is missing mask %q", name)
		}
		if err := matchTrailing("mask_"+name, other.Masks[name], b.Masks[name]); err != nil {
			return err
		}
	}
	for name := range b.Actions {
		if _, ok := other.Actions[name]; !ok {
			return fmt.Errorf("trajectory: merge target is missing action %q", name)
		}
		if err := matchTrailing("act_"+name, other.Actions[name], b.Actions[name]); err != nil {
			return err
		}
	}
	for _, p := range pairs {
		if err := matchTrailing(p.field, p.src, *p.dst); err != nil {
			return err
		}
	}

	// All geometry checked; now concatenate every field.
	for name := range b.Obs {
		merged, err := tensor.Concat(b.Obs[name], other.Obs[name])
		if err != nil {
			return err
		}
		b.Obs[name] = merged
	}
	for name := range b.Masks {
		merged, err := tensor.Concat(b.Masks[name], other.Masks[name])
		if err != nil {
			return err
		}
		b.Masks[name] = merged
	}
	for name := range b.Actions {
		merged, err := tensor.Concat(b.Actions[name], other.Actions[name])
		if err != nil {
			return err
		}
		b.Actions[name] = merged
	}
	for _, p := range pairs {
		merged, err := tensor.Concat(*p.dst, p.src)
		if err != nil {
			return err
		}
		*p.dst = merged
	}

	b.T += other.T
	if other.Bootstrap != nil {
		b.Bootstrap = append([]float32(nil), other.Bootstrap...)
	} else {
		b.Bootstrap = nil
	}
	b.advantages = nil
	b.returns = nil
	b.gaeValid = false
	return nil
}

// ComputeGAE runs the reverse advantage sweep independently per participant.
// Done flags cut the recursion so episodes packed into one buffer do not
// leak value across their boundary; the bootstrap value seeds the final
// step when its episode is still open.
func (b *Buffer) ComputeGAE(gamma, lambda float64) error {
	if gamma < 0 || gamma > 1 {
		return fmt.Errorf("trajectory: gamma %v out of [0,1]", gamma)
	}
	if lambda < 0 || lambda > 1 {
		return fmt.Errorf("trajectory: lambda %v out of [0,1]", lambda)
	}
	adv := tensor.New(b.T, b.A)
	ret := tensor.New(b.T, b.A)
	for a := 0; a < b.A; a++ {
		carry := 0.0
		for t := b.T - 1; t >= 0; t-- {
			notDone := 1.0 - float64(b.Dones.At(t, a))
			var next float64
			if t == b.T-1 {
				if b.Bootstrap != nil {
					next = float64(b.Bootstrap[a])
				}
			} else {
				next = float64(b.Values.At(t+1, a))
			}
			value := float64(b.Values.At(t, a))
			delta := float64(b.Rewards.At(t, a)) + gamma*next*notDone - value
			carry = delta + gamma*lambda*notDone*carry
			adv.Set(float32(carry), t, a)
			ret.Set(float32(carry+value), t, a)
		}
	}
	b.advantages = adv
	b.returns = ret
	b.gaeValid = true
	return nil
}

// ParticipantView exposes one participant's slice of every field. All
// tensors are views sharing storage with the buffer.
type ParticipantView struct {
	T           int
	Participant int

	Obs      map[string]*tensor.Dense
	HiddenH  *tensor.Dense
	HiddenC  *tensor.Dense
	LogProbs *tensor.Dense
	Values   *tensor.Dense
	Rewards  *tensor.Dense
	Dones    *tensor.Dense
	Masks    map[string]*tensor.Dense
	Actions  map[string]*tensor.Dense

	Advantages *tensor.Dense
	Returns    *tensor.Dense
}

// SliceParticipant returns a no-copy view of participant a.
func (b *Buffer) SliceParticipant(a int) (*ParticipantView, error) {
	if a < 0 || a >= b.A {
		return nil, fmt.Errorf("trajectory: participant %d out of range [0,%d)", a, b.A)
	}
	view := &ParticipantView{
		T:           b.T,
		Participant: a,
		Obs:         make(map[string]*tensor.Dense, len(b.Obs)),
		Masks:       make(map[string]*tensor.Dense, len(b.Masks)),
		Actions:     make(map[string]*tensor.Dense, len(b.Actions)),
	}
	sel := func(d *tensor.Dense) (*tensor.Dense, error) {
		if d == nil {
			return nil, nil
		}
		return d.Select(1, a)
	}
	var err error
	for name, d := range b.Obs {
		if view.Obs[name], err = sel(d); err != nil {
			return nil, err
		}
	}
	for name, d := range b.Masks {
		if view.Masks[name], err = sel(d); err != nil {
			return nil, err
		}
	}
	for name, d := range b.Actions {
		if view.Actions[name], err = sel(d); err != nil {
			return nil, err
		}
	}
	if view.HiddenH, err = sel(b.HiddenH); err != nil {
		return nil, err
	}
	if view.HiddenC, err = sel(b.HiddenC); err != nil {
		return nil, err
	}
	if view.LogProbs, err = sel(b.LogProbs); err != nil {
		return nil, err
	}
	if view.Values, err = sel(b.Values); err != nil {
		return nil, err
	}
	if view.Rewards, err = sel(b.Rewards); err != nil {
		return nil, err
	}
	if view.Dones, err = sel(b.Dones); err != nil {
		return nil, err
	}
	if view.Advantages, err = sel(b.advantages); err != nil {
		return nil, err
	}
	if view.Returns, err = sel(b.returns); err != nil {
		return nil, err
	}
	return view, nil
}
