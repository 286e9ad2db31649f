package rollout

import (
	"fmt"

	"dodeka/internal/model"
	"dodeka/internal/tensor"
)

// Canonical observation entry names shared by both wire formats.
const (
	KeySelf   = "self_vecs"
	KeyAlly   = "ally_vecs"
	KeyEnemy  = "enemy_vecs"
	KeyGlobal = "global_vecs"
	KeyGrid   = "grids"

	keyHiddenH   = "hx_h"
	keyHiddenC   = "hx_c"
	keyLogProbs  = "log_probs"
	keyValues    = "values"
	keyRewards   = "rewards"
	keyDones     = "dones"
	keyBootstrap = "bootstrap_values"
)

// MaskKey returns the container entry name for a discrete head's
// availability mask.
func MaskKey(head string) string { return "mask_" + head }

// ActionKey returns the container entry name for a head's sampled action.
func ActionKey(head string) string { return "act_" + head }

// Batch is one decoded rollout: time-major named tensors covering T
// timesteps of A participants. Scalar per-step fields have shape (T, A);
// observation and per-head fields append their trailing dimensions.
type Batch struct {
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

	// Bootstrap holds per-participant value estimates for the state after
	// the final timestep. Nil when the source carried none.
	Bootstrap []float32

	// Aux carries relabeling state decoded from the episode stream format.
	// Nil for tagged containers.
	Aux *Aux
}

type fieldKind int

const (
	kindObs fieldKind = iota
	kindHidden
	kindScalar
	kindMask
	kindDiscrete
	kindContinuous
)

type fieldSpec struct {
	name  string
	head  string
	kind  fieldKind
	dtype DType
	trail []int
}

// canonicalFields returns every per-timestep entry the formats carry, with
// the element type each uses on the wire.
func canonicalFields(dims model.Dims, space model.ActionSpace) []fieldSpec {
	fields := []fieldSpec{
		{name: KeySelf, kind: kindObs, dtype: F32, trail: []int{dims.SelfDim}},
		{name: KeyAlly, kind: kindObs, dtype: F32, trail: []int{dims.AllyCount, dims.AllyDim}},
		{name: KeyEnemy, kind: kindObs, dtype: F32, trail: []int{dims.EnemyCount, dims.EnemyDim}},
		{name: KeyGlobal, kind: kindObs, dtype: F32, trail: []int{dims.GlobalDim}},
		{name: KeyGrid, kind: kindObs, dtype: F32, trail: []int{dims.GridChannels, dims.GridHeight, dims.GridWidth}},
		{name: keyHiddenH, kind: kindHidden, dtype: F32, trail: []int{1, dims.HiddenDim}},
		{name: keyHiddenC, kind: kindHidden, dtype: F32, trail: []int{1, dims.HiddenDim}},
		{name: keyLogProbs, kind: kindScalar, dtype: F32},
		{name: keyValues, kind: kindScalar, dtype: F32},
		{name: keyRewards, kind: kindScalar, dtype: F32},
		{name: keyDones, kind: kindScalar, dtype: I64},
	}
	for _, h := range space.Discrete {
		fields = append(fields, fieldSpec{name: MaskKey(h.Name), head: h.Name, kind: kindMask, dtype: Bool, trail: []int{h.Size}})
	}
	for _, h := range space.Discrete {
		fields = append(fields, fieldSpec{name: ActionKey(h.Name), head: h.Name, kind: kindDiscrete, dtype: I64})
	}
	for _, h := range space.Continuous {
		fields = append(fields, fieldSpec{name: ActionKey(h.Name), head: h.Name, kind: kindContinuous, dtype: F32, trail: []int{h.Dim}})
	}
	return fields
}

// newEmptyBatch allocates every canonical tensor zero-filled.
func newEmptyBatch(t int, dims model.Dims, space model.ActionSpace) *Batch {
	a := dims.Participants
	b := &Batch{
		T:       t,
		A:       a,
		Obs:     make(map[string]*tensor.Dense),
		Masks:   make(map[string]*tensor.Dense),
		Actions: make(map[string]*tensor.Dense),
	}
	for _, f := range canonicalFields(dims, space) {
		shape := append([]int{t, a}, f.trail...)
		d := tensor.New(shape...)
		b.place(f, d)
	}
	return b
}

func (b *Batch) place(f fieldSpec, d *tensor.Dense) {
	switch f.kind {
	case kindObs:
		b.Obs[f.name] = d
	case kindHidden:
		if f.name == keyHiddenH {
			b.HiddenH = d
		} else {
			b.HiddenC = d
		}
	case kindScalar:
		switch f.name {
		case keyLogProbs:
			b.LogProbs = d
		case keyValues:
			b.Values = d
		case keyRewards:
			b.Rewards = d
		case keyDones:
			b.Dones = d
		}
	case kindMask:
		b.Masks[f.head] = d
	case kindDiscrete, kindContinuous:
		b.Actions[f.head] = d
	}
}

func (b *Batch) field(f fieldSpec) *tensor.Dense {
	switch f.kind {
	case kindObs:
		return b.Obs[f.name]
	case kindHidden:
		if f.name == keyHiddenH {
			return b.HiddenH
		}
		return b.HiddenC
	case kindScalar:
		switch f.name {
		case keyLogProbs:
			return b.LogProbs
		case keyValues:
			return b.Values
		case keyRewards:
			return b.Rewards
		case keyDones:
			return b.Dones
		}
	case kindMask:
		return b.Masks[f.head]
	case kindDiscrete, kindContinuous:
		return b.Actions[f.head]
	}
	return nil
}

// batchFromEntries validates tagged container entries against the expected
// geometry and converts them to float32 tensors. Entries with names outside
// the canonical set are returned for the caller to report.
func batchFromEntries(entries []Entry, dims model.Dims, space model.ActionSpace, path string) (*Batch, []string, error) {
	byName := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if _, dup := byName[e.Name]; dup {
			return nil, nil, &FormatError{Path: path, Reason: fmt.Sprintf("duplicate entry %q", e.Name)}
		}
		byName[e.Name] = e
	}

	fields := canonicalFields(dims, space)
	selfEntry, ok := byName[KeySelf]
	if !ok {
		return nil, nil, &FormatError{Path: path, Reason: fmt.Sprintf("missing entry %q", KeySelf)}
	}
	if len(selfEntry.Shape) < 2 {
		return nil, nil, &FormatError{Path: path, Reason: fmt.Sprintf("entry %q: rank %d below 2", KeySelf, len(selfEntry.Shape))}
	}
	t := int(selfEntry.Shape[0])
	a := dims.Participants

	b := &Batch{
		T:       t,
		A:       a,
		Obs:     make(map[string]*tensor.Dense),
		Masks:   make(map[string]*tensor.Dense),
		Actions: make(map[string]*tensor.Dense),
	}
	consumed := make(map[string]bool, len(fields)+1)
	for _, f := range fields {
		e, ok := byName[f.name]
		if !ok {
			return nil, nil, &FormatError{Path: path, Reason: fmt.Sprintf("missing entry %q", f.name)}
		}
		consumed[f.name] = true
		want := append([]int{t, a}, f.trail...)
		if err := checkShape(e, want); err != nil {
			return nil, nil, &FormatError{Path: path, Reason: err.Error()}
		}
		values, err := decodeFloats(e)
		if err != nil {
			return nil, nil, &FormatError{Path: path, Reason: err.Error()}
		}
		d, err := tensor.FromSlice(values, want...)
		if err != nil {
			return nil, nil, &FormatError{Path: path, Reason: err.Error()}
		}
		b.place(f, d)
	}

	if e, ok := byName[keyBootstrap]; ok {
		consumed[keyBootstrap] = true
		if err := checkShape(e, []int{a}); err != nil {
			return nil, nil, &FormatError{Path: path, Reason: err.Error()}
		}
		values, err := decodeFloats(e)
		if err != nil {
			return nil, nil, &FormatError{Path: path, Reason: err.Error()}
		}
		b.Bootstrap = values
	}

	var unknown []string
	for _, e := range entries {
		if !consumed[e.Name] {
			unknown = append(unknown, e.Name)
		}
	}
	return b, unknown, nil
}

func checkShape(e Entry, want []int) error {
	if len(e.Shape) != len(want) {
		return fmt.Errorf("entry %q: rank mismatch: got=%d want=%d", e.Name, len(e.Shape), len(want))
	}
	for axis, dim := range want {
		if int(e.Shape[axis]) != dim {
			return fmt.Errorf("entry %q: extent mismatch on axis %d: got=%d want=%d", e.Name, axis, e.Shape[axis], dim)
		}
	}
	return nil
}

// entriesFromBatch serializes the batch back into canonical container
// entries, narrowing each field to its wire element type.
func entriesFromBatch(b *Batch, dims model.Dims, space model.ActionSpace) ([]Entry, error) {
	fields := canonicalFields(dims, space)
	entries := make([]Entry, 0, len(fields)+1)
	for _, f := range fields {
		d := b.field(f)
		if d == nil {
			return nil, fmt.Errorf("batch is missing field %q", f.name)
		}
		shape := d.Shape()
		raw, err := encodeFloats(f.dtype, d.Float32s())
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", f.name, err)
		}
		wire := make([]int64, len(shape))
		for i, dim := range shape {
			wire[i] = int64(dim)
		}
		entries = append(entries, Entry{Name: f.name, DType: f.dtype, Shape: wire, Raw: raw})
	}
	if b.Bootstrap != nil {
		raw, err := encodeFloats(F32, b.Bootstrap)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", keyBootstrap, err)
		}
		entries = append(entries, Entry{Name: keyBootstrap, DType: F32, Shape: []int64{int64(len(b.Bootstrap))}, Raw: raw})
	}
	return entries, nil
}
