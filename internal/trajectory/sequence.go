package trajectory

import (
	"fmt"
	"math/rand"

	"dodeka/internal/tensor"
)

// SequenceConfig controls how the buffer is cut into recurrent training
// windows.
type SequenceConfig struct {
	// Length is the window size in timesteps. Trailing steps that do not
	// fill a whole window are dropped.
	Length int
	// BatchSize is the number of windows per yielded batch. The final
	// batch may be smaller.
	BatchSize int
	// Rand shuffles window order when set; nil keeps participant-major
	// order.
	Rand *rand.Rand
}

// SequenceBatch is a contiguous block of training windows. Tensor fields
// are shaped (B, L, ...); the recurrent state holds each window's opening
// state shaped (B, 1, H).
type SequenceBatch struct {
	B, L int

	// Participants and Starts identify each window's origin.
	Participants []int
	Starts       []int

	Obs        map[string]*tensor.Dense
	Masks      map[string]*tensor.Dense
	Actions    map[string]*tensor.Dense
	LogProbs   *tensor.Dense
	Values     *tensor.Dense
	Dones      *tensor.Dense
	Advantages *tensor.Dense
	Returns    *tensor.Dense
	HiddenH    *tensor.Dense
	HiddenC    *tensor.Dense
}

type window struct {
	participant int
	start       int
}

// EachSequenceBatch cuts the buffer into disjoint windows of cfg.Length per
// participant, optionally shuffles them, groups them into batches of
// cfg.BatchSize and invokes fn for each. ComputeGAE must have run since the
// last merge.
func (b *Buffer) EachSequenceBatch(cfg SequenceConfig, fn func(*SequenceBatch) error) error {
	participants := make([]int, b.A)
	for a := range participants {
		participants[a] = a
	}
	return b.eachSequenceBatch(participants, cfg, fn)
}

// EachParticipantSequenceBatch restricts the windows to one participant, so
// the caller can optimize each participant against its own policy.
func (b *Buffer) EachParticipantSequenceBatch(participant int, cfg SequenceConfig, fn func(*SequenceBatch) error) error {
	if participant < 0 || participant >= b.A {
		return fmt.Errorf("trajectory: participant %d out of range [0,%d)", participant, b.A)
	}
	return b.eachSequenceBatch([]int{participant}, cfg, fn)
}

func (b *Buffer) eachSequenceBatch(participants []int, cfg SequenceConfig, fn func(*SequenceBatch) error) error {
	if cfg.Length <= 0 {
		return fmt.Errorf("trajectory: sequence length must be positive")
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("trajectory: batch size must be positive")
	}
	if !b.gaeValid {
		return fmt.Errorf("trajectory: advantages are stale; run ComputeGAE first")
	}

	var windows []window
	for _, a := range participants {
		for start := 0; start+cfg.Length <= b.T; start += cfg.Length {
			windows = append(windows, window{participant: a, start: start})
		}
	}
	if cfg.Rand != nil {
		cfg.Rand.Shuffle(len(windows), func(i, j int) {
			windows[i], windows[j] = windows[j], windows[i]
		})
	}

	for lo := 0; lo < len(windows); lo += cfg.BatchSize {
		hi := lo + cfg.BatchSize
		if hi > len(windows) {
			hi = len(windows)
		}
		batch, err := b.materialize(windows[lo:hi], cfg.Length)
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

// windowView cuts (T, A, ...) down to one window's (L, ...) view.
func windowView(d *tensor.Dense, w window, length int) (*tensor.Dense, error) {
	narrowed, err := d.Narrow(0, w.start, length)
	if err != nil {
		return nil, err
	}
	return narrowed.Select(1, w.participant)
}

func stackWindows(d *tensor.Dense, windows []window, length int) (*tensor.Dense, error) {
	views := make([]*tensor.Dense, len(windows))
	for i, w := range windows {
		view, err := windowView(d, w, length)
		if err != nil {
			return nil, err
		}
		views[i] = view
	}
	return tensor.Stack(views...)
}

// stackOpeningState picks each window's first recurrent state from the
// (T, A, 1, H) tensor, producing (B, 1, H).
func stackOpeningState(d *tensor.Dense, windows []window) (*tensor.Dense, error) {
	views := make([]*tensor.Dense, len(windows))
	for i, w := range windows {
		narrowed, err := d.Narrow(0, w.start, 1)
		if err != nil {
			return nil, err
		}
		byPart, err := narrowed.Select(1, w.participant)
		if err != nil {
			return nil, err
		}
		view, err := byPart.Select(0, 0)
		if err != nil {
			return nil, err
		}
		views[i] = view
	}
	return tensor.Stack(views...)
}

func (b *Buffer) materialize(windows []window, length int) (*SequenceBatch, error) {
	out := &SequenceBatch{
		B:            len(windows),
		L:            length,
		Participants: make([]int, len(windows)),
		Starts:       make([]int, len(windows)),
		Obs:          make(map[string]*tensor.Dense, len(b.Obs)),
		Masks:        make(map[string]*tensor.Dense, len(b.Masks)),
		Actions:      make(map[string]*tensor.Dense, len(b.Actions)),
	}
	for i, w := range windows {
		out.Participants[i] = w.participant
		out.Starts[i] = w.start
	}
	var err error
	for name, d := range b.Obs {
		if out.Obs[name], err = stackWindows(d, windows, length); err != nil {
			return nil, err
		}
	}
	for name, d := range b.Masks {
		if out.Masks[name], err = stackWindows(d, windows, length); err != nil {
			return nil, err
		}
	}
	for name, d := range b.Actions {
		if out.Actions[name], err = stackWindows(d, windows, length); err != nil {
			return nil, err
		}
	}
	if out.LogProbs, err = stackWindows(b.LogProbs, windows, length); err != nil {
		return nil, err
	}
	if out.Values, err = stackWindows(b.Values, windows, length); err != nil {
		return nil, err
	}
	if out.Dones, err = stackWindows(b.Dones, windows, length); err != nil {
		return nil, err
	}
	if out.Advantages, err = stackWindows(b.advantages, windows, length); err != nil {
		return nil, err
	}
	if out.Returns, err = stackWindows(b.returns, windows, length); err != nil {
		return nil, err
	}
	if out.HiddenH, err = stackOpeningState(b.HiddenH, windows); err != nil {
		return nil, err
	}
	if out.HiddenC, err = stackOpeningState(b.HiddenC, windows); err != nil {
		return nil, err
	}
	return out, nil
}
