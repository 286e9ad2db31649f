package agent

import (
	"fmt"

	"dodeka/internal/model"
	"dodeka/internal/nn"
)

// RosterConfig builds one policy unit per participant slot.
type RosterConfig struct {
	Dims     model.Dims
	Space    model.ActionSpace
	Features nn.FeatureWidths
	// Optimizer is shared configuration; each unit gets its own optimizer
	// state.
	Optimizer nn.AdamConfig
	// Seed is the base seed; participant p initializes from Seed+p so the
	// twelve policies start from distinct weights.
	Seed int64
}

// Roster maps every participant slot to its own policy unit. Slots are
// fixed at construction; self-play assigns participants to slots upstream.
type Roster struct {
	units []*Unit
}

func NewRoster(cfg RosterConfig) (*Roster, error) {
	if cfg.Dims.Participants <= 0 {
		return nil, fmt.Errorf("participant count must be positive")
	}
	units := make([]*Unit, cfg.Dims.Participants)
	for p := range units {
		unit, err := NewUnit(UnitConfig{
			Participant: p,
			Network: nn.NetworkConfig{
				Dims:     cfg.Dims,
				Space:    cfg.Space,
				Features: cfg.Features,
				Seed:     cfg.Seed + int64(p),
			},
			Optimizer: cfg.Optimizer,
		})
		if err != nil {
			return nil, err
		}
		units[p] = unit
	}
	return &Roster{units: units}, nil
}

func (r *Roster) Len() int {
	return len(r.units)
}

// Unit returns the policy unit owning the given participant slot.
func (r *Roster) Unit(participant int) (*Unit, error) {
	if participant < 0 || participant >= len(r.units) {
		return nil, fmt.Errorf("participant %d out of range [0,%d)", participant, len(r.units))
	}
	return r.units[participant], nil
}

// Units returns every unit in slot order.
func (r *Roster) Units() []*Unit {
	return r.units
}
