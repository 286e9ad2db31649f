// Package checkpoint tracks per-participant reward trends, persists best
// policies and rolls back collapsed ones.
package checkpoint

import (
	"context"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dodeka/internal/model"
	"dodeka/internal/rollout"
	"dodeka/internal/storage"
)

// ParticipantPolicy is the slice of a policy unit the manager needs:
// snapshot, restore and export.
type ParticipantPolicy interface {
	Parameters() map[string][]float64
	SetParameters(params map[string][]float64) error
	ResetOptimizer()
	ExportEntries(prefix string) []rollout.Entry
}

// EntropyBooster raises exploration after a rollback.
type EntropyBooster interface {
	BoostEntropy(factor float64, cycles int)
}

// MetaRecorder persists checkpoint metadata.
type MetaRecorder interface {
	SaveCheckpointMeta(ctx context.Context, meta model.CheckpointMeta) error
}

// ManagerConfig tunes the tracking and rollback behavior. Zero fields fall
// back to the noted defaults.
type ManagerConfig struct {
	Participants int
	// Dir receives best exports and trainable snapshots.
	Dir string
	// RunID tags persisted metadata.
	RunID string
	// Alpha is the EMA smoothing factor (0.1).
	Alpha float64
	// WarmupCycles delays best tracking (10).
	WarmupCycles int
	// RollbackWarmup delays rollback checks (20).
	RollbackWarmup int
	// RollbackThreshold triggers a rollback when the EMA falls below
	// best*(1-threshold) (0.3).
	RollbackThreshold float64
	// EntropyBoostFactor/EntropyBoostCycles re-open exploration after a
	// rollback (1.5 for 10 cycles).
	EntropyBoostFactor float64
	EntropyBoostCycles int

	// Store is optional; nil skips metadata persistence.
	Store MetaRecorder
	Log   logrus.FieldLogger
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.Alpha == 0 {
		c.Alpha = 0.1
	}
	if c.WarmupCycles == 0 {
		c.WarmupCycles = 10
	}
	if c.RollbackWarmup == 0 {
		c.RollbackWarmup = 20
	}
	if c.RollbackThreshold == 0 {
		c.RollbackThreshold = 0.3
	}
	if c.EntropyBoostFactor == 0 {
		c.EntropyBoostFactor = 1.5
	}
	if c.EntropyBoostCycles == 0 {
		c.EntropyBoostCycles = 10
	}
	return c
}

// ParticipantStatus is one participant's tracking state.
type ParticipantStatus struct {
	EMA        float64
	EMASet     bool
	Best       float64
	BestSet    bool
	SnapshotID string
}

// Outcome summarizes one cycle's checkpoint activity.
type Outcome struct {
	NewCheckpoints int
	Rollbacks      int
	SnapshotIDs    []string
}

type participantState struct {
	ema      float64
	emaSet   bool
	best     float64
	bestSet  bool
	snapshot map[string][]float64
	id       string
}

// Manager owns the per-participant EMA, best-snapshot and rollback logic.
type Manager struct {
	cfg    ManagerConfig
	states []participantState
	cycle  int
	log    logrus.FieldLogger
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.Participants <= 0 {
		return nil, fmt.Errorf("participant count must be positive")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		return nil, fmt.Errorf("alpha must lie in (0,1]")
	}
	if cfg.RollbackThreshold <= 0 || cfg.RollbackThreshold >= 1 {
		return nil, fmt.Errorf("rollback threshold must lie in (0,1)")
	}
	if cfg.WarmupCycles < 0 || cfg.RollbackWarmup < 0 {
		return nil, fmt.Errorf("warmup cycles must not be negative")
	}
	log := cfg.Log
	if log == nil {
		log = nopLogger()
	}
	return &Manager{
		cfg:    cfg,
		states: make([]participantState, cfg.Participants),
		log:    log,
	}, nil
}

// EndCycle folds one cycle's per-participant mean rewards into the EMAs,
// persists policies whose EMA reaches a new best, and rolls back policies
// whose EMA collapsed below best*(1-threshold). Persistence failures are
// logged and counted out, never fatal.
func (m *Manager) EndCycle(ctx context.Context, rewards []float64, policies []ParticipantPolicy, booster EntropyBooster) (Outcome, error) {
	if len(rewards) != m.cfg.Participants || len(policies) != m.cfg.Participants {
		return Outcome{}, fmt.Errorf("participant count mismatch: rewards=%d policies=%d want=%d",
			len(rewards), len(policies), m.cfg.Participants)
	}
	m.cycle++

	var out Outcome
	for p := range m.states {
		st := &m.states[p]
		r := rewards[p]
		if !st.emaSet {
			st.ema = r
			st.emaSet = true
		} else {
			st.ema = m.cfg.Alpha*r + (1-m.cfg.Alpha)*st.ema
		}

		if m.cycle > m.cfg.WarmupCycles && (!st.bestSet || st.ema > st.best) {
			if err := m.persistBest(ctx, p, st, policies[p]); err != nil {
				m.log.WithError(err).WithField("participant", p).Warn("checkpoint persist failed")
				continue
			}
			out.NewCheckpoints++
			out.SnapshotIDs = append(out.SnapshotIDs, st.id)
			continue
		}

		if m.cycle > m.cfg.RollbackWarmup && st.bestSet && st.snapshot != nil &&
			st.ema < st.best*(1-m.cfg.RollbackThreshold) {
			if err := policies[p].SetParameters(st.snapshot); err != nil {
				return out, fmt.Errorf("participant %d rollback: %w", p, err)
			}
			policies[p].ResetOptimizer()
			st.ema = st.best * 0.95
			if booster != nil {
				booster.BoostEntropy(m.cfg.EntropyBoostFactor, m.cfg.EntropyBoostCycles)
			}
			out.Rollbacks++
			m.log.WithFields(logrus.Fields{
				"participant": p,
				"best":        st.best,
				"ema":         st.ema,
			}).Warn("policy rolled back to best snapshot")
		}
	}
	return out, nil
}

func (m *Manager) persistBest(ctx context.Context, p int, st *participantState, policy ParticipantPolicy) error {
	id := uuid.NewString()
	exportPath := filepath.Join(m.cfg.Dir, fmt.Sprintf("best_p%02d_%s.ddkt", p, id))
	if err := rollout.WriteContainerFile(exportPath, policy.ExportEntries("")); err != nil {
		return err
	}
	snapshot := policy.Parameters()
	snapshotPath := filepath.Join(m.cfg.Dir, fmt.Sprintf("snapshot_p%02d_%s.ddkt", p, id))
	if err := rollout.WriteContainerFile(snapshotPath, snapshotEntries(snapshot)); err != nil {
		return err
	}
	if m.cfg.Store != nil {
		meta := model.CheckpointMeta{
			VersionedRecord: model.VersionedRecord{
				SchemaVersion: storage.CurrentSchemaVersion,
				CodecVersion:  storage.CurrentCodecVersion,
			},
			ID:          id,
			RunID:       m.cfg.RunID,
			Participant: p,
			Cycle:       m.cycle,
			CreatedAt:   time.Now().UTC(),
			Reward:      st.ema,
			Path:        snapshotPath,
		}
		if err := m.cfg.Store.SaveCheckpointMeta(ctx, meta); err != nil {
			return err
		}
	}
	st.best = st.ema
	st.bestSet = true
	st.snapshot = snapshot
	st.id = id
	m.log.WithFields(logrus.Fields{
		"participant": p,
		"ema":         st.ema,
		"snapshot":    id,
	}).Info("new best checkpoint")
	return nil
}

// Status reports one participant's tracking state.
func (m *Manager) Status(participant int) (ParticipantStatus, error) {
	if participant < 0 || participant >= len(m.states) {
		return ParticipantStatus{}, fmt.Errorf("participant %d out of range [0,%d)", participant, len(m.states))
	}
	st := m.states[participant]
	return ParticipantStatus{
		EMA:        st.ema,
		EMASet:     st.emaSet,
		Best:       st.best,
		BestSet:    st.bestSet,
		SnapshotID: st.id,
	}, nil
}

// StateEntries renders the EMA and best values as container entries for
// full training checkpoints.
func (m *Manager) StateEntries(prefix string) []rollout.Entry {
	ema := make([]float64, len(m.states))
	best := make([]float64, len(m.states))
	for p, st := range m.states {
		ema[p] = st.ema
		best[p] = st.best
	}
	return []rollout.Entry{
		f64Entry(prefix+"ema", ema),
		f64Entry(prefix+"best", best),
	}
}

// snapshotEntries renders a float64 parameter map as container entries in
// name order, the exact-precision trainable snapshot layout.
func snapshotEntries(params map[string][]float64) []rollout.Entry {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]rollout.Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, f64Entry(name, params[name]))
	}
	return entries
}

func f64Entry(name string, values []float64) rollout.Entry {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		bits := math.Float64bits(v)
		for b := 0; b < 8; b++ {
			raw[8*i+b] = byte(bits >> (8 * b))
		}
	}
	return rollout.Entry{Name: name, DType: rollout.F64, Shape: []int64{int64(len(values))}, Raw: raw}
}

func nopLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
