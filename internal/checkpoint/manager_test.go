package checkpoint

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"dodeka/internal/model"
	"dodeka/internal/rollout"
	"dodeka/internal/storage"
)

type stubPolicy struct {
	params      map[string][]float64
	setCalls    []map[string][]float64
	resetCalls  int
	exportCalls int
}

func newStubPolicy(values ...float64) *stubPolicy {
	return &stubPolicy{params: map[string][]float64{"w": values}}
}

func (s *stubPolicy) Parameters() map[string][]float64 {
	out := make(map[string][]float64, len(s.params))
	for name, vals := range s.params {
		cp := make([]float64, len(vals))
		copy(cp, vals)
		out[name] = cp
	}
	return out
}

func (s *stubPolicy) SetParameters(params map[string][]float64) error {
	s.setCalls = append(s.setCalls, params)
	s.params = params
	return nil
}

func (s *stubPolicy) ResetOptimizer() { s.resetCalls++ }

func (s *stubPolicy) ExportEntries(prefix string) []rollout.Entry {
	s.exportCalls++
	return []rollout.Entry{{
		Name:  prefix + "w",
		DType: rollout.F32,
		Shape: []int64{int64(len(s.params["w"]))},
		Raw:   make([]byte, 4*len(s.params["w"])),
	}}
}

type stubBooster struct {
	factor float64
	cycles int
	calls  int
}

func (b *stubBooster) BoostEntropy(factor float64, cycles int) {
	b.factor = factor
	b.cycles = cycles
	b.calls++
}

type failingRecorder struct{}

func (failingRecorder) SaveCheckpointMeta(context.Context, model.CheckpointMeta) error {
	return errors.New("recorder down")
}

func testManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()

	if cfg.Participants == 0 {
		cfg.Participants = 1
	}
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestNewManagerValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  ManagerConfig
	}{
		{"no participants", ManagerConfig{Dir: "/tmp/x"}},
		{"no dir", ManagerConfig{Participants: 1}},
		{"alpha above one", ManagerConfig{Participants: 1, Dir: "/tmp/x", Alpha: 1.5}},
		{"threshold at one", ManagerConfig{Participants: 1, Dir: "/tmp/x", RollbackThreshold: 1}},
		{"negative warmup", ManagerConfig{Participants: 1, Dir: "/tmp/x", WarmupCycles: -1}},
	}
	for _, tc := range cases {
		if _, err := NewManager(tc.cfg); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestEndCycleCountMismatch(t *testing.T) {
	m := testManager(t, ManagerConfig{Participants: 2})
	_, err := m.EndCycle(context.Background(), []float64{1}, []ParticipantPolicy{newStubPolicy(0), newStubPolicy(0)}, nil)
	if err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestEndCycleBlendsEMA(t *testing.T) {
	m := testManager(t, ManagerConfig{Alpha: 0.5, WarmupCycles: 100, RollbackWarmup: 100})
	policies := []ParticipantPolicy{newStubPolicy(1)}
	ctx := context.Background()

	if _, err := m.EndCycle(ctx, []float64{4}, policies, nil); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	status, err := m.Status(0)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.EMASet || status.EMA != 4 {
		t.Fatalf("expected EMA initialized to first reward, got %+v", status)
	}

	if _, err := m.EndCycle(ctx, []float64{8}, policies, nil); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	status, _ = m.Status(0)
	if math.Abs(status.EMA-6) > 1e-12 {
		t.Fatalf("expected blended EMA 6, got %f", status.EMA)
	}
	if status.BestSet {
		t.Fatal("best must not be tracked during warmup")
	}
}

func TestEndCycleNewBestPersistsArtifacts(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}

	m := testManager(t, ManagerConfig{
		Dir:            dir,
		RunID:          "run-1",
		Alpha:          1,
		WarmupCycles:   1,
		RollbackWarmup: 100,
		Store:          store,
	})
	policy := newStubPolicy(0.25, -0.5)
	policies := []ParticipantPolicy{policy}
	ctx := context.Background()

	out, err := m.EndCycle(ctx, []float64{2}, policies, nil)
	if err != nil {
		t.Fatalf("warmup cycle: %v", err)
	}
	if out.NewCheckpoints != 0 {
		t.Fatalf("no checkpoint expected during warmup, got %d", out.NewCheckpoints)
	}

	out, err = m.EndCycle(ctx, []float64{2}, policies, nil)
	if err != nil {
		t.Fatalf("best cycle: %v", err)
	}
	if out.NewCheckpoints != 1 || len(out.SnapshotIDs) != 1 {
		t.Fatalf("expected one new checkpoint, got %+v", out)
	}
	id := out.SnapshotIDs[0]

	status, _ := m.Status(0)
	if !status.BestSet || status.Best != 2 || status.SnapshotID != id {
		t.Fatalf("unexpected status after best: %+v", status)
	}

	bestPath := filepath.Join(dir, "best_p00_"+id+".ddkt")
	if _, err := rollout.ReadContainerFile(bestPath); err != nil {
		t.Fatalf("read best export: %v", err)
	}

	snapshotPath := filepath.Join(dir, "snapshot_p00_"+id+".ddkt")
	entries, err := rollout.ReadContainerFile(snapshotPath)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "w" || entries[0].DType != rollout.F64 {
		t.Fatalf("unexpected snapshot entries: %+v", entries)
	}

	metas, err := store.ListCheckpointMeta(ctx, "run-1")
	if err != nil {
		t.Fatalf("list metas: %v", err)
	}
	if len(metas) != 1 || metas[0].ID != id || metas[0].Participant != 0 || metas[0].Reward != 2 {
		t.Fatalf("unexpected metas: %+v", metas)
	}
	if metas[0].Path != snapshotPath {
		t.Fatalf("meta path mismatch: got=%s want=%s", metas[0].Path, snapshotPath)
	}
}

func TestEndCycleRollsBackCollapsedPolicy(t *testing.T) {
	m := testManager(t, ManagerConfig{
		Alpha:             1,
		WarmupCycles:      1,
		RollbackWarmup:    2,
		RollbackThreshold: 0.3,
	})
	policy := newStubPolicy(1, 2, 3)
	policies := []ParticipantPolicy{policy}
	booster := &stubBooster{}
	ctx := context.Background()

	if _, err := m.EndCycle(ctx, []float64{10}, policies, booster); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	out, err := m.EndCycle(ctx, []float64{10}, policies, booster)
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if out.NewCheckpoints != 1 {
		t.Fatalf("expected best checkpoint at cycle 2, got %+v", out)
	}

	// Drift the live parameters so the restore is observable.
	policy.params["w"] = []float64{9, 9, 9}

	out, err = m.EndCycle(ctx, []float64{6.9}, policies, booster)
	if err != nil {
		t.Fatalf("cycle 3: %v", err)
	}
	if out.Rollbacks != 1 {
		t.Fatalf("expected one rollback, got %+v", out)
	}
	if len(policy.setCalls) != 1 {
		t.Fatalf("expected one restore, got %d", len(policy.setCalls))
	}
	restored := policy.setCalls[0]["w"]
	if len(restored) != 3 || restored[0] != 1 || restored[1] != 2 || restored[2] != 3 {
		t.Fatalf("expected snapshot parameters restored, got %v", restored)
	}
	if policy.resetCalls != 1 {
		t.Fatalf("expected optimizer reset, got %d", policy.resetCalls)
	}
	if booster.calls != 1 || booster.factor != 1.5 || booster.cycles != 10 {
		t.Fatalf("unexpected boost: %+v", booster)
	}

	status, _ := m.Status(0)
	if math.Abs(status.EMA-9.5) > 1e-12 {
		t.Fatalf("expected EMA reset to best*0.95=9.5, got %f", status.EMA)
	}
}

func TestEndCycleEMAAboveFloorDoesNotRollBack(t *testing.T) {
	m := testManager(t, ManagerConfig{
		Alpha:             1,
		WarmupCycles:      1,
		RollbackWarmup:    2,
		RollbackThreshold: 0.3,
	})
	policy := newStubPolicy(1)
	policies := []ParticipantPolicy{policy}
	ctx := context.Background()

	if _, err := m.EndCycle(ctx, []float64{10}, policies, nil); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if _, err := m.EndCycle(ctx, []float64{10}, policies, nil); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}

	out, err := m.EndCycle(ctx, []float64{7.1}, policies, nil)
	if err != nil {
		t.Fatalf("cycle 3: %v", err)
	}
	if out.Rollbacks != 0 || len(policy.setCalls) != 0 {
		t.Fatalf("EMA 7.1 sits above the 7.0 floor, rollback not expected: %+v", out)
	}
}

func TestEndCyclePersistFailureIsNotFatal(t *testing.T) {
	m := testManager(t, ManagerConfig{
		WarmupCycles:   1,
		RollbackWarmup: 100,
		Store:          failingRecorder{},
	})
	policies := []ParticipantPolicy{newStubPolicy(1)}
	ctx := context.Background()

	if _, err := m.EndCycle(ctx, []float64{3}, policies, nil); err != nil {
		t.Fatalf("warmup cycle: %v", err)
	}
	out, err := m.EndCycle(ctx, []float64{3}, policies, nil)
	if err != nil {
		t.Fatalf("persist failure must not abort the cycle: %v", err)
	}
	if out.NewCheckpoints != 0 {
		t.Fatalf("failed persist must not count, got %d", out.NewCheckpoints)
	}

	status, _ := m.Status(0)
	if status.BestSet {
		t.Fatal("failed persist must not advance best")
	}
}

func TestStateEntries(t *testing.T) {
	m := testManager(t, ManagerConfig{Participants: 2, WarmupCycles: 100, RollbackWarmup: 100})
	policies := []ParticipantPolicy{newStubPolicy(1), newStubPolicy(1)}
	if _, err := m.EndCycle(context.Background(), []float64{1.5, -2.5}, policies, nil); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	entries := m.StateEntries("ckpt/")
	if len(entries) != 2 {
		t.Fatalf("expected ema and best entries, got %d", len(entries))
	}
	if entries[0].Name != "ckpt/ema" || entries[1].Name != "ckpt/best" {
		t.Fatalf("unexpected entry names: %s %s", entries[0].Name, entries[1].Name)
	}
	for _, e := range entries {
		if e.DType != rollout.F64 || len(e.Shape) != 1 || e.Shape[0] != 2 {
			t.Fatalf("unexpected entry layout: %+v", e)
		}
	}
	ema := decodeF64Raw(t, entries[0].Raw)
	if ema[0] != 1.5 || ema[1] != -2.5 {
		t.Fatalf("unexpected ema values: %v", ema)
	}
}

func decodeF64Raw(t *testing.T, raw []byte) []float64 {
	t.Helper()

	if len(raw)%8 != 0 {
		t.Fatalf("raw length %d not a multiple of 8", len(raw))
	}
	out := make([]float64, len(raw)/8)
	for i := range out {
		var bits uint64
		for b := 0; b < 8; b++ {
			bits |= uint64(raw[8*i+b]) << (8 * b)
		}
		out[i] = math.Float64frombits(bits)
	}
	return out
}
