package storage

import (
	"context"
	"sort"
	"sync"

	"dodeka/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.TrainingRun
	diagnostics map[string]map[int]model.CycleDiagnostics
	checkpoints map[string]model.CheckpointMeta
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.TrainingRun)
	s.diagnostics = make(map[string]map[int]model.CycleDiagnostics)
	s.checkpoints = make(map[string]model.CheckpointMeta)
	return nil
}

func (s *MemoryStore) SaveTrainingRun(_ context.Context, run model.TrainingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetTrainingRun(_ context.Context, id string) (model.TrainingRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListTrainingRuns(_ context.Context) ([]model.TrainingRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.TrainingRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

func (s *MemoryStore) SaveCycleDiagnostics(_ context.Context, diag model.CycleDiagnostics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byCycle, ok := s.diagnostics[diag.RunID]
	if !ok {
		byCycle = make(map[int]model.CycleDiagnostics)
		s.diagnostics[diag.RunID] = byCycle
	}
	byCycle[diag.Cycle] = diag
	return nil
}

func (s *MemoryStore) GetCycleDiagnostics(_ context.Context, runID string) ([]model.CycleDiagnostics, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCycle, ok := s.diagnostics[runID]
	if !ok {
		return nil, false, nil
	}
	diags := make([]model.CycleDiagnostics, 0, len(byCycle))
	for _, diag := range byCycle {
		diags = append(diags, diag)
	}
	sort.Slice(diags, func(i, j int) bool { return diags[i].Cycle < diags[j].Cycle })
	return diags, true, nil
}

func (s *MemoryStore) SaveCheckpointMeta(_ context.Context, meta model.CheckpointMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[meta.ID] = meta
	return nil
}

func (s *MemoryStore) GetCheckpointMeta(_ context.Context, id string) (model.CheckpointMeta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.checkpoints[id]
	return meta, ok, nil
}

func (s *MemoryStore) ListCheckpointMeta(_ context.Context, runID string) ([]model.CheckpointMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]model.CheckpointMeta, 0)
	for _, meta := range s.checkpoints {
		if meta.RunID == runID {
			metas = append(metas, meta)
		}
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Cycle != metas[j].Cycle {
			return metas[i].Cycle < metas[j].Cycle
		}
		if metas[i].Participant != metas[j].Participant {
			return metas[i].Participant < metas[j].Participant
		}
		return metas[i].ID < metas[j].ID
	})
	return metas, nil
}
