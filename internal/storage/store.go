package storage

import (
	"context"

	"dodeka/internal/model"
)

// Store defines persistence operations for training bookkeeping: runs,
// per-cycle diagnostics, and checkpoint metadata.
type Store interface {
	Init(ctx context.Context) error
	SaveTrainingRun(ctx context.Context, run model.TrainingRun) error
	GetTrainingRun(ctx context.Context, id string) (model.TrainingRun, bool, error)
	ListTrainingRuns(ctx context.Context) ([]model.TrainingRun, error)
	SaveCycleDiagnostics(ctx context.Context, diag model.CycleDiagnostics) error
	GetCycleDiagnostics(ctx context.Context, runID string) ([]model.CycleDiagnostics, bool, error)
	SaveCheckpointMeta(ctx context.Context, meta model.CheckpointMeta) error
	GetCheckpointMeta(ctx context.Context, id string) (model.CheckpointMeta, bool, error)
	ListCheckpointMeta(ctx context.Context, runID string) ([]model.CheckpointMeta, error)
}
