// Package stats writes per-run artifact directories and the run index,
// and aggregates cycle diagnostics into run summaries.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dodeka/internal/model"
)

const runIndexFile = "run_index.json"

// RunConfig is the resolved training configuration snapshot written at
// run start. It mirrors the trainer's inputs so a run stays reproducible
// from its artifacts alone.
type RunConfig struct {
	RunID         string `json:"run_id"`
	StartedAtUTC  string `json:"started_at_utc"`
	Participants  int    `json:"participants"`
	Cycles        int    `json:"cycles"`
	Epochs        int    `json:"epochs"`
	SubBatchFiles int    `json:"sub_batch_files"`
	QuotaFiles    int    `json:"quota_files"`
	PatienceMS    int64  `json:"patience_ms"`
	SequenceLen   int    `json:"sequence_len"`
	BatchSize     int    `json:"batch_size"`

	RolloutDir    string `json:"rollout_dir"`
	ExportDir     string `json:"export_dir"`
	CheckpointDir string `json:"checkpoint_dir"`
	StoreKind     string `json:"store_kind"`
	DBPath        string `json:"db_path,omitempty"`
	RewardConfig  string `json:"reward_config,omitempty"`

	Seed         int64   `json:"seed"`
	LearningRate float64 `json:"learning_rate"`
	ClipEpsilon  float64 `json:"clip_epsilon"`
	ValueCoef    float64 `json:"value_coef"`
	GAELambda    float64 `json:"gae_lambda"`
	GammaInitial float64 `json:"gamma_initial"`
	GammaFinal   float64 `json:"gamma_final"`
	GammaCycles  int     `json:"gamma_cycles"`
	EntropyCoef  float64 `json:"entropy_coef"`

	FullCheckpointEvery int    `json:"full_checkpoint_every"`
	Notes               string `json:"notes,omitempty"`
}

// RunSummary condenses a finished run.
type RunSummary struct {
	RunID           string        `json:"run_id"`
	CyclesCompleted int           `json:"cycles_completed"`
	FilesConsumed   int           `json:"files_consumed"`
	FilesRejected   int           `json:"files_rejected"`
	Transitions     int           `json:"transitions"`
	Rollbacks       int           `json:"rollbacks"`
	NewCheckpoints  int           `json:"new_checkpoints"`
	Reward          SeriesSummary `json:"reward"`
	FinalEntropy    float64       `json:"final_entropy_coef"`
	FinalGamma      float64       `json:"final_gamma"`
}

// RunArtifacts is everything one run leaves on disk.
type RunArtifacts struct {
	Config  RunConfig                `json:"config"`
	Cycles  []model.CycleDiagnostics `json:"cycles"`
	Summary RunSummary               `json:"summary"`
}

// RunIndexEntry is one row of the append-only run index.
type RunIndexEntry struct {
	RunID           string  `json:"run_id"`
	Participants    int     `json:"participants"`
	CyclesCompleted int     `json:"cycles_completed"`
	Seed            int64   `json:"seed"`
	StoreKind       string  `json:"store_kind"`
	FinalMeanReward float64 `json:"final_mean_reward"`
	Rollbacks       int     `json:"rollbacks"`
	NewCheckpoints  int     `json:"new_checkpoints"`
	CreatedAtUTC    string  `json:"created_at_utc"`
}

// WriteRunArtifacts lays the run's artifacts out under baseDir/runID:
// config.json, cycle_history.json, summary.json and the reward series
// CSV. It returns the run directory.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "cycle_history.json"), artifacts.Cycles); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "summary.json"), artifacts.Summary); err != nil {
		return "", err
	}
	if err := WriteRewardSeries(runDir, RewardSeries(artifacts.Cycles)); err != nil {
		return "", err
	}

	return runDir, nil
}

// WriteRunConfig writes the config snapshot alone, for run start before
// any cycle has finished.
func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, "config.json"), cfg)
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	path := filepath.Join(baseDir, runID, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, false, nil
		}
		return RunConfig{}, false, err
	}

	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, false, err
	}
	return cfg, true, nil
}

func ReadCycleHistory(baseDir, runID string) ([]model.CycleDiagnostics, bool, error) {
	path := filepath.Join(baseDir, runID, "cycle_history.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var cycles []model.CycleDiagnostics
	if err := json.Unmarshal(data, &cycles); err != nil {
		return nil, false, err
	}
	return cycles, true, nil
}

func ReadRunSummary(baseDir, runID string) (RunSummary, bool, error) {
	path := filepath.Join(baseDir, runID, "summary.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunSummary{}, false, nil
		}
		return RunSummary{}, false, err
	}

	var summary RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return RunSummary{}, false, err
	}
	return summary, true, nil
}

// AppendRunIndex inserts or replaces the entry for its run id.
func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index newest-first. A missing index file is an
// empty index.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
