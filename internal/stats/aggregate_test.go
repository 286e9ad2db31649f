package stats

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"dodeka/internal/model"
)

func TestSummarizeSeries(t *testing.T) {
	got := SummarizeSeries([]float64{1, 3, 2})

	if got.Mean != 2 {
		t.Fatalf("expected mean 2, got %v", got.Mean)
	}
	if math.Abs(got.Std-1) > 1e-12 {
		t.Fatalf("expected std 1, got %v", got.Std)
	}
	if got.Min != 1 || got.Max != 3 {
		t.Fatalf("unexpected min/max: %+v", got)
	}
	if got.First != 1 || got.Last != 2 {
		t.Fatalf("unexpected endpoints: %+v", got)
	}
}

func TestSummarizeSeriesDegenerate(t *testing.T) {
	if got := SummarizeSeries(nil); got != (SeriesSummary{}) {
		t.Fatalf("expected zero summary for empty series, got %+v", got)
	}

	got := SummarizeSeries([]float64{4.5})
	want := SeriesSummary{Mean: 4.5, Std: 0, Min: 4.5, Max: 4.5, First: 4.5, Last: 4.5}
	if got != want {
		t.Fatalf("unexpected single-value summary: got=%+v want=%+v", got, want)
	}
}

func TestBuildRunSummaryTotals(t *testing.T) {
	cycles := []model.CycleDiagnostics{
		{Cycle: 1, FilesConsumed: 4, FilesRejected: 1, Transitions: 512, MeanReward: 0.5, EntropyCoef: 0.01, Gamma: 0.99, NewCheckpoints: 1},
		{Cycle: 2, FilesConsumed: 5, Transitions: 640, MeanReward: 0.9, EntropyCoef: 0.009, Gamma: 0.992, Rollbacks: 1, NewCheckpoints: 2},
	}

	summary := BuildRunSummary("run-1", cycles)

	if summary.RunID != "run-1" || summary.CyclesCompleted != 2 {
		t.Fatalf("unexpected summary header: %+v", summary)
	}
	if summary.FilesConsumed != 9 || summary.FilesRejected != 1 || summary.Transitions != 1152 {
		t.Fatalf("unexpected file totals: %+v", summary)
	}
	if summary.Rollbacks != 1 || summary.NewCheckpoints != 3 {
		t.Fatalf("unexpected checkpoint totals: %+v", summary)
	}
	if math.Abs(summary.Reward.Mean-0.7) > 1e-12 || summary.Reward.Last != 0.9 {
		t.Fatalf("unexpected reward summary: %+v", summary.Reward)
	}
	if summary.FinalEntropy != 0.009 || summary.FinalGamma != 0.992 {
		t.Fatalf("unexpected final schedule state: %+v", summary)
	}
}

func TestBuildRunSummaryEmptyHistory(t *testing.T) {
	summary := BuildRunSummary("run-1", nil)
	if summary.CyclesCompleted != 0 || summary.FinalGamma != 0 {
		t.Fatalf("unexpected empty summary: %+v", summary)
	}
}

func TestRewardSeriesCSVRoundTrip(t *testing.T) {
	baseDir := t.TempDir()
	runID := "run-series"
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatalf("mkdir run dir: %v", err)
	}

	want := []float64{0.25, -0.5, 1.75}
	if err := WriteRewardSeries(runDir, want); err != nil {
		t.Fatalf("write series: %v", err)
	}

	got, ok, err := ReadRewardSeries(baseDir, runID)
	if err != nil {
		t.Fatalf("read series: %v", err)
	}
	if !ok {
		t.Fatal("expected series to exist")
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("value %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestRewardSeriesCSVEmptySeries(t *testing.T) {
	baseDir := t.TempDir()
	runID := "run-empty"
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatalf("mkdir run dir: %v", err)
	}

	if err := WriteRewardSeries(runDir, nil); err != nil {
		t.Fatalf("write series: %v", err)
	}

	got, ok, err := ReadRewardSeries(baseDir, runID)
	if err != nil {
		t.Fatalf("read series: %v", err)
	}
	if !ok {
		t.Fatal("expected header-only series to exist")
	}
	if len(got) != 0 {
		t.Fatalf("expected empty series, got %v", got)
	}
}

func TestReadRewardSeriesRejectsMalformedValue(t *testing.T) {
	baseDir := t.TempDir()
	runID := "run-bad"
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatalf("mkdir run dir: %v", err)
	}

	path := filepath.Join(runDir, "reward_series.csv")
	if err := os.WriteFile(path, []byte("cycle,mean_reward\n1,not-a-number\n"), 0o644); err != nil {
		t.Fatalf("write malformed file: %v", err)
	}

	if _, _, err := ReadRewardSeries(baseDir, runID); err == nil {
		t.Fatal("expected parse error for malformed value")
	}
}
