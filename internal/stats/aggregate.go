package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"dodeka/internal/model"
)

// SeriesSummary condenses one metric series over a run.
type SeriesSummary struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	First float64 `json:"first"`
	Last  float64 `json:"last"`
}

// SummarizeSeries computes mean/std/min/max and the endpoints. An empty
// series yields zeros.
func SummarizeSeries(values []float64) SeriesSummary {
	if len(values) == 0 {
		return SeriesSummary{}
	}
	summary := SeriesSummary{
		Mean:  stat.Mean(values, nil),
		Min:   values[0],
		Max:   values[0],
		First: values[0],
		Last:  values[len(values)-1],
	}
	if len(values) > 1 {
		summary.Std = stat.StdDev(values, nil)
	}
	for _, v := range values {
		if v < summary.Min {
			summary.Min = v
		}
		if v > summary.Max {
			summary.Max = v
		}
	}
	return summary
}

// RewardSeries extracts the per-cycle mean rewards in order.
func RewardSeries(cycles []model.CycleDiagnostics) []float64 {
	series := make([]float64, len(cycles))
	for i, c := range cycles {
		series[i] = c.MeanReward
	}
	return series
}

// BuildRunSummary folds the cycle history into a run summary.
func BuildRunSummary(runID string, cycles []model.CycleDiagnostics) RunSummary {
	summary := RunSummary{
		RunID:           runID,
		CyclesCompleted: len(cycles),
		Reward:          SummarizeSeries(RewardSeries(cycles)),
	}
	for _, c := range cycles {
		summary.FilesConsumed += c.FilesConsumed
		summary.FilesRejected += c.FilesRejected
		summary.Transitions += c.Transitions
		summary.Rollbacks += c.Rollbacks
		summary.NewCheckpoints += c.NewCheckpoints
	}
	if len(cycles) > 0 {
		last := cycles[len(cycles)-1]
		summary.FinalEntropy = last.EntropyCoef
		summary.FinalGamma = last.Gamma
	}
	return summary
}

// WriteRewardSeries writes the per-cycle mean rewards as a two-column
// CSV next to the JSON artifacts, for plotting without a JSON parser.
func WriteRewardSeries(runDir string, series []float64) error {
	path := filepath.Join(runDir, "reward_series.csv")
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"cycle", "mean_reward"}); err != nil {
		return err
	}
	for i, reward := range series {
		if err := writer.Write([]string{
			strconv.Itoa(i + 1),
			strconv.FormatFloat(reward, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadRewardSeries loads the CSV back; a missing file reports absent.
func ReadRewardSeries(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(baseDir, runID, "reward_series.csv")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("reward series header must have at least 2 columns")
	}

	series := make([]float64, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 2 {
			return nil, false, fmt.Errorf("reward series row must have at least 2 columns")
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}
