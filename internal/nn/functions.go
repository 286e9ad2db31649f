// Package nn implements the recurrent actor-critic policy with explicit
// float64 math. Forward evaluation caches everything the truncated
// backpropagation pass needs; no autodiff framework is involved.
package nn

import (
	"fmt"
	"math"
)

// maskedLogitBias is added to the logits of unavailable discrete choices so
// they vanish from the softmax.
const maskedLogitBias = -1e8

const (
	logStdMin = -2.0
	logStdMax = 0.5
	squashEps = 1e-6
)

// halfLog2PiE is 0.5*log(2*pi*e), the per-dimension entropy offset of a unit
// Gaussian.
var halfLog2PiE = 0.5 * math.Log(2*math.Pi*math.E)

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Sat clamps value to [min, max].
func Sat(value, max, min float64) float64 {
	if value > max {
		return max
	}
	if value < min {
		return min
	}
	return value
}

// Avg returns the arithmetic mean of values.
func Avg(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("values must not be empty")
	}
	sum := 0.0
	for _, value := range values {
		sum += value
	}
	return sum / float64(len(values)), nil
}

// Std returns population standard deviation.
func Std(values []float64) (float64, error) {
	mean, err := Avg(values)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for _, value := range values {
		diff := mean - value
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values))), nil
}

// maskedSoftmax converts logits to probabilities with unavailable entries
// biased out. mask may be nil, meaning every entry is available. Entries
// whose probability underflows to zero are left at exactly zero.
func maskedSoftmax(logits []float64, mask []float64) []float64 {
	biased := make([]float64, len(logits))
	maxLogit := math.Inf(-1)
	for i, z := range logits {
		if mask != nil && mask[i] == 0 {
			z += maskedLogitBias
		}
		biased[i] = z
		if z > maxLogit {
			maxLogit = z
		}
	}
	sum := 0.0
	for i, z := range biased {
		biased[i] = math.Exp(z - maxLogit)
		sum += biased[i]
	}
	for i := range biased {
		biased[i] /= sum
	}
	return biased
}

// categoricalEntropy returns -sum(p*log p), skipping zero entries.
func categoricalEntropy(probs []float64) float64 {
	h := 0.0
	for _, p := range probs {
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h
}

// atanh inverts the squashing transform with the argument pulled inside the
// open interval.
func atanh(y float64) float64 {
	y = Sat(y, 1-squashEps, -1+squashEps)
	return 0.5 * math.Log((1+y)/(1-y))
}
