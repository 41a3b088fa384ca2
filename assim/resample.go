package assim

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// Policy selects how weights are converted into a new member index set.
type Policy string

const (
	// PolicyNone returns the identity index sequence regardless of weights.
	PolicyNone Policy = "none"
	// PolicyMultinomial draws N indices independently from the categorical
	// distribution defined by the weights.
	PolicyMultinomial Policy = "multinomial"
	// PolicySystematic uses stochastic-universal sampling: one uniform offset
	// in [0, 1/N), then N evenly spaced positions over the cumulative
	// weights. Lower variance than multinomial.
	PolicySystematic Policy = "systematic"
	// PolicyResidual deterministically assigns floor(N*w_i) copies per
	// member, then fills the remaining slots multinomially from the residual
	// weights.
	PolicyResidual Policy = "residual"
)

// ParsePolicy validates a policy name from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyNone, PolicyMultinomial, PolicySystematic, PolicyResidual:
		return p, nil
	}
	return "", fmt.Errorf("unknown resampling policy %q", s)
}

// ResamplingError reports an index-selection invariant violation.
// It is fatal for the cycle.
type ResamplingError struct {
	Policy Policy
	Reason string
}

func (e *ResamplingError) Error() string {
	return fmt.Sprintf("%s resampling failed: %s", e.Policy, e.Reason)
}

// weightSumTolerance bounds how far the weight sum may drift from 1 before
// the vector is rejected as invalid input.
const weightSumTolerance = 1e-6

// checkWeights rejects non-finite or negative weights and weight vectors
// whose sum is not approximately 1. Feeding a NaN weight into index selection
// is the failure mode this guard exists for, so a bad weight is a fatal
// WeightError rather than a draw that silently misbehaves.
func checkWeights(weights []float64) error {
	if len(weights) == 0 {
		return &WeightError{Member: -1, Reason: "empty weight vector"}
	}
	sum := 0.0
	for i, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return &WeightError{Member: i, Reason: fmt.Sprintf("non-finite weight %g", w)}
		}
		if w < 0 {
			return &WeightError{Member: i, Reason: fmt.Sprintf("negative weight %g", w)}
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return &WeightError{Member: -1, Reason: fmt.Sprintf("weights sum to %g, want 1", sum)}
	}
	return nil
}

// Resample converts a normalized weight vector into N member indices (with
// repetition) under the given policy. Weights are validated before any draw,
// and the returned indices are range-checked; a fully collapsed weight vector
// (one weight 1, rest 0) resamples deterministically to the dominant member
// rather than failing.
func Resample(policy Policy, weights []float64, rng *rand.Rand) ([]int, error) {
	if policy == PolicyNone {
		idx := make([]int, len(weights))
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}

	if err := checkWeights(weights); err != nil {
		return nil, err
	}

	var idx []int
	switch policy {
	case PolicyMultinomial:
		idx = multinomial(weights, len(weights), rng)
	case PolicySystematic:
		idx = systematic(weights, rng)
	case PolicyResidual:
		idx = residual(weights, rng)
	default:
		return nil, &ResamplingError{Policy: policy, Reason: "unknown policy"}
	}

	if len(idx) != len(weights) {
		return nil, &ResamplingError{Policy: policy, Reason: fmt.Sprintf("selected %d indices, want %d", len(idx), len(weights))}
	}
	for _, k := range idx {
		if k < 0 || k >= len(weights) {
			return nil, &ResamplingError{Policy: policy, Reason: fmt.Sprintf("index %d out of range [0,%d)", k, len(weights))}
		}
	}
	return idx, nil
}

// cumulative builds the running weight sum with the final entry forced to 1,
// so a search position of 1-epsilon can never fall past the end.
func cumulative(weights []float64) []float64 {
	cum := make([]float64, len(weights))
	sum := 0.0
	for i, w := range weights {
		sum += w
		cum[i] = sum
	}
	cum[len(cum)-1] = 1.0
	return cum
}

// multinomial draws n independent categorical samples.
func multinomial(weights []float64, n int, rng *rand.Rand) []int {
	cum := cumulative(weights)
	idx := make([]int, n)
	for k := range idx {
		idx[k] = sort.SearchFloat64s(cum, rng.Float64())
		if idx[k] == len(cum) {
			idx[k] = len(cum) - 1
		}
	}
	return idx
}

// systematic walks the cumulative weights once at positions u + k/N.
func systematic(weights []float64, rng *rand.Rand) []int {
	n := len(weights)
	cum := cumulative(weights)
	u := rng.Float64() / float64(n)

	idx := make([]int, n)
	j := 0
	for k := 0; k < n; k++ {
		pos := u + float64(k)/float64(n)
		for j < n-1 && cum[j] < pos {
			j++
		}
		idx[k] = j
	}
	return idx
}

// residual assigns floor(N*w_i) deterministic copies, then fills the rest
// multinomially from the residual weights.
func residual(weights []float64, rng *rand.Rand) []int {
	n := len(weights)
	idx := make([]int, 0, n)
	residuals := make([]float64, n)
	residualSum := 0.0
	for i, w := range weights {
		scaled := float64(n) * w
		copies := int(math.Floor(scaled))
		for c := 0; c < copies; c++ {
			idx = append(idx, i)
		}
		residuals[i] = scaled - float64(copies)
		residualSum += residuals[i]
	}

	remaining := n - len(idx)
	if remaining <= 0 {
		return idx[:n]
	}

	if residualSum <= 0 {
		// Float rounding left slots but no residual mass; pad with the
		// heaviest member.
		best := 0
		for i, w := range weights {
			if w > weights[best] {
				best = i
			}
		}
		for len(idx) < n {
			idx = append(idx, best)
		}
		return idx
	}

	for i := range residuals {
		residuals[i] /= residualSum
	}
	return append(idx, multinomial(residuals, remaining, rng)...)
}
