// Package assim holds the particle-filter mathematics: importance weighting,
// resampling, and post-resampling noise injection.
package assim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/pthm-cable/sift/obs"
	"github.com/pthm-cable/sift/state"
)

// Operator is the observation operator H: it maps a member's state vector to
// the predicted value for one observation.
type Operator interface {
	Predict(vec state.Vector, ob obs.Observation) (float64, error)
}

// NearestOperator extracts the state value at the grid point nearest the
// observation location, at the surface level. This is the documented
// interpolation policy; the weighting numerics depend on it.
type NearestOperator struct {
	Layout *state.Layout
}

// Predict returns the member's value for the observation's variable at the
// nearest grid point.
func (op NearestOperator) Predict(vec state.Vector, ob obs.Observation) (float64, error) {
	if len(vec) != op.Layout.Dim() {
		return 0, &state.ShapeMismatchError{Want: op.Layout.Dim(), Got: len(vec), Reason: "state vector length"}
	}
	i, j := op.Layout.Grid().NearestIndex(ob.Lon, ob.Lat)
	off, err := op.Layout.At(ob.Variable, 0, j, i)
	if err != nil {
		return 0, err
	}
	return vec[off], nil
}

// WeightError reports a non-finite likelihood or weight. It is fatal: the
// cycle must not proceed to resampling with a NaN or Inf weight.
type WeightError struct {
	Member int // -1 when no single member is at fault
	Reason string
}

func (e *WeightError) Error() string {
	if e.Member >= 0 {
		return fmt.Sprintf("weight computation failed for member %d: %s", e.Member, e.Reason)
	}
	return fmt.Sprintf("weight computation failed: %s", e.Reason)
}

// WeightResult is the output of one weighting pass.
type WeightResult struct {
	Weights []float64 // normalized, sum to 1
	LogLik  []float64 // unnormalized log-likelihoods
	ESS     float64   // effective sample size, in (0, N]
}

// LogLikelihood computes one member's unnormalized log-likelihood
// -0.5 * sum(((H(x) - y) / sigma)^2) over the observation set.
func LogLikelihood(vec state.Vector, observations []obs.Observation, op Operator) (float64, error) {
	sum := 0.0
	for _, ob := range observations {
		pred, err := op.Predict(vec, ob)
		if err != nil {
			return 0, err
		}
		d := (pred - ob.Value) / ob.ErrStd
		sum += d * d
	}
	ll := -0.5 * sum
	if math.IsNaN(ll) || math.IsInf(ll, 1) {
		return 0, &WeightError{Member: -1, Reason: fmt.Sprintf("non-finite log-likelihood %g", ll)}
	}
	return ll, nil
}

// Normalize converts per-member log-likelihoods into weights summing to 1 and
// the effective sample size 1/sum(w^2). The normalization runs in log space:
// w_i = exp(ll_i - logsumexp(ll)), where logsumexp subtracts the maximum
// before exponentiating so extreme mismatches cannot underflow every weight
// to zero. ESS = 1 (total collapse) is a valid result, not an error.
func Normalize(loglik []float64) (weights []float64, ess float64, err error) {
	n := len(loglik)
	if n == 0 {
		return nil, 0, &WeightError{Member: -1, Reason: "empty ensemble"}
	}
	for i, ll := range loglik {
		if math.IsNaN(ll) || math.IsInf(ll, 1) {
			return nil, 0, &WeightError{Member: i, Reason: fmt.Sprintf("non-finite log-likelihood %g", ll)}
		}
	}

	norm := floats.LogSumExp(loglik)
	if math.IsNaN(norm) {
		return nil, 0, &WeightError{Member: -1, Reason: "non-finite log normalizer"}
	}

	weights = make([]float64, n)
	sumSq := 0.0
	for i, ll := range loglik {
		w := math.Exp(ll - norm)
		if math.IsNaN(w) {
			return nil, 0, &WeightError{Member: i, Reason: "non-finite weight"}
		}
		weights[i] = w
		sumSq += w * w
	}
	return weights, 1.0 / sumSq, nil
}

// Weigh scores every member of the ensemble against the observation set,
// stores the normalized weight on each member, and returns the full result.
func Weigh(ens *state.Ensemble, observations []obs.Observation, op Operator) (WeightResult, error) {
	loglik := make([]float64, ens.Size())
	for i := range ens.Members {
		ll, err := LogLikelihood(ens.Members[i].State, observations, op)
		if err != nil {
			if we, ok := err.(*WeightError); ok {
				we.Member = i
			}
			return WeightResult{}, err
		}
		loglik[i] = ll
	}

	weights, ess, err := Normalize(loglik)
	if err != nil {
		return WeightResult{}, err
	}
	for i := range ens.Members {
		ens.Members[i].Weight = weights[i]
	}
	return WeightResult{Weights: weights, LogLik: loglik, ESS: ess}, nil
}

// ESS returns the effective sample size of an already-normalized weight
// vector.
func ESS(weights []float64) float64 {
	sumSq := 0.0
	for _, w := range weights {
		sumSq += w * w
	}
	return 1.0 / sumSq
}
