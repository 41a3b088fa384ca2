package cycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/pthm-cable/sift/assim"
	"github.com/pthm-cable/sift/obs"
	"github.com/pthm-cable/sift/state"
	"github.com/pthm-cable/sift/telemetry"
)

// Phase is the controller's position in the per-cycle state machine.
type Phase int

const (
	Idle Phase = iota
	ForecastReceived
	Weighted
	Resampled
	Perturbed
	AnalysisReady
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case ForecastReceived:
		return "forecast-received"
	case Weighted:
		return "weighted"
	case Resampled:
		return "resampled"
	case Perturbed:
		return "perturbed"
	case AnalysisReady:
		return "analysis-ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ErrFailed is returned by RunCycle after a fatal error has moved the
// controller to its terminal state. The controller never auto-retries:
// rerunning the same inputs cannot fix a numerical collapse.
var ErrFailed = errors.New("cycle controller has failed")

// Controller owns the per-cycle assimilation loop. After a successful cycle
// the analysis ensemble is committed; after a fatal error the controller
// surfaces the error and keeps reporting the last committed ensemble.
type Controller struct {
	fc    *FilterContext
	pool  *memberPool
	phase Phase

	committed *state.Ensemble
	lastErr   error
}

// NewController builds a controller and starts its worker pool. Call Close
// when done.
func NewController(fc *FilterContext) *Controller {
	pool := newMemberPool()
	if fc.Cfg.Ensemble.Size >= parallelThreshold {
		pool.start()
	}
	return &Controller{fc: fc, pool: pool, phase: Idle}
}

// Close stops the worker pool.
func (c *Controller) Close() {
	c.pool.stop()
}

// Phase reports the current state-machine position.
func (c *Controller) Phase() Phase { return c.phase }

// Committed returns the last committed analysis ensemble, or nil before the
// first completed cycle. After a failure this is the last good state.
func (c *Controller) Committed() *state.Ensemble { return c.committed }

// Err returns the fatal error that moved the controller to Failed, if any.
func (c *Controller) Err() error { return c.lastErr }

// RunCycle runs one assimilation cycle: load observations, weight, resample,
// perturb, and commit. A recoverable observation-load failure passes the
// forecast through unassimilated when the configured policy is "skip".
// Fatal errors (shape mismatch, non-finite weights, bad resampling indices)
// move the controller to Failed. Cancellation before diagnostics are written
// aborts the cycle with no persisted side effects.
func (c *Controller) RunCycle(ctx context.Context, cycleIdx int, forecast *state.Ensemble) (*state.Ensemble, telemetry.CycleDiagnostics, error) {
	if c.phase == Failed {
		return nil, telemetry.CycleDiagnostics{}, ErrFailed
	}

	c.phase = ForecastReceived
	if forecast.Size() != c.fc.Cfg.Ensemble.Size {
		return c.fail(cycleIdx, &state.ShapeMismatchError{
			Want: c.fc.Cfg.Ensemble.Size, Got: forecast.Size(), Reason: "ensemble size",
		})
	}
	if err := forecast.Validate(); err != nil {
		return c.fail(cycleIdx, err)
	}

	observations, err := c.loadObservations(ctx, cycleIdx)
	if err != nil {
		if ctx.Err() != nil {
			// Caller cancellation, not an observation problem. Abort the
			// cycle without persisting; the controller stays usable.
			c.phase = Idle
			return nil, telemetry.CycleDiagnostics{}, err
		}
		var le *obs.LoadError
		if errors.As(err, &le) && c.fc.Cfg.Obs.OnError == "skip" {
			c.fc.Log.Warn("skipping assimilation for cycle",
				zap.Int("cycle", cycleIdx),
				zap.Error(err),
			)
			return c.passThrough(cycleIdx, forecast)
		}
		return c.fail(cycleIdx, err)
	}

	analysis, diag, err := assimilate(ctx, c.fc, c.pool, cycleIdx, forecast, observations, c.setPhase)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Aborted before commit; nothing persisted, controller stays usable.
			c.phase = Idle
			return nil, telemetry.CycleDiagnostics{}, err
		}
		return c.fail(cycleIdx, err)
	}

	return c.commit(cycleIdx, analysis, diag)
}

// loadObservations applies the configured timeout to the only suspension
// point in the cycle.
func (c *Controller) loadObservations(ctx context.Context, cycleIdx int) ([]obs.Observation, error) {
	if t := c.fc.Cfg.Obs.TimeoutSec; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t*float64(time.Second)))
		defer cancel()
	}
	return c.fc.Source.Load(ctx, cycleIdx)
}

// passThrough commits the forecast unchanged when the cycle's observations
// are unavailable and the skip policy is configured.
func (c *Controller) passThrough(cycleIdx int, forecast *state.Ensemble) (*state.Ensemble, telemetry.CycleDiagnostics, error) {
	diag := telemetry.CycleDiagnostics{
		Cycle:         cycleIdx,
		ESS:           math.NaN(),
		RMSBefore:     math.NaN(),
		RMSAfter:      math.NaN(),
		UniqueMembers: forecast.Size(),
		Assimilated:   false,
	}
	return c.commit(cycleIdx, forecast.Clone(), diag)
}

// commit persists the diagnostics record and retains the analysis as the
// last good state. Once diagnostics are written the cycle is committed.
func (c *Controller) commit(cycleIdx int, analysis *state.Ensemble, diag telemetry.CycleDiagnostics) (*state.Ensemble, telemetry.CycleDiagnostics, error) {
	if err := c.fc.Output.WriteDiagnostics(diag); err != nil {
		return c.fail(cycleIdx, err)
	}
	c.committed = analysis.Clone()
	c.phase = AnalysisReady

	c.fc.Log.Info("cycle committed",
		zap.Int("cycle", cycleIdx),
		zap.Float64("ess", diag.ESS),
		zap.Float64("rms_before", diag.RMSBefore),
		zap.Float64("rms_after", diag.RMSAfter),
		zap.Bool("resampled", diag.Resampled),
		zap.Bool("assimilated", diag.Assimilated),
	)

	c.phase = Idle
	return analysis, diag, nil
}

// fail moves the controller to its terminal state with cycle context
// attached. The last committed ensemble remains available via Committed.
func (c *Controller) fail(cycleIdx int, err error) (*state.Ensemble, telemetry.CycleDiagnostics, error) {
	c.phase = Failed
	c.lastErr = fmt.Errorf("cycle %d: %w", cycleIdx, err)
	c.fc.Log.Error("cycle failed", zap.Int("cycle", cycleIdx), zap.Error(err))
	return nil, telemetry.CycleDiagnostics{}, c.lastErr
}

func (c *Controller) setPhase(p Phase) { c.phase = p }

// Assimilate is the core as a pure function of (ensemble, observations,
// config): it computes the analysis ensemble and diagnostics without touching
// any output or controller state, independent of how members are physically
// distributed.
func Assimilate(fc *FilterContext, forecast *state.Ensemble, observations []obs.Observation, cycleIdx int) (*state.Ensemble, telemetry.CycleDiagnostics, error) {
	return assimilate(context.Background(), fc, nil, cycleIdx, forecast, observations, nil)
}

// assimilate runs the weight/resample/perturb pipeline. phases is invoked at
// each state transition when non-nil. Member-wise work runs on the pool; a
// nil or idle pool degrades to sequential execution.
func assimilate(
	ctx context.Context,
	fc *FilterContext,
	pool *memberPool,
	cycleIdx int,
	forecast *state.Ensemble,
	observations []obs.Observation,
	phases func(Phase),
) (*state.Ensemble, telemetry.CycleDiagnostics, error) {
	notify := func(p Phase) {
		if phases != nil {
			phases(p)
		}
	}
	n := forecast.Size()

	// Weighting: per-member predictions and log-likelihoods in parallel,
	// then a single normalization pass over all members.
	preds, loglik, err := predictAndScore(pool, forecast, observations, fc.Operator)
	if err != nil {
		return nil, telemetry.CycleDiagnostics{}, err
	}
	weights, ess, err := assim.Normalize(loglik)
	if err != nil {
		return nil, telemetry.CycleDiagnostics{}, err
	}
	for m := range forecast.Members {
		forecast.Members[m].Weight = weights[m]
	}
	notify(Weighted)

	if err := ctx.Err(); err != nil {
		return nil, telemetry.CycleDiagnostics{}, err
	}

	beforeVars, rmsBefore := innovationRMS(observations, preds)

	// Resampling: triggered when ESS falls below the configured fraction of
	// N; a threshold of 1 means always resample while a policy is active.
	idx := identityIndices(n)
	resampled := false
	if fc.Policy != assim.PolicyNone {
		frac := fc.Cfg.ResampleThreshold()
		if frac >= 1.0 || ess < frac*float64(n) {
			rng := rand.New(rand.NewPCG(fc.Seed, resampleStream(cycleIdx)))
			idx, err = assim.Resample(fc.Policy, weights, rng)
			if err != nil {
				return nil, telemetry.CycleDiagnostics{}, err
			}
			resampled = true
		}
	}
	notify(Resampled)

	if err := ctx.Err(); err != nil {
		return nil, telemetry.CycleDiagnostics{}, err
	}

	// Build the analysis ensemble. Resampled members are duplicated by
	// index, given fresh IDs and uniform weights, and perturbed to restore
	// diversity. Each member draws from its own seeded stream so the result
	// is reproducible regardless of worker scheduling.
	analysis, err := state.NewEnsemble(n, forecast.Dim())
	if err != nil {
		return nil, telemetry.CycleDiagnostics{}, err
	}
	perturb := resampled && fc.NoiseMode != assim.NoiseNone && fc.Cfg.Noise.Amplitude > 0
	err = pool.run(n, func(m int) error {
		vec := forecast.Members[idx[m]].State.Clone()
		if perturb {
			rng := rand.New(rand.NewPCG(fc.Seed, memberStream(cycleIdx, m)))
			if err := assim.Perturb(vec, fc.Cfg.Noise.Amplitude, fc.NoiseMode, rng); err != nil {
				return err
			}
		}
		analysis.Members[m] = state.Member{ID: m, State: vec, Weight: 1.0 / float64(n)}
		return nil
	})
	if err != nil {
		return nil, telemetry.CycleDiagnostics{}, err
	}
	if !resampled {
		// No duplication happened; member weights stay meaningful.
		for m := range analysis.Members {
			analysis.Members[m].Weight = weights[m]
		}
	}
	notify(Perturbed)

	if err := ctx.Err(); err != nil {
		return nil, telemetry.CycleDiagnostics{}, err
	}

	afterPreds, _, err := predictAndScore(pool, analysis, observations, fc.Operator)
	if err != nil {
		return nil, telemetry.CycleDiagnostics{}, err
	}
	afterVars, rmsAfter := innovationRMS(observations, afterPreds)

	diag := telemetry.CycleDiagnostics{
		Cycle:         cycleIdx,
		ESS:           ess,
		RMSBefore:     rmsBefore,
		RMSAfter:      rmsAfter,
		Resampled:     resampled,
		UniqueMembers: uniqueCount(idx),
		Assimilated:   true,
		PerVariable:   mergeVariableRMS(fc.Layout.Fields(), beforeVars, afterVars),
	}
	return analysis, diag, nil
}

// predictAndScore computes, for every member, the predicted value of each
// observation and the resulting log-likelihood. This is the embarrassingly
// parallel half of weighting; normalization happens after the barrier.
func predictAndScore(pool *memberPool, ens *state.Ensemble, observations []obs.Observation, op assim.Operator) ([][]float64, []float64, error) {
	n := ens.Size()
	preds := make([][]float64, n)
	loglik := make([]float64, n)

	err := pool.run(n, func(m int) error {
		vec := ens.Members[m].State
		p := make([]float64, len(observations))
		sum := 0.0
		for k, ob := range observations {
			v, err := op.Predict(vec, ob)
			if err != nil {
				return err
			}
			p[k] = v
			d := (v - ob.Value) / ob.ErrStd
			sum += d * d
		}
		ll := -0.5 * sum
		if math.IsNaN(ll) || math.IsInf(ll, 1) {
			return &assim.WeightError{Member: m, Reason: fmt.Sprintf("non-finite log-likelihood %g", ll)}
		}
		preds[m] = p
		loglik[m] = ll
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return preds, loglik, nil
}

// innovationRMS computes the RMS of the ensemble-mean innovation, per
// variable and aggregated over the whole observation set.
func innovationRMS(observations []obs.Observation, preds [][]float64) (map[string]float64, float64) {
	n := len(preds)
	byVar := make(map[string][]float64)
	all := make([]float64, 0, len(observations))

	for k, ob := range observations {
		mean := 0.0
		for m := 0; m < n; m++ {
			mean += preds[m][k]
		}
		mean /= float64(n)
		r := mean - ob.Value
		byVar[ob.Variable] = append(byVar[ob.Variable], r)
		all = append(all, r)
	}

	out := make(map[string]float64, len(byVar))
	for v, residuals := range byVar {
		out[v] = telemetry.RMS(residuals)
	}
	return out, telemetry.RMS(all)
}

// mergeVariableRMS pairs before/after RMS values in declared field order,
// keeping only variables that were actually observed this cycle.
func mergeVariableRMS(order []string, before, after map[string]float64) []telemetry.VariableRMS {
	var out []telemetry.VariableRMS
	for _, name := range order {
		b, okB := before[name]
		a, okA := after[name]
		if !okB && !okA {
			continue
		}
		if !okB {
			b = math.NaN()
		}
		if !okA {
			a = math.NaN()
		}
		out = append(out, telemetry.VariableRMS{Variable: name, Before: b, After: a})
	}
	return out
}

func identityIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func uniqueCount(idx []int) int {
	seen := make(map[int]struct{}, len(idx))
	for _, k := range idx {
		seen[k] = struct{}{}
	}
	return len(seen)
}

// resampleStream and memberStream derive independent PCG stream selectors so
// resampling draws and per-member noise draws never share a sequence.
func resampleStream(cycleIdx int) uint64 {
	return 1<<63 | uint64(cycleIdx)
}

func memberStream(cycleIdx, member int) uint64 {
	return uint64(cycleIdx)<<32 | uint64(member)
}
