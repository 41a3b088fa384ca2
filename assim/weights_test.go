package assim

import (
	"errors"
	"math"
	"testing"

	"github.com/pthm-cable/sift/obs"
	"github.com/pthm-cable/sift/state"
)

func testOperator(t *testing.T) (NearestOperator, *state.Layout) {
	t.Helper()
	g, err := state.NewGrid(8, 4, 0, 0, 360, -90, 90)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	l, err := state.NewLayout(g, []state.FieldSpec{{Name: "tas"}, {Name: "pr"}})
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	return NearestOperator{Layout: l}, l
}

// constantEnsemble builds n members whose tas field is uniformly the given
// value per member.
func constantEnsemble(t *testing.T, l *state.Layout, tasValues []float64) *state.Ensemble {
	t.Helper()
	e, err := state.NewEnsemble(len(tasValues), l.Dim())
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}
	start, length, _ := l.Range("tas")
	for m, v := range tasValues {
		for k := start; k < start+length; k++ {
			e.Members[m].State[k] = v
		}
	}
	return e
}

func tasObs(value, errStd float64) obs.Observation {
	return obs.Observation{Lon: 45, Lat: 0, Variable: "tas", Value: value, ErrStd: errStd}
}

func TestNearestOperatorPredict(t *testing.T) {
	op, l := testOperator(t)

	vec := make(state.Vector, l.Dim())
	i, j := l.Grid().NearestIndex(45, 0)
	off, err := l.At("tas", 0, j, i)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	vec[off] = 283.5

	got, err := op.Predict(vec, tasObs(280, 1))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got != 283.5 {
		t.Errorf("Predict = %v, want 283.5", got)
	}
}

func TestNearestOperatorRejectsWrongDim(t *testing.T) {
	op, l := testOperator(t)

	var sm *state.ShapeMismatchError
	if _, err := op.Predict(make(state.Vector, l.Dim()-1), tasObs(280, 1)); !errors.As(err, &sm) {
		t.Errorf("Predict error = %v, want ShapeMismatchError", err)
	}
}

func TestNearestOperatorUnknownVariable(t *testing.T) {
	op, l := testOperator(t)

	ob := obs.Observation{Lon: 45, Lat: 0, Variable: "psl", Value: 1000, ErrStd: 1}
	var sm *state.ShapeMismatchError
	if _, err := op.Predict(make(state.Vector, l.Dim()), ob); !errors.As(err, &sm) {
		t.Errorf("Predict error = %v, want ShapeMismatchError", err)
	}
}

func TestWeighUniformEnsemble(t *testing.T) {
	op, l := testOperator(t)
	// All members identical: weights must be uniform and ESS must be N.
	e := constantEnsemble(t, l, []float64{280, 280, 280, 280, 280})

	res, err := Weigh(e, []obs.Observation{tasObs(281, 1)}, op)
	if err != nil {
		t.Fatalf("Weigh: %v", err)
	}

	sum := 0.0
	for m, w := range res.Weights {
		sum += w
		if math.Abs(w-0.2) > 1e-12 {
			t.Errorf("weight[%d] = %v, want 0.2", m, w)
		}
		if e.Members[m].Weight != w {
			t.Errorf("member %d weight not stored", m)
		}
	}
	if math.Abs(sum-1.0) > 1e-12 {
		t.Errorf("weights sum to %v, want 1", sum)
	}
	if math.Abs(res.ESS-5.0) > 1e-9 {
		t.Errorf("ESS = %v, want 5", res.ESS)
	}
}

func TestWeighSumsToOneAndBoundsESS(t *testing.T) {
	op, l := testOperator(t)
	e := constantEnsemble(t, l, []float64{278, 279, 280, 281, 282, 290, 300})
	observations := []obs.Observation{tasObs(280, 1), tasObs(279.5, 0.5)}

	res, err := Weigh(e, observations, op)
	if err != nil {
		t.Fatalf("Weigh: %v", err)
	}

	sum := 0.0
	for _, w := range res.Weights {
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("weights sum to %v, want 1", sum)
	}
	n := float64(e.Size())
	if res.ESS < 1.0-1e-9 || res.ESS > n+1e-9 {
		t.Errorf("ESS = %v, want within [1, %v]", res.ESS, n)
	}
}

func TestWeighSurvivesExtremeMismatch(t *testing.T) {
	op, l := testOperator(t)
	// Likelihoods on the order of exp(-5e5): direct exponentiation would
	// underflow every weight to zero. Log-space normalization must keep
	// exactly one surviving member instead.
	e := constantEnsemble(t, l, []float64{280, 1280, 2280})

	res, err := Weigh(e, []obs.Observation{tasObs(280, 1)}, op)
	if err != nil {
		t.Fatalf("Weigh: %v", err)
	}

	if math.Abs(res.Weights[0]-1.0) > 1e-12 {
		t.Errorf("dominant weight = %v, want 1", res.Weights[0])
	}
	if math.Abs(res.ESS-1.0) > 1e-9 {
		t.Errorf("ESS = %v, want 1 (total collapse is a result, not an error)", res.ESS)
	}
}

func TestWeighNonFiniteStateIsFatal(t *testing.T) {
	op, l := testOperator(t)
	e := constantEnsemble(t, l, []float64{280, 281})
	e.Members[1].State[0] = math.NaN()
	// Point the observation at the poisoned grid cell.
	ob := obs.Observation{Lon: l.Grid().Lon(0), Lat: l.Grid().Lat(0), Variable: "tas", Value: 280, ErrStd: 1}

	_, err := Weigh(e, []obs.Observation{ob}, op)
	var we *WeightError
	if !errors.As(err, &we) {
		t.Fatalf("Weigh error = %v, want WeightError", err)
	}
}

func TestNormalizeRejectsNonFinite(t *testing.T) {
	tests := []struct {
		name   string
		loglik []float64
	}{
		{"nan", []float64{-1, math.NaN(), -2}},
		{"positive inf", []float64{-1, math.Inf(1), -2}},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Normalize(tt.loglik)
			var we *WeightError
			if !errors.As(err, &we) {
				t.Errorf("Normalize error = %v, want WeightError", err)
			}
		})
	}
}

func TestESS(t *testing.T) {
	tests := []struct {
		name    string
		weights []float64
		want    float64
	}{
		{"uniform 4", []float64{0.25, 0.25, 0.25, 0.25}, 4},
		{"collapsed", []float64{1, 0, 0, 0}, 1},
		{"two way split", []float64{0.5, 0.5, 0, 0}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ESS(tt.weights); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("ESS = %v, want %v", got, tt.want)
			}
		})
	}
}
