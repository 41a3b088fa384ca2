package assim

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pthm-cable/sift/state"
)

func noiseVector() state.Vector {
	return state.Vector{288.0, -12.5, 0.0, 1e-3, 305.2, 2.7}
}

func TestParseNoiseMode(t *testing.T) {
	for _, s := range []string{"none", "additive", "relative"} {
		m, err := ParseNoiseMode(s)
		if err != nil {
			t.Errorf("ParseNoiseMode(%q): %v", s, err)
		}
		if string(m) != s {
			t.Errorf("ParseNoiseMode(%q) = %q", s, m)
		}
	}
	if _, err := ParseNoiseMode("multiplicative"); err == nil {
		t.Error("ParseNoiseMode accepted unknown mode")
	}
}

func TestPerturbNoOps(t *testing.T) {
	tests := []struct {
		name      string
		amplitude float64
		mode      NoiseMode
	}{
		{"mode none", 0.5, NoiseNone},
		{"zero amplitude additive", 0, NoiseAdditive},
		{"zero amplitude relative", 0, NoiseRelative},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vec := noiseVector()
			want := vec.Clone()
			if err := Perturb(vec, tt.amplitude, tt.mode, testRNG(1)); err != nil {
				t.Fatalf("Perturb: %v", err)
			}
			// Bitwise identity, not approximate.
			if diff := cmp.Diff(want, vec); diff != "" {
				t.Errorf("state changed (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPerturbRejectsBadAmplitude(t *testing.T) {
	for _, amp := range []float64{-0.1, math.NaN(), math.Inf(1)} {
		if err := Perturb(noiseVector(), amp, NoiseAdditive, testRNG(1)); err == nil {
			t.Errorf("Perturb accepted amplitude %g", amp)
		}
	}
}

func TestPerturbAdditiveChangesEveryComponent(t *testing.T) {
	vec := noiseVector()
	orig := vec.Clone()
	if err := Perturb(vec, 0.05, NoiseAdditive, testRNG(42)); err != nil {
		t.Fatalf("Perturb: %v", err)
	}
	for i := range vec {
		if vec[i] == orig[i] {
			t.Errorf("component %d unchanged", i)
		}
		if math.IsNaN(vec[i]) || math.IsInf(vec[i], 0) {
			t.Errorf("component %d non-finite: %v", i, vec[i])
		}
	}
}

func TestPerturbRelativeScalesByMagnitude(t *testing.T) {
	// Relative noise leaves exact zeros untouched and perturbs large
	// components proportionally harder than small ones.
	vec := noiseVector()
	orig := vec.Clone()
	if err := Perturb(vec, 0.1, NoiseRelative, testRNG(7)); err != nil {
		t.Fatalf("Perturb: %v", err)
	}
	for i := range vec {
		if orig[i] == 0 {
			if vec[i] != 0 {
				t.Errorf("zero component %d perturbed to %v", i, vec[i])
			}
			continue
		}
		// One standard-normal draw stays within 10 sigma in any sane run.
		if d := math.Abs(vec[i] - orig[i]); d > math.Abs(orig[i]) {
			t.Errorf("component %d moved by %v, more than its own magnitude %v", i, d, orig[i])
		}
	}
}

func TestPerturbSeededDeterminism(t *testing.T) {
	a := noiseVector()
	b := noiseVector()
	if err := Perturb(a, 0.05, NoiseAdditive, testRNG(1234)); err != nil {
		t.Fatalf("Perturb: %v", err)
	}
	if err := Perturb(b, 0.05, NoiseAdditive, testRNG(1234)); err != nil {
		t.Fatalf("Perturb: %v", err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("same seed, different perturbation (-a +b):\n%s", diff)
	}

	c := noiseVector()
	if err := Perturb(c, 0.05, NoiseAdditive, testRNG(1235)); err != nil {
		t.Fatalf("Perturb: %v", err)
	}
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds produced identical perturbation")
	}
}
