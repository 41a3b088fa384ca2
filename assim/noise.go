package assim

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/pthm-cable/sift/state"
)

// NoiseMode selects how resampled members are perturbed to restore the
// diversity lost to duplication.
type NoiseMode string

const (
	// NoiseNone leaves resampled members untouched.
	NoiseNone NoiseMode = "none"
	// NoiseAdditive adds zero-mean Gaussian noise with a fixed standard
	// deviation equal to the amplitude to every component.
	NoiseAdditive NoiseMode = "additive"
	// NoiseRelative scales the noise standard deviation by the magnitude of
	// each component: sigma = amplitude * |value|.
	NoiseRelative NoiseMode = "relative"
)

// ParseNoiseMode validates a noise mode name from configuration.
func ParseNoiseMode(s string) (NoiseMode, error) {
	switch m := NoiseMode(s); m {
	case NoiseNone, NoiseAdditive, NoiseRelative:
		return m, nil
	}
	return "", fmt.Errorf("unknown noise mode %q", s)
}

// Perturb adds one independent Gaussian draw per component, in place.
// Amplitude 0 and mode none are exact no-ops. Given a seeded source the
// perturbation is fully deterministic.
func Perturb(vec state.Vector, amplitude float64, mode NoiseMode, rng *rand.Rand) error {
	if amplitude < 0 || math.IsNaN(amplitude) || math.IsInf(amplitude, 0) {
		return fmt.Errorf("noise amplitude must be finite and non-negative, got %g", amplitude)
	}
	if mode == NoiseNone || amplitude == 0 {
		return nil
	}

	std := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	switch mode {
	case NoiseAdditive:
		for i := range vec {
			vec[i] += amplitude * std.Rand()
		}
	case NoiseRelative:
		for i := range vec {
			vec[i] += amplitude * math.Abs(vec[i]) * std.Rand()
		}
	default:
		return fmt.Errorf("unknown noise mode %q", mode)
	}
	return nil
}
