package nature

import (
	"fmt"
	"math"

	"github.com/pthm-cable/sift/state"
)

// VarSpec describes how one truth variable is synthesized: a base value, a
// latitudinal gradient, an anomaly amplitude riding on coherent noise, and an
// optional floor (precipitation cannot go negative).
type VarSpec struct {
	Base      float64
	LatRange  float64 // equator-to-pole drop applied as -LatRange*sin^2(lat)
	Amplitude float64
	Floor     float64
	HasFloor  bool
	Scale     float64 // noise frequency in cycles per 360 degrees
	TimeSpeed float64 // noise evolution per cycle
}

// DefaultVars are the two variables the observing system convention uses:
// surface air temperature in kelvin and precipitation in mm/day.
func DefaultVars() map[string]VarSpec {
	return map[string]VarSpec{
		"tas": {Base: 288.0, LatRange: 40.0, Amplitude: 8.0, Scale: 3.0, TimeSpeed: 0.05},
		"pr":  {Base: 2.5, Amplitude: 1.8, Floor: 0.0, HasFloor: true, Scale: 4.0, TimeSpeed: 0.08},
	}
}

// Truth is a synthetic nature run over a model grid. Values are smooth in
// space, drift slowly across cycles, and are fully determined by the seed.
type Truth struct {
	grid  *state.Grid
	noise *PerlinNoise
	vars  map[string]VarSpec
}

// NewTruth builds a seeded truth over the grid with the default variables.
func NewTruth(grid *state.Grid, seed uint64) *Truth {
	return &Truth{
		grid:  grid,
		noise: NewPerlinNoise(seed),
		vars:  DefaultVars(),
	}
}

// Register adds or replaces a variable spec.
func (t *Truth) Register(name string, spec VarSpec) {
	t.vars[name] = spec
}

// Value returns the truth value of a variable at an arbitrary location for
// the given cycle.
func (t *Truth) Value(variable string, cycle int, lon, lat float64) (float64, error) {
	spec, ok := t.vars[variable]
	if !ok {
		return 0, fmt.Errorf("nature: unknown variable %q", variable)
	}
	if lon < 0 {
		lon += 360.0
	}

	x := lon / 360.0 * spec.Scale
	y := (lat + 90.0) / 180.0 * spec.Scale
	z := float64(cycle) * spec.TimeSpeed

	sinLat := math.Sin(lat * math.Pi / 180.0)
	v := spec.Base - spec.LatRange*sinLat*sinLat + spec.Amplitude*t.noise.FBM(x, y, z, 4, 2.0, 0.5)
	if spec.HasFloor && v < spec.Floor {
		v = spec.Floor
	}
	return v, nil
}

// Field samples the variable over the whole grid surface for one cycle, in
// the codec's row-major (lat, lon) ordering.
func (t *Truth) Field(variable string, cycle int) ([]float64, error) {
	values := make([]float64, t.grid.SurfaceSize())
	for j := 0; j < t.grid.NLat; j++ {
		for i := 0; i < t.grid.NLon; i++ {
			v, err := t.Value(variable, cycle, t.grid.Lon(i), t.grid.Lat(j))
			if err != nil {
				return nil, err
			}
			values[j*t.grid.NLon+i] = v
		}
	}
	return values, nil
}

// Fields samples every named variable for one cycle.
func (t *Truth) Fields(cycle int, names []string) (map[string][]float64, error) {
	fields := make(map[string][]float64, len(names))
	for _, name := range names {
		values, err := t.Field(name, cycle)
		if err != nil {
			return nil, err
		}
		fields[name] = values
	}
	return fields, nil
}
