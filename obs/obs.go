// Package obs loads per-cycle observation sets from record-oriented files.
package obs

import (
	"context"
	"fmt"
	"math"
)

// Observation is a single measurement: a location, the variable it measures,
// the observed value, and the observation error standard deviation.
// Observation sets are rebuilt every cycle and read-only once loaded.
type Observation struct {
	Cycle    int
	Lon      float64
	Lat      float64
	Depth    float64 // 0 for surface observations
	Variable string
	Value    float64
	ErrStd   float64
}

// LoadError reports a missing or malformed per-cycle record source. It is
// recoverable: the cycle controller may skip assimilation for the cycle under
// the configured fallback policy.
type LoadError struct {
	Cycle int
	Path  string
	Line  int // 0 when the whole file is at fault
	Err   error
}

func (e *LoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("observations for cycle %d (%s:%d): %v", e.Cycle, e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("observations for cycle %d (%s): %v", e.Cycle, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Source supplies the observation set for a cycle. Load honors the context
// deadline; file-backed sources are the only suspension point in a cycle.
type Source interface {
	Load(ctx context.Context, cycle int) ([]Observation, error)
}

// validate enforces the per-record invariants: finite coordinates and value,
// strictly positive finite error. A zero error would divide by zero in
// weighting, so it is rejected here.
func validate(ob Observation) error {
	if math.IsNaN(ob.Lon) || math.IsInf(ob.Lon, 0) || math.IsNaN(ob.Lat) || math.IsInf(ob.Lat, 0) {
		return fmt.Errorf("non-finite location (%g, %g)", ob.Lon, ob.Lat)
	}
	if math.IsNaN(ob.Value) || math.IsInf(ob.Value, 0) {
		return fmt.Errorf("non-finite value %g", ob.Value)
	}
	if math.IsNaN(ob.ErrStd) || math.IsInf(ob.ErrStd, 0) || ob.ErrStd <= 0 {
		return fmt.Errorf("error std must be positive and finite, got %g", ob.ErrStd)
	}
	if ob.Variable == "" {
		return fmt.Errorf("empty variable tag")
	}
	return nil
}
