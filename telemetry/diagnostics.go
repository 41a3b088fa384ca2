// Package telemetry records per-cycle assimilation diagnostics and writes
// them to the run's output directory.
package telemetry

import "math"

// VariableRMS holds the root-mean-square innovation for one observed
// variable, before and after analysis.
type VariableRMS struct {
	Variable string
	Before   float64
	After    float64
}

// CycleDiagnostics is one record of the append-only per-cycle log.
type CycleDiagnostics struct {
	Cycle         int     `csv:"cycle"`
	ESS           float64 `csv:"ess"`
	RMSBefore     float64 `csv:"rms_before"`
	RMSAfter      float64 `csv:"rms_after"`
	Resampled     bool    `csv:"resampled"`
	UniqueMembers int     `csv:"unique_members"`
	Assimilated   bool    `csv:"assimilated"`

	// PerVariable breaks the RMS down by observed variable. It feeds the
	// final text table and is not flattened into the CSV row.
	PerVariable []VariableRMS `csv:"-"`
}

// RMS returns sqrt(mean(residual^2)), or NaN for an empty residual set.
func RMS(residuals []float64) float64 {
	if len(residuals) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, r := range residuals {
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(residuals)))
}
