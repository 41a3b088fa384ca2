package telemetry

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
)

// DiagnosticsFile is the per-cycle CSV log file name.
const DiagnosticsFile = "diagnostics.csv"

// FinalDiagnosticsFile is the plain-text summary table written at run end.
const FinalDiagnosticsFile = "final_diagnostics.txt"

// OutputManager handles structured run output: the per-cycle diagnostics CSV
// and the final text summary. A nil manager is valid and discards everything
// (output disabled).
type OutputManager struct {
	dir   string
	runID string

	diagFile      *os.File
	headerWritten bool

	// Records retained for the final summary table.
	records []CycleDiagnostics
}

// NewOutputManager creates the output directory and opens the diagnostics
// log. Returns nil if dir is empty.
func NewOutputManager(dir string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, DiagnosticsFile))
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", DiagnosticsFile, err)
	}

	return &OutputManager{dir: dir, runID: uuid.NewString(), diagFile: f}, nil
}

// Dir returns the output directory, or "" when output is disabled.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// RunID returns the unique identifier stamped on this run's output.
func (om *OutputManager) RunID() string {
	if om == nil {
		return ""
	}
	return om.runID
}

// WriteDiagnostics appends one cycle record to diagnostics.csv. The record is
// also retained in memory for the final summary. Once this returns, the cycle
// is committed.
func (om *OutputManager) WriteDiagnostics(d CycleDiagnostics) error {
	if om == nil {
		return nil
	}

	records := []CycleDiagnostics{d}
	if !om.headerWritten {
		if err := gocsv.Marshal(records, om.diagFile); err != nil {
			return fmt.Errorf("writing diagnostics: %w", err)
		}
		om.headerWritten = true
	} else {
		if err := gocsv.MarshalWithoutHeaders(records, om.diagFile); err != nil {
			return fmt.Errorf("writing diagnostics: %w", err)
		}
	}

	om.records = append(om.records, d)
	return nil
}

// WriteMetadata saves the run identity and seed alongside the diagnostics.
func (om *OutputManager) WriteMetadata(seed int64, ensembleSize int) error {
	if om == nil {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "run_id: %s\n", om.runID)
	fmt.Fprintf(&b, "seed: %d\n", seed)
	fmt.Fprintf(&b, "ensemble_size: %d\n", ensembleSize)
	fmt.Fprintf(&b, "started: %s\n", time.Now().Format(time.RFC3339))
	return os.WriteFile(filepath.Join(om.dir, "run.txt"), []byte(b.String()), 0644)
}

// WriteFinal writes the final_diagnostics.txt summary table. Columns follow
// the declared variable order: one RMS column per variable, then ESS.
func (om *OutputManager) WriteFinal(variables []string) error {
	if om == nil {
		return nil
	}

	var b strings.Builder
	b.WriteString("Assimilation run diagnostics\n")
	fmt.Fprintf(&b, "Run: %s\n", om.runID)
	fmt.Fprintf(&b, "Cycles: %d\n\n", len(om.records))

	b.WriteString("Year")
	for _, v := range variables {
		fmt.Fprintf(&b, "  RMS_%s", strings.ToUpper(v))
	}
	b.WriteString("  ESS\n")
	b.WriteString(strings.Repeat("-", 4+9*len(variables)+6) + "\n")

	for _, rec := range om.records {
		fmt.Fprintf(&b, "%4d", rec.Cycle)
		for _, v := range variables {
			fmt.Fprintf(&b, "  %8.4f", variableRMSAfter(rec, v))
		}
		fmt.Fprintf(&b, "  %6.2f\n", rec.ESS)
	}

	return os.WriteFile(filepath.Join(om.dir, FinalDiagnosticsFile), []byte(b.String()), 0644)
}

// variableRMSAfter looks up the post-analysis RMS for one variable.
func variableRMSAfter(rec CycleDiagnostics, variable string) float64 {
	for _, vr := range rec.PerVariable {
		if vr.Variable == variable {
			return vr.After
		}
	}
	return math.NaN()
}

// Close flushes and closes the diagnostics log.
func (om *OutputManager) Close() error {
	if om == nil || om.diagFile == nil {
		return nil
	}
	err := om.diagFile.Close()
	om.diagFile = nil
	return err
}
