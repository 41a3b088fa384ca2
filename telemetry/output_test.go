package telemetry

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gocarina/gocsv"
)

func testRecord(cycle int, ess float64) CycleDiagnostics {
	return CycleDiagnostics{
		Cycle:         cycle,
		ESS:           ess,
		RMSBefore:     2.5,
		RMSAfter:      0.8,
		Resampled:     true,
		UniqueMembers: 3,
		Assimilated:   true,
		PerVariable: []VariableRMS{
			{Variable: "tas", Before: 2.5, After: 0.8},
			{Variable: "pr", Before: 0.4, After: 0.2},
		},
	}
}

func TestNilManagerDiscardsEverything(t *testing.T) {
	var om *OutputManager
	if err := om.WriteDiagnostics(testRecord(0, 10)); err != nil {
		t.Errorf("WriteDiagnostics on nil: %v", err)
	}
	if err := om.WriteMetadata(42, 20); err != nil {
		t.Errorf("WriteMetadata on nil: %v", err)
	}
	if err := om.WriteFinal([]string{"tas"}); err != nil {
		t.Errorf("WriteFinal on nil: %v", err)
	}
	if err := om.Close(); err != nil {
		t.Errorf("Close on nil: %v", err)
	}
	if om.Dir() != "" || om.RunID() != "" {
		t.Error("nil manager reported a dir or run id")
	}
}

func TestNewOutputManagerEmptyDirDisablesOutput(t *testing.T) {
	om, err := NewOutputManager("")
	if err != nil {
		t.Fatalf("NewOutputManager: %v", err)
	}
	if om != nil {
		t.Error("empty dir should return a nil manager")
	}
}

func TestWriteDiagnosticsHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	om, err := NewOutputManager(dir)
	if err != nil {
		t.Fatalf("NewOutputManager: %v", err)
	}
	defer om.Close()

	for c := 0; c < 3; c++ {
		if err := om.WriteDiagnostics(testRecord(c, 12.5)); err != nil {
			t.Fatalf("WriteDiagnostics cycle %d: %v", c, err)
		}
	}
	if err := om.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, DiagnosticsFile))
	if err != nil {
		t.Fatalf("reading diagnostics: %v", err)
	}
	content := string(data)
	if got := strings.Count(content, "cycle,"); got != 1 {
		t.Errorf("header appears %d times, want 1:\n%s", got, content)
	}
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) != 4 {
		t.Errorf("got %d lines, want header + 3 records:\n%s", len(lines), content)
	}
}

func TestDiagnosticsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	om, err := NewOutputManager(dir)
	if err != nil {
		t.Fatalf("NewOutputManager: %v", err)
	}

	want := []CycleDiagnostics{testRecord(0, 20), testRecord(1, 1.0)}
	want[1].Resampled = false
	want[1].Assimilated = false
	for _, rec := range want {
		if err := om.WriteDiagnostics(rec); err != nil {
			t.Fatalf("WriteDiagnostics: %v", err)
		}
	}
	if err := om.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, DiagnosticsFile))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var got []CycleDiagnostics
	if err := gocsv.UnmarshalFile(f, &got); err != nil {
		t.Fatalf("UnmarshalFile: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Cycle != want[i].Cycle || got[i].ESS != want[i].ESS ||
			got[i].Resampled != want[i].Resampled || got[i].Assimilated != want[i].Assimilated ||
			got[i].UniqueMembers != want[i].UniqueMembers {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestWriteFinalTable(t *testing.T) {
	dir := t.TempDir()
	om, err := NewOutputManager(dir)
	if err != nil {
		t.Fatalf("NewOutputManager: %v", err)
	}
	defer om.Close()

	for c := 0; c < 2; c++ {
		if err := om.WriteDiagnostics(testRecord(c, 14.25)); err != nil {
			t.Fatalf("WriteDiagnostics: %v", err)
		}
	}
	if err := om.WriteFinal([]string{"tas", "pr"}); err != nil {
		t.Fatalf("WriteFinal: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FinalDiagnosticsFile))
	if err != nil {
		t.Fatalf("reading final diagnostics: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "Year  RMS_TAS  RMS_PR  ESS") {
		t.Errorf("missing table header:\n%s", content)
	}
	if !strings.Contains(content, "Cycles: 2") {
		t.Errorf("missing cycle count:\n%s", content)
	}
	// Per-variable after-analysis RMS, cycle index, ESS all present per row.
	if !strings.Contains(content, "0.8000") || !strings.Contains(content, "0.2000") {
		t.Errorf("missing per-variable RMS values:\n%s", content)
	}
	if !strings.Contains(content, "14.25") {
		t.Errorf("missing ESS value:\n%s", content)
	}
	if !strings.Contains(content, om.RunID()) {
		t.Errorf("missing run id:\n%s", content)
	}
}

func TestWriteMetadata(t *testing.T) {
	dir := t.TempDir()
	om, err := NewOutputManager(dir)
	if err != nil {
		t.Fatalf("NewOutputManager: %v", err)
	}
	defer om.Close()

	if err := om.WriteMetadata(1234, 20); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "run.txt"))
	if err != nil {
		t.Fatalf("reading run.txt: %v", err)
	}
	content := string(data)
	for _, want := range []string{"seed: 1234", "ensemble_size: 20", "run_id: " + om.RunID()} {
		if !strings.Contains(content, want) {
			t.Errorf("run.txt missing %q:\n%s", want, content)
		}
	}
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name      string
		residuals []float64
		want      float64
	}{
		{"empty is nan", nil, math.NaN()},
		{"single", []float64{-3}, 3},
		{"mixed signs", []float64{3, -4}, math.Sqrt(12.5)},
		{"zeros", []float64{0, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RMS(tt.residuals)
			if math.IsNaN(tt.want) {
				if !math.IsNaN(got) {
					t.Errorf("RMS = %v, want NaN", got)
				}
				return
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("RMS = %v, want %v", got, tt.want)
			}
		})
	}
}
