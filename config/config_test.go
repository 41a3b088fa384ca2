package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Ensemble.Size != 20 {
		t.Errorf("default ensemble size = %d, want 20", cfg.Ensemble.Size)
	}
	if cfg.Filter.Resampling != "systematic" {
		t.Errorf("default resampling = %q, want systematic", cfg.Filter.Resampling)
	}
	if cfg.Noise.Mode != "additive" {
		t.Errorf("default noise mode = %q, want additive", cfg.Noise.Mode)
	}
	if cfg.Grid.NLon != 72 || cfg.Grid.NLat != 36 {
		t.Errorf("default grid = %dx%d, want 72x36", cfg.Grid.NLon, cfg.Grid.NLat)
	}
	if len(cfg.Fields) != 2 || cfg.Fields[0].Name != "tas" || cfg.Fields[1].Name != "pr" {
		t.Errorf("default fields = %+v, want tas, pr", cfg.Fields)
	}
	if cfg.Obs.OnError != "skip" {
		t.Errorf("default obs.on_error = %q, want skip", cfg.Obs.OnError)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
ensemble:
  size: 50
filter:
  resampling: residual
  resample_threshold: 0.3
seed: 99
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Ensemble.Size != 50 {
		t.Errorf("size = %d, want 50", cfg.Ensemble.Size)
	}
	if cfg.Filter.Resampling != "residual" {
		t.Errorf("resampling = %q, want residual", cfg.Filter.Resampling)
	}
	if cfg.Seed != 99 {
		t.Errorf("seed = %d, want 99", cfg.Seed)
	}
	// Untouched sections keep their defaults.
	if cfg.Grid.NLon != 72 {
		t.Errorf("grid.nlon = %d, want default 72", cfg.Grid.NLon)
	}
	if cfg.Noise.Amplitude == 0 {
		t.Error("noise amplitude lost its default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load accepted a missing file")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"zero ensemble", "ensemble:\n  size: 0\n", "ensemble size"},
		{"bad policy", "filter:\n  resampling: bogus\n", "resampling policy"},
		{"bad noise mode", "noise:\n  mode: laplace\n", "noise mode"},
		{"negative amplitude", "noise:\n  amplitude: -0.1\n", "amplitude"},
		{"bad on_error", "obs:\n  on_error: retry\n", "on_error"},
		{"bad format", "obs:\n  format: netcdf\n", "format"},
		{"empty grid", "grid:\n  nlon: 0\n", "grid"},
		{"no fields", "fields: []\n", "field"},
		{"not yaml", "{{{\n", "parsing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("Load accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestComputeDerived(t *testing.T) {
	path := writeConfig(t, `
grid:
  nlon: 10
  nlat: 5
fields:
  - name: tas
  - name: ocean_temp
    levels: 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// 10*5 surface + 3 levels of 10*5.
	if cfg.Derived.StateDim != 200 {
		t.Errorf("StateDim = %d, want 200", cfg.Derived.StateDim)
	}
	if len(cfg.Derived.FieldNames) != 2 || cfg.Derived.FieldNames[1] != "ocean_temp" {
		t.Errorf("FieldNames = %v", cfg.Derived.FieldNames)
	}
}

func TestResampleThreshold(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"in range", 0.5, 0.5},
		{"zero means always", 0, 1.0},
		{"negative means always", -1, 1.0},
		{"above one clamps", 1.5, 1.0},
		{"exactly one", 1.0, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Filter: FilterConfig{ResampleThreshold: tt.in}}
			if got := cfg.ResampleThreshold(); got != tt.want {
				t.Errorf("ResampleThreshold() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Ensemble.Size = 33
	cfg.Seed = 777

	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	if err := cfg.WriteYAML(path); err != nil {
		t.Fatalf("WriteYAML: %v", err)
	}

	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load round trip: %v", err)
	}
	if back.Ensemble.Size != 33 || back.Seed != 777 {
		t.Errorf("round trip lost values: size=%d seed=%d", back.Ensemble.Size, back.Seed)
	}
	if back.Filter.Resampling != cfg.Filter.Resampling {
		t.Errorf("resampling = %q, want %q", back.Filter.Resampling, cfg.Filter.Resampling)
	}
}
