// Package config provides configuration loading and access for an
// assimilation run. All options are fixed at initialization for the lifetime
// of the run.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all run configuration parameters.
type Config struct {
	Ensemble EnsembleConfig `yaml:"ensemble"`
	Filter   FilterConfig   `yaml:"filter"`
	Noise    NoiseConfig    `yaml:"noise"`
	Grid     GridConfig     `yaml:"grid"`
	Fields   []FieldConfig  `yaml:"fields"`
	Obs      ObsConfig      `yaml:"obs"`
	Output   OutputConfig   `yaml:"output"`
	Seed     int64          `yaml:"seed"` // 0 = time-based

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// EnsembleConfig holds ensemble parameters.
type EnsembleConfig struct {
	Size int `yaml:"size"` // member count N, constant for the whole run
}

// FilterConfig holds filter variant and resampling parameters.
type FilterConfig struct {
	Variant           string  `yaml:"variant"`            // filter variant id, informational
	Resampling        string  `yaml:"resampling"`         // none | multinomial | systematic | residual
	ResampleThreshold float64 `yaml:"resample_threshold"` // resample when ESS < threshold*N; <=0 means always
}

// NoiseConfig holds post-resampling diversity noise parameters.
type NoiseConfig struct {
	Mode      string  `yaml:"mode"`      // none | additive | relative
	Amplitude float64 `yaml:"amplitude"` // noise standard deviation (additive) or fraction (relative)
}

// GridConfig holds the model grid dimensions and bounds.
type GridConfig struct {
	NLon   int     `yaml:"nlon"`
	NLat   int     `yaml:"nlat"`
	NDepth int     `yaml:"ndepth"` // 0 for surface-only runs
	LonMin float64 `yaml:"lon_min"`
	LonMax float64 `yaml:"lon_max"`
	LatMin float64 `yaml:"lat_min"`
	LatMax float64 `yaml:"lat_max"`
}

// FieldConfig declares one state field. Order in the list is packing order.
type FieldConfig struct {
	Name   string `yaml:"name"`
	Levels int    `yaml:"levels"` // <=1 = surface field
}

// ObsConfig holds observation source parameters.
type ObsConfig struct {
	Dir        string  `yaml:"dir"`
	Format     string  `yaml:"format"`      // text | csv
	Pattern    string  `yaml:"pattern"`     // per-cycle file name pattern, "" = format default
	TimeoutSec float64 `yaml:"timeout_sec"` // load deadline; 0 disables
	OnError    string  `yaml:"on_error"`    // skip | abort
}

// OutputConfig holds run output parameters.
type OutputConfig struct {
	Dir string `yaml:"dir"` // "" disables diagnostics output
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	StateDim   int      // sum of per-field grid sizes
	FieldNames []string // declared field order
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.computeDerived()

	return cfg, nil
}

// validate rejects configurations the run could not start with.
func (c *Config) validate() error {
	if c.Ensemble.Size < 1 {
		return fmt.Errorf("config: ensemble size must be positive, got %d", c.Ensemble.Size)
	}
	switch c.Filter.Resampling {
	case "none", "multinomial", "systematic", "residual":
	default:
		return fmt.Errorf("config: unknown resampling policy %q", c.Filter.Resampling)
	}
	switch c.Noise.Mode {
	case "none", "additive", "relative":
	default:
		return fmt.Errorf("config: unknown noise mode %q", c.Noise.Mode)
	}
	if c.Noise.Amplitude < 0 {
		return fmt.Errorf("config: noise amplitude must be non-negative, got %g", c.Noise.Amplitude)
	}
	switch c.Obs.OnError {
	case "skip", "abort":
	default:
		return fmt.Errorf("config: obs.on_error must be skip or abort, got %q", c.Obs.OnError)
	}
	switch c.Obs.Format {
	case "text", "csv":
	default:
		return fmt.Errorf("config: obs.format must be text or csv, got %q", c.Obs.Format)
	}
	if c.Grid.NLon < 1 || c.Grid.NLat < 1 {
		return fmt.Errorf("config: grid must have at least 1 point per axis, got %dx%d", c.Grid.NLon, c.Grid.NLat)
	}
	if len(c.Fields) == 0 {
		return fmt.Errorf("config: at least one field must be declared")
	}
	return nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	surface := c.Grid.NLon * c.Grid.NLat
	dim := 0
	names := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		levels := f.Levels
		if levels <= 1 {
			levels = 1
		}
		dim += levels * surface
		names = append(names, f.Name)
	}
	c.Derived.StateDim = dim
	c.Derived.FieldNames = names
}

// ResampleThreshold returns the ESS trigger as a fraction of N, defaulting
// to 1 (always resample while a resampling policy is active).
func (c *Config) ResampleThreshold() float64 {
	if c.Filter.ResampleThreshold <= 0 || c.Filter.ResampleThreshold > 1 {
		return 1.0
	}
	return c.Filter.ResampleThreshold
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
