// Package cycle drives the per-cycle assimilation loop: it pulls forecast
// ensembles, runs weighting, resampling, and noise injection, and commits
// analysis ensembles with their diagnostics.
package cycle

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pthm-cable/sift/assim"
	"github.com/pthm-cable/sift/config"
	"github.com/pthm-cable/sift/obs"
	"github.com/pthm-cable/sift/state"
	"github.com/pthm-cable/sift/telemetry"
)

// FilterContext bundles everything one filter instance needs: grid, layout,
// codec, observation source, parsed policies, seed, logger, and output. It is
// an explicit handle passed to each component, so independent filter
// instances can coexist without shared module state.
type FilterContext struct {
	Cfg      *config.Config
	Grid     *state.Grid
	Layout   *state.Layout
	Codec    *state.Codec
	Source   obs.Source
	Operator assim.Operator

	Policy    assim.Policy
	NoiseMode assim.NoiseMode
	Seed      uint64

	Log    *zap.Logger
	Output *telemetry.OutputManager
}

// NewFilterContext builds a filter context from a validated configuration.
// source may be nil, in which case the configured observation directory is
// used. logger may be nil (no-op logger). output may be nil (output
// disabled).
func NewFilterContext(cfg *config.Config, source obs.Source, logger *zap.Logger, output *telemetry.OutputManager) (*FilterContext, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cycle: nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	grid, err := state.NewGrid(
		cfg.Grid.NLon, cfg.Grid.NLat, cfg.Grid.NDepth,
		cfg.Grid.LonMin, cfg.Grid.LonMax, cfg.Grid.LatMin, cfg.Grid.LatMax,
	)
	if err != nil {
		return nil, err
	}

	specs := make([]state.FieldSpec, len(cfg.Fields))
	for i, f := range cfg.Fields {
		specs[i] = state.FieldSpec{Name: f.Name, Levels: f.Levels}
	}
	layout, err := state.NewLayout(grid, specs)
	if err != nil {
		return nil, err
	}

	policy, err := assim.ParsePolicy(cfg.Filter.Resampling)
	if err != nil {
		return nil, err
	}
	noiseMode, err := assim.ParseNoiseMode(cfg.Noise.Mode)
	if err != nil {
		return nil, err
	}

	if source == nil {
		switch cfg.Obs.Format {
		case "csv":
			cs := obs.NewCSVSource(cfg.Obs.Dir)
			if cfg.Obs.Pattern != "" {
				cs.Pattern = cfg.Obs.Pattern
			}
			source = cs
		default:
			ds := obs.NewDirSource(cfg.Obs.Dir)
			if cfg.Obs.Pattern != "" {
				ds.Pattern = cfg.Obs.Pattern
			}
			source = ds
		}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &FilterContext{
		Cfg:       cfg,
		Grid:      grid,
		Layout:    layout,
		Codec:     state.NewCodec(layout),
		Source:    source,
		Operator:  assim.NearestOperator{Layout: layout},
		Policy:    policy,
		NoiseMode: noiseMode,
		Seed:      uint64(seed),
		Log:       logger,
		Output:    output,
	}, nil
}

// NewEnsemble allocates an ensemble matching the context's configured size
// and state dimension.
func (fc *FilterContext) NewEnsemble() (*state.Ensemble, error) {
	return state.NewEnsemble(fc.Cfg.Ensemble.Size, fc.Layout.Dim())
}
