package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/sift/telemetry"
)

var evalCmd = &cobra.Command{
	Use:   "eval <run-dir> [run-dir...]",
	Short: "Summarize diagnostics from one or more runs",
	Long: `Reads diagnostics.csv from each run directory and prints mean and final
RMS error, mean ESS, and the fraction of cycles that collapsed to a single
effective member.`,
	Args: cobra.MinimumNArgs(1),
	RunE: evaluateRuns,
}

// runSummary aggregates one run's diagnostics log.
type runSummary struct {
	Dir          string
	Cycles       int
	Assimilated  int
	MeanRMSAfter float64
	LastRMSAfter float64
	MeanESS      float64
	Collapsed    float64 // fraction of assimilated cycles with ESS < collapseESS
}

// collapseESS is the threshold below which a cycle counts as degenerate.
const collapseESS = 1.5

func evaluateRuns(cmd *cobra.Command, args []string) error {
	summaries := make([]runSummary, len(args))

	var mu sync.Mutex
	g := new(errgroup.Group)
	for i, dir := range args {
		g.Go(func() error {
			s, err := summarizeRun(dir)
			if err != nil {
				return err
			}
			mu.Lock()
			summaries[i] = s
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Dir < summaries[j].Dir })

	fmt.Printf("%-30s %7s %7s %12s %12s %8s %10s\n",
		"run", "cycles", "assim", "mean_rms", "final_rms", "mean_ess", "collapsed")
	for _, s := range summaries {
		fmt.Printf("%-30s %7d %7d %12.4f %12.4f %8.2f %9.1f%%\n",
			s.Dir, s.Cycles, s.Assimilated, s.MeanRMSAfter, s.LastRMSAfter, s.MeanESS, 100*s.Collapsed)
	}
	return nil
}

func summarizeRun(dir string) (runSummary, error) {
	path := filepath.Join(dir, telemetry.DiagnosticsFile)
	f, err := os.Open(path)
	if err != nil {
		return runSummary{}, fmt.Errorf("reading %s: %w", path, err)
	}
	defer f.Close()

	var records []telemetry.CycleDiagnostics
	if err := gocsv.UnmarshalFile(f, &records); err != nil {
		return runSummary{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	s := runSummary{Dir: dir, Cycles: len(records)}

	var rms, ess []float64
	collapsed := 0
	for _, rec := range records {
		if !rec.Assimilated {
			continue
		}
		s.Assimilated++
		if !math.IsNaN(rec.RMSAfter) {
			rms = append(rms, rec.RMSAfter)
			s.LastRMSAfter = rec.RMSAfter
		}
		if !math.IsNaN(rec.ESS) {
			ess = append(ess, rec.ESS)
			if rec.ESS < collapseESS {
				collapsed++
			}
		}
	}

	if len(rms) > 0 {
		s.MeanRMSAfter = stat.Mean(rms, nil)
	}
	if len(ess) > 0 {
		s.MeanESS = stat.Mean(ess, nil)
		s.Collapsed = float64(collapsed) / float64(len(ess))
	}
	return s, nil
}
