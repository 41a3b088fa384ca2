package obs

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
)

// DefaultTextPattern is the per-cycle text file name convention:
// whitespace-separated records, one observation per line.
const DefaultTextPattern = "pdaf_obs_year_%04d.txt"

// DefaultCSVPattern is the per-cycle CSV file name convention.
const DefaultCSVPattern = "observations_year_%04d.csv"

// DirSource reads per-cycle text observation files from a directory.
// Each record is "year lon lat variable value error"; blank lines and lines
// starting with '#' are skipped.
type DirSource struct {
	Dir     string
	Pattern string // file name pattern with one %d verb for the cycle index
}

// NewDirSource returns a text source over dir using DefaultTextPattern.
func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir, Pattern: DefaultTextPattern}
}

// Load reads and validates the observation set for the given cycle.
func (s *DirSource) Load(ctx context.Context, cycle int) ([]Observation, error) {
	path := filepath.Join(s.Dir, fmt.Sprintf(s.Pattern, cycle))

	if err := ctx.Err(); err != nil {
		return nil, &LoadError{Cycle: cycle, Path: path, Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Cycle: cycle, Path: path, Err: err}
	}
	defer f.Close()

	var observations []Observation
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return nil, &LoadError{Cycle: cycle, Path: path, Line: lineNo, Err: err}
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ob, err := parseRecord(line)
		if err != nil {
			return nil, &LoadError{Cycle: cycle, Path: path, Line: lineNo, Err: err}
		}
		if err := validate(ob); err != nil {
			return nil, &LoadError{Cycle: cycle, Path: path, Line: lineNo, Err: err}
		}
		observations = append(observations, ob)
	}
	if err := scanner.Err(); err != nil {
		return nil, &LoadError{Cycle: cycle, Path: path, Err: err}
	}
	if len(observations) == 0 {
		return nil, &LoadError{Cycle: cycle, Path: path, Err: fmt.Errorf("no observation records")}
	}
	return observations, nil
}

// parseRecord parses one "year lon lat variable value error" line.
func parseRecord(line string) (Observation, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return Observation{}, fmt.Errorf("want 6 fields, got %d", len(fields))
	}

	year, err := strconv.Atoi(fields[0])
	if err != nil {
		return Observation{}, fmt.Errorf("bad year %q: %w", fields[0], err)
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Observation{}, fmt.Errorf("bad lon %q: %w", fields[1], err)
	}
	lat, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Observation{}, fmt.Errorf("bad lat %q: %w", fields[2], err)
	}
	value, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return Observation{}, fmt.Errorf("bad value %q: %w", fields[4], err)
	}
	errStd, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return Observation{}, fmt.Errorf("bad error %q: %w", fields[5], err)
	}

	return Observation{
		Cycle:    year,
		Lon:      lon,
		Lat:      lat,
		Variable: fields[3],
		Value:    value,
		ErrStd:   errStd,
	}, nil
}

// CSVRecord is the detailed CSV observation row. TrueValue is carried for
// OSSE evaluation only; the filter never sees it.
type CSVRecord struct {
	Year          int     `csv:"year"`
	Lon           float64 `csv:"lon"`
	Lat           float64 `csv:"lat"`
	Variable      string  `csv:"variable"`
	TrueValue     float64 `csv:"true_value"`
	ObservedValue float64 `csv:"observed_value"`
	Error         float64 `csv:"error"`
}

// CSVSource reads per-cycle CSV observation files from a directory.
type CSVSource struct {
	Dir     string
	Pattern string
}

// NewCSVSource returns a CSV source over dir using DefaultCSVPattern.
func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{Dir: dir, Pattern: DefaultCSVPattern}
}

// Load reads and validates the CSV observation set for the given cycle.
func (s *CSVSource) Load(ctx context.Context, cycle int) ([]Observation, error) {
	path := filepath.Join(s.Dir, fmt.Sprintf(s.Pattern, cycle))

	if err := ctx.Err(); err != nil {
		return nil, &LoadError{Cycle: cycle, Path: path, Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Cycle: cycle, Path: path, Err: err}
	}
	defer f.Close()

	var records []CSVRecord
	if err := gocsv.UnmarshalFile(f, &records); err != nil {
		return nil, &LoadError{Cycle: cycle, Path: path, Err: err}
	}
	if len(records) == 0 {
		return nil, &LoadError{Cycle: cycle, Path: path, Err: fmt.Errorf("no observation records")}
	}

	observations := make([]Observation, 0, len(records))
	for i, rec := range records {
		ob := Observation{
			Cycle:    rec.Year,
			Lon:      rec.Lon,
			Lat:      rec.Lat,
			Variable: rec.Variable,
			Value:    rec.ObservedValue,
			ErrStd:   rec.Error,
		}
		if err := validate(ob); err != nil {
			return nil, &LoadError{Cycle: cycle, Path: path, Line: i + 2, Err: err}
		}
		observations = append(observations, ob)
	}
	return observations, nil
}
