// Package state implements the gridded model state: the lon/lat mesh, the
// declared field layout, and the codec that flattens fields into the state
// vector and back.
package state

import (
	"fmt"
	"math"
)

// Grid is a regular lon/lat mesh with an optional depth axis.
// Axis values are cell centers, evenly spaced across the configured bounds.
type Grid struct {
	NLon, NLat int
	NDepth     int // 0 for surface-only grids

	LonMin, LonMax float64
	LatMin, LatMax float64

	lons []float64
	lats []float64
}

// NewGrid builds a regular grid. Longitude bounds are in degrees east,
// latitude bounds in degrees north.
func NewGrid(nlon, nlat, ndepth int, lonMin, lonMax, latMin, latMax float64) (*Grid, error) {
	if nlon < 1 || nlat < 1 {
		return nil, fmt.Errorf("grid: need at least 1 point per horizontal axis, got %dx%d", nlon, nlat)
	}
	if ndepth < 0 {
		return nil, fmt.Errorf("grid: negative depth count %d", ndepth)
	}
	if lonMax <= lonMin || latMax <= latMin {
		return nil, fmt.Errorf("grid: degenerate bounds lon [%g,%g] lat [%g,%g]", lonMin, lonMax, latMin, latMax)
	}

	g := &Grid{
		NLon: nlon, NLat: nlat, NDepth: ndepth,
		LonMin: lonMin, LonMax: lonMax,
		LatMin: latMin, LatMax: latMax,
		lons: make([]float64, nlon),
		lats: make([]float64, nlat),
	}
	for i := range g.lons {
		g.lons[i] = axisValue(lonMin, lonMax, nlon, i)
	}
	for j := range g.lats {
		g.lats[j] = axisValue(latMin, latMax, nlat, j)
	}
	return g, nil
}

// axisValue returns the center of cell i on an axis divided into n cells.
func axisValue(min, max float64, n, i int) float64 {
	if n == 1 {
		return (min + max) / 2
	}
	step := (max - min) / float64(n)
	return min + (float64(i)+0.5)*step
}

// SurfaceSize is the number of horizontal grid points.
func (g *Grid) SurfaceSize() int { return g.NLon * g.NLat }

// Lon returns the longitude of column i.
func (g *Grid) Lon(i int) float64 { return g.lons[i] }

// Lat returns the latitude of row j.
func (g *Grid) Lat(j int) float64 { return g.lats[j] }

// NearestIndex returns the (i, j) grid indices closest to the given
// coordinates. Negative longitudes are wrapped into [0, 360) before the
// lookup, so observation files using [-180, 180] conventions map onto
// [0, 360) grids.
func (g *Grid) NearestIndex(lon, lat float64) (i, j int) {
	if lon < 0 {
		lon += 360.0
	}
	i = nearest(g.lons, lon)
	j = nearest(g.lats, lat)
	return i, j
}

// nearest returns the index of the axis value closest to x.
func nearest(axis []float64, x float64) int {
	best := 0
	bestDist := math.Abs(axis[0] - x)
	for k := 1; k < len(axis); k++ {
		if d := math.Abs(axis[k] - x); d < bestDist {
			best = k
			bestDist = d
		}
	}
	return best
}
