package state

import (
	"fmt"
)

// Vector is one ensemble member's flattened model state.
type Vector []float64

// Clone returns an independent copy of the vector.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// FieldSpec declares one model field within the state layout.
// Levels <= 1 means a surface (2D) field; Levels > 1 means a 3D field with
// that many vertical levels.
type FieldSpec struct {
	Name   string
	Levels int
}

// levelCount normalizes Levels so surface fields occupy exactly one level.
func (s FieldSpec) levelCount() int {
	if s.Levels <= 1 {
		return 1
	}
	return s.Levels
}

// ShapeMismatchError reports a state/grid layout inconsistency: a field with
// the wrong size, a missing or unknown field, or a vector whose length does
// not match the configured state dimension.
type ShapeMismatchError struct {
	Field  string // empty when the whole vector is at fault
	Want   int
	Got    int
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("shape mismatch for field %q: %s (want %d, got %d)", e.Field, e.Reason, e.Want, e.Got)
	}
	return fmt.Sprintf("shape mismatch: %s (want %d, got %d)", e.Reason, e.Want, e.Got)
}

// Layout maps declared fields onto contiguous sub-ranges of the state vector.
// The field order is fixed at construction and determines packing order.
type Layout struct {
	grid    *Grid
	specs   []FieldSpec
	offsets []int
	sizes   []int
	byName  map[string]int
	dim     int
}

// NewLayout builds a layout over the given grid with the declared field order.
func NewLayout(grid *Grid, specs []FieldSpec) (*Layout, error) {
	if grid == nil {
		return nil, fmt.Errorf("layout: nil grid")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("layout: no fields declared")
	}

	l := &Layout{
		grid:    grid,
		specs:   make([]FieldSpec, len(specs)),
		offsets: make([]int, len(specs)),
		sizes:   make([]int, len(specs)),
		byName:  make(map[string]int, len(specs)),
	}
	copy(l.specs, specs)

	off := 0
	for k, spec := range l.specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("layout: field %d has empty name", k)
		}
		if _, dup := l.byName[spec.Name]; dup {
			return nil, fmt.Errorf("layout: duplicate field %q", spec.Name)
		}
		levels := spec.levelCount()
		if levels > 1 && grid.NDepth > 0 && levels > grid.NDepth {
			return nil, fmt.Errorf("layout: field %q declares %d levels but grid has %d", spec.Name, levels, grid.NDepth)
		}
		size := levels * grid.SurfaceSize()
		l.byName[spec.Name] = k
		l.offsets[k] = off
		l.sizes[k] = size
		off += size
	}
	l.dim = off
	return l, nil
}

// Grid returns the layout's grid.
func (l *Layout) Grid() *Grid { return l.grid }

// Dim is the total state vector length.
func (l *Layout) Dim() int { return l.dim }

// Fields returns the declared field names in packing order.
func (l *Layout) Fields() []string {
	names := make([]string, len(l.specs))
	for k, s := range l.specs {
		names[k] = s.Name
	}
	return names
}

// Range returns the [start, start+length) sub-range of the state vector
// holding the named field.
func (l *Layout) Range(name string) (start, length int, ok bool) {
	k, ok := l.byName[name]
	if !ok {
		return 0, 0, false
	}
	return l.offsets[k], l.sizes[k], true
}

// At returns the vector offset of the given field at (level, j, i), where j
// is the latitude row and i the longitude column. Within a field, values are
// ordered level-major, then row-major: offset = ((level*NLat)+j)*NLon + i.
func (l *Layout) At(name string, level, j, i int) (int, error) {
	k, ok := l.byName[name]
	if !ok {
		return 0, &ShapeMismatchError{Field: name, Reason: "unknown field"}
	}
	levels := l.specs[k].levelCount()
	if level < 0 || level >= levels {
		return 0, &ShapeMismatchError{Field: name, Want: levels, Got: level, Reason: "level out of range"}
	}
	if j < 0 || j >= l.grid.NLat || i < 0 || i >= l.grid.NLon {
		return 0, &ShapeMismatchError{Field: name, Want: l.grid.SurfaceSize(), Got: j*l.grid.NLon + i, Reason: "grid index out of range"}
	}
	return l.offsets[k] + ((level*l.grid.NLat)+j)*l.grid.NLon + i, nil
}

// Codec packs named fields into a state vector and back. Pack and Unpack are
// exact inverses for any field set matching the layout.
type Codec struct {
	layout *Layout
}

// NewCodec returns a codec over the given layout.
func NewCodec(layout *Layout) *Codec {
	return &Codec{layout: layout}
}

// Layout returns the codec's layout.
func (c *Codec) Layout() *Layout { return c.layout }

// Pack concatenates the fields in declared order into a single state vector.
// Every declared field must be present with exactly its layout size; unknown
// fields are rejected.
func (c *Codec) Pack(fields map[string][]float64) (Vector, error) {
	for name := range fields {
		if _, ok := c.layout.byName[name]; !ok {
			return nil, &ShapeMismatchError{Field: name, Reason: "field not in layout"}
		}
	}

	vec := make(Vector, c.layout.dim)
	for k, spec := range c.layout.specs {
		values, ok := fields[spec.Name]
		if !ok {
			return nil, &ShapeMismatchError{Field: spec.Name, Want: c.layout.sizes[k], Got: 0, Reason: "field missing"}
		}
		if len(values) != c.layout.sizes[k] {
			return nil, &ShapeMismatchError{Field: spec.Name, Want: c.layout.sizes[k], Got: len(values), Reason: "wrong field size"}
		}
		copy(vec[c.layout.offsets[k]:], values)
	}
	return vec, nil
}

// Unpack splits a state vector back into per-field slices. The returned
// slices are copies; mutating them does not touch the vector.
func (c *Codec) Unpack(vec Vector) (map[string][]float64, error) {
	if len(vec) != c.layout.dim {
		return nil, &ShapeMismatchError{Want: c.layout.dim, Got: len(vec), Reason: "wrong state vector length"}
	}

	fields := make(map[string][]float64, len(c.layout.specs))
	for k, spec := range c.layout.specs {
		off, size := c.layout.offsets[k], c.layout.sizes[k]
		values := make([]float64, size)
		copy(values, vec[off:off+size])
		fields[spec.Name] = values
	}
	return fields, nil
}
