package state

import "fmt"

// Member is one particle: an ID stable within a cycle, its flattened state,
// and its current importance weight.
type Member struct {
	ID     int
	State  Vector
	Weight float64
}

// Ensemble is a fixed-size collection of members. The size is set at filter
// initialization and never changes for the lifetime of a run.
type Ensemble struct {
	Members []Member
	dim     int
}

// NewEnsemble allocates an ensemble of n members with zeroed states of the
// given dimension and uniform weights.
func NewEnsemble(n, dim int) (*Ensemble, error) {
	if n < 1 {
		return nil, fmt.Errorf("ensemble: size must be positive, got %d", n)
	}
	if dim < 1 {
		return nil, fmt.Errorf("ensemble: state dimension must be positive, got %d", dim)
	}
	e := &Ensemble{
		Members: make([]Member, n),
		dim:     dim,
	}
	for i := range e.Members {
		e.Members[i] = Member{
			ID:     i,
			State:  make(Vector, dim),
			Weight: 1.0 / float64(n),
		}
	}
	return e, nil
}

// Size returns the member count N.
func (e *Ensemble) Size() int { return len(e.Members) }

// Dim returns the state vector length shared by every member.
func (e *Ensemble) Dim() int { return e.dim }

// Clone returns a deep copy. Used to keep the last committed analysis intact
// while the next cycle mutates a fresh ensemble.
func (e *Ensemble) Clone() *Ensemble {
	out := &Ensemble{
		Members: make([]Member, len(e.Members)),
		dim:     e.dim,
	}
	for i, m := range e.Members {
		out.Members[i] = Member{ID: m.ID, State: m.State.Clone(), Weight: m.Weight}
	}
	return out
}

// Validate checks the run invariants: every member state has the configured
// dimension. Returns a ShapeMismatchError on the first violation.
func (e *Ensemble) Validate() error {
	for i := range e.Members {
		if len(e.Members[i].State) != e.dim {
			return &ShapeMismatchError{
				Want:   e.dim,
				Got:    len(e.Members[i].State),
				Reason: fmt.Sprintf("member %d state vector length", i),
			}
		}
	}
	return nil
}
