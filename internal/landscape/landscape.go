// Package landscape holds the minima and transition states of an energy landscape
// and the database that deduplicates them.
package landscape

import (
	"math"
	"slices"

	"github.com/hpungsan/landscape/internal/errors"
)

// Coords is a fixed-length coordinate vector. Stored vectors are never modified.
type Coords []float64

// Clone returns a copy of c.
func (c Coords) Clone() Coords {
	return slices.Clone(c)
}

// Minimum is a locally optimal point of the landscape (a node of the connectivity graph).
type Minimum struct {
	// ID is assigned from 1 upward and never reused
	ID int64 `json:"id"`

	Energy float64 `json:"energy"`
	Coords Coords  `json:"coords"`

	// Tag is an optional symmetry or equivalence label
	Tag string `json:"tag,omitempty"`

	// Hits counts how many times the structure was reported. It is the only
	// field that changes after insert.
	Hits int `json:"hits"`

	// CreatedAt is the Unix timestamp of the first report
	CreatedAt int64 `json:"created_at"`
}

// TransitionState is a saddle point joining two minima (an edge of the connectivity graph).
type TransitionState struct {
	ID     int64   `json:"id"`
	Energy float64 `json:"energy"`
	Coords Coords  `json:"coords"`

	// Min1 and Min2 are the minima reached by steepest descent from the saddle.
	Min1 int64 `json:"min1"`
	Min2 int64 `json:"min2"`

	CreatedAt int64 `json:"created_at"`
}

func (m Minimum) clone() Minimum {
	m.Coords = m.Coords.Clone()
	return m
}

func (ts TransitionState) clone() TransitionState {
	ts.Coords = ts.Coords.Clone()
	return ts
}

// Snapshot is a copy of both collections taken under one lock.
type Snapshot struct {
	Minima           []Minimum
	TransitionStates []TransitionState
}

// ValidateEnergy rejects NaN and infinite energies.
func ValidateEnergy(energy float64) error {
	if math.IsNaN(energy) || math.IsInf(energy, 0) {
		return errors.NewInvalidInput("energy must be a finite number")
	}
	return nil
}

// ValidateCoords rejects empty vectors, non-finite values and vectors whose length
// differs from dim. A dim of 0 accepts any non-empty length.
func ValidateCoords(coords Coords, dim int) error {
	if len(coords) == 0 {
		return errors.NewInvalidInput("coordinate vector is empty")
	}
	if dim > 0 && len(coords) != dim {
		return errors.NewDimensionMismatch(dim, len(coords))
	}
	for i, v := range coords {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			e := errors.NewInvalidInput("coordinate vector contains a non-finite value")
			e.Details = map[string]any{"index": i}
			return e
		}
	}
	return nil
}
