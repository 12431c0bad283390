package ops

import "github.com/hpungsan/landscape/internal/landscape"

// Record kinds in a JSONL checkpoint.
const (
	KindMinimum         = "minimum"
	KindTransitionState = "transition_state"
)

// SchemaVersion is written into every checkpoint header.
const SchemaVersion = "1.0"

// Parquet file names inside a .parquet checkpoint directory.
const (
	minimaFile           = "minima.parquet"
	transitionStatesFile = "transition_states.parquet"
)

// ExportHeader is the first line of a JSONL checkpoint.
type ExportHeader struct {
	LandscapeExport  bool   `json:"_landscape_export"`
	SchemaVersion    string `json:"schema_version"`
	ExportedAt       int64  `json:"exported_at"`
	Dimension        int    `json:"dimension,omitempty"`
	Minima           int    `json:"minima"`
	TransitionStates int    `json:"transition_states"`
}

// ExportRecord is one JSONL line after the header. Min1 and Min2 refer to the
// ids of minimum records in the same file.
type ExportRecord struct {
	// LandscapeExport is only set on the header line.
	LandscapeExport bool `json:"_landscape_export,omitempty"`

	Kind      string           `json:"kind"`
	ID        int64            `json:"id"`
	Energy    float64          `json:"energy"`
	Coords    landscape.Coords `json:"coords"`
	Tag       string           `json:"tag,omitempty"`
	Hits      int              `json:"hits,omitempty"`
	Min1      int64            `json:"min1,omitempty"`
	Min2      int64            `json:"min2,omitempty"`
	CreatedAt int64            `json:"created_at"`
}

func minimumRecord(m landscape.Minimum) ExportRecord {
	return ExportRecord{
		Kind:      KindMinimum,
		ID:        m.ID,
		Energy:    m.Energy,
		Coords:    m.Coords,
		Tag:       m.Tag,
		Hits:      m.Hits,
		CreatedAt: m.CreatedAt,
	}
}

func transitionStateRecord(ts landscape.TransitionState) ExportRecord {
	return ExportRecord{
		Kind:      KindTransitionState,
		ID:        ts.ID,
		Energy:    ts.Energy,
		Coords:    ts.Coords,
		Min1:      ts.Min1,
		Min2:      ts.Min2,
		CreatedAt: ts.CreatedAt,
	}
}

type minimumRow struct {
	ID        int64     `parquet:"id"`
	Energy    float64   `parquet:"energy"`
	Coords    []float64 `parquet:"coords"`
	Tag       string    `parquet:"tag"`
	Hits      int64     `parquet:"hits"`
	CreatedAt int64     `parquet:"created_at"`
}

type transitionStateRow struct {
	ID        int64     `parquet:"id"`
	Energy    float64   `parquet:"energy"`
	Coords    []float64 `parquet:"coords"`
	Min1      int64     `parquet:"min1"`
	Min2      int64     `parquet:"min2"`
	CreatedAt int64     `parquet:"created_at"`
}

func (r minimumRow) record() ExportRecord {
	return ExportRecord{
		Kind:      KindMinimum,
		ID:        r.ID,
		Energy:    r.Energy,
		Coords:    r.Coords,
		Tag:       r.Tag,
		Hits:      int(r.Hits),
		CreatedAt: r.CreatedAt,
	}
}

func (r transitionStateRow) record() ExportRecord {
	return ExportRecord{
		Kind:      KindTransitionState,
		ID:        r.ID,
		Energy:    r.Energy,
		Coords:    r.Coords,
		Min1:      r.Min1,
		Min2:      r.Min2,
		CreatedAt: r.CreatedAt,
	}
}
