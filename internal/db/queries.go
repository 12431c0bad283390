package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/landscape"
)

// ErrUniqueConstraint is returned when an insert violates a UNIQUE constraint.
var ErrUniqueConstraint = &errors.LandscapeError{
	Code:    errors.ErrDuplicateStructure,
	Status:  409,
	Message: "unique constraint violation",
}

// InsertMinimum stores a new minimum.
func InsertMinimum(ctx context.Context, db *sql.DB, m landscape.Minimum) error {
	coordsJSON, err := json.Marshal(m.Coords)
	if err != nil {
		return errors.NewInternal(err)
	}

	query := `
		INSERT INTO minima (id, energy, coords_json, tag, hits, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		m.ID, m.Energy, string(coordsJSON), toNullString(m.Tag), m.Hits, m.CreatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// UpdateMinimumHits sets the hit counter of a minimum.
func UpdateMinimumHits(ctx context.Context, db *sql.DB, id int64, hits int) error {
	result, err := db.ExecContext(ctx, `UPDATE minima SET hits = ? WHERE id = ?`, hits, id)
	if err != nil {
		return errors.NewInternal(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFound("minimum", id)
	}
	return nil
}

// InsertTransitionState stores a new transition state.
func InsertTransitionState(ctx context.Context, db *sql.DB, ts landscape.TransitionState) error {
	coordsJSON, err := json.Marshal(ts.Coords)
	if err != nil {
		return errors.NewInternal(err)
	}

	query := `
		INSERT INTO transition_states (id, energy, coords_json, min1, min2, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		ts.ID, ts.Energy, string(coordsJSON), ts.Min1, ts.Min2, ts.CreatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// ListMinima returns all minima ordered by id.
func ListMinima(ctx context.Context, db *sql.DB) ([]landscape.Minimum, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, energy, coords_json, tag, hits, created_at
		FROM minima
		ORDER BY id
	`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []landscape.Minimum
	for rows.Next() {
		var (
			m          landscape.Minimum
			coordsJSON string
			tag        sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Energy, &coordsJSON, &tag, &m.Hits, &m.CreatedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		if err := json.Unmarshal([]byte(coordsJSON), &m.Coords); err != nil {
			return nil, errors.NewInternal(err)
		}
		m.Tag = fromNullString(tag)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// ListTransitionStates returns all transition states ordered by id.
func ListTransitionStates(ctx context.Context, db *sql.DB) ([]landscape.TransitionState, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, energy, coords_json, min1, min2, created_at
		FROM transition_states
		ORDER BY id
	`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []landscape.TransitionState
	for rows.Next() {
		var (
			ts         landscape.TransitionState
			coordsJSON string
		)
		if err := rows.Scan(&ts.ID, &ts.Energy, &coordsJSON, &ts.Min1, &ts.Min2, &ts.CreatedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		if err := json.Unmarshal([]byte(coordsJSON), &ts.Coords); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// Load reads the persisted landscape into db through Restore, keeping ids.
func Load(ctx context.Context, sqlDB *sql.DB, into *landscape.Database) (minima, transitionStates int, err error) {
	ms, err := ListMinima(ctx, sqlDB)
	if err != nil {
		return 0, 0, err
	}
	tss, err := ListTransitionStates(ctx, sqlDB)
	if err != nil {
		return 0, 0, err
	}
	if err := into.Restore(ms, tss); err != nil {
		return 0, 0, err
	}
	return len(ms), len(tss), nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE or PRIMARY KEY violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// toNullString maps an empty string to NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// fromNullString maps NULL to an empty string.
func fromNullString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}
