// Package store records downscaling run provenance in SQLite: which
// analogue days and weights produced each output timestep. The
// record lets an operator audit or reproduce any day of a batch run
// after the fact.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mikemorris12/downscale/internal/analogue"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Run is one pipeline invocation.
type Run struct {
	ID          int64
	Kind        string // "bcca" or "dbcca"
	Variable    string
	OptionsJSON string
	Status      string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

func (s *Store) InsertRun(kind, variable, optionsJSON string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO runs (kind, variable, options_json, status, started_at)
		VALUES (?, ?, ?, 'running', ?)
	`, kind, variable, optionsJSON, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) FinishRun(id int64, status string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, finished_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	return err
}

func (s *Store) GetRun(id int64) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, variable, options_json, status, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)

	var r Run
	var finished sql.NullTime
	err := row.Scan(&r.ID, &r.Kind, &r.Variable, &r.OptionsJSON, &r.Status, &r.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return &r, nil
}

// InsertWeights records the analogue weights for one downscaled
// timestep, ranked by similarity order.
func (s *Store) InsertWeights(runID int64, period string, target time.Time, w analogue.Weights) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO analogue_weights (run_id, period, target_time, rank, analogue_time, weight)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, period, target_time, rank) DO UPDATE SET
			analogue_time = excluded.analogue_time,
			weight = excluded.weight
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for rank := range w.Coef {
		if _, err := stmt.Exec(runID, period, target, rank, w.Times[rank], w.Coef[rank]); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert weight rank %d: %w", rank, err)
		}
	}
	return tx.Commit()
}

// WeightRow is one stored analogue contribution.
type WeightRow struct {
	Rank         int
	AnalogueTime time.Time
	Weight       float64
}

// GetWeights returns the stored analogue weights for one target
// timestep, in rank order.
func (s *Store) GetWeights(runID int64, period string, target time.Time) ([]WeightRow, error) {
	rows, err := s.db.Query(`
		SELECT rank, analogue_time, weight
		FROM analogue_weights
		WHERE run_id = ? AND period = ? AND target_time = ?
		ORDER BY rank ASC
	`, runID, period, target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WeightRow
	for rows.Next() {
		var w WeightRow
		if err := rows.Scan(&w.Rank, &w.AnalogueTime, &w.Weight); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
