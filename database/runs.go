package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateRun opens a new Elaborazione in pending state.
func (db *StockDB) CreateRun(sources []string, optionsJSON string) (*Elaborazione, error) {
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sources: %w", err)
	}
	if optionsJSON == "" {
		optionsJSON = "{}"
	}

	startedAt := time.Now()
	res, err := db.conn.Exec(`
		INSERT INTO elaborazioni (started_at, status, sources, options)
		VALUES (?, ?, ?, ?)
	`, startedAt, RunStatusPending, string(sourcesJSON), optionsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read run id: %w", err)
	}

	return &Elaborazione{
		ID:        id,
		StartedAt: startedAt,
		Status:    RunStatusPending,
		Counters:  make(map[string]StageCounters),
		Sources:   sources,
		ErrorLog:  []string{},
		Options:   optionsJSON,
	}, nil
}

// GetRun loads a run by id. Returns nil when the run does not exist.
func (db *StockDB) GetRun(runID int64) (*Elaborazione, error) {
	row := db.conn.QueryRow(`
		SELECT id, started_at, ended_at, status,
		       glossary_snapshot_id, catalog_snapshot_id, pattern_snapshot_id,
		       counters, sources, error_log, options
		FROM elaborazioni WHERE id = ?
	`, runID)

	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run %d: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs newest-first, optionally filtered by status.
func (db *StockDB) ListRuns(status string, limit int) ([]*Elaborazione, error) {
	query := `
		SELECT id, started_at, ended_at, status,
		       glossary_snapshot_id, catalog_snapshot_id, pattern_snapshot_id,
		       counters, sources, error_log, options
		FROM elaborazioni
	`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Elaborazione{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Elaborazione, error) {
	var run Elaborazione
	var endedAt sql.NullTime
	var countersJSON, sourcesJSON, errorLogJSON string

	err := s.Scan(&run.ID, &run.StartedAt, &endedAt, &run.Status,
		&run.GlossarySnapshotID, &run.CatalogSnapshotID, &run.PatternSnapshotID,
		&countersJSON, &sourcesJSON, &errorLogJSON, &run.Options)
	if err != nil {
		return nil, err
	}

	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if err := json.Unmarshal([]byte(countersJSON), &run.Counters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run counters: %w", err)
	}
	if err := json.Unmarshal([]byte(sourcesJSON), &run.Sources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run sources: %w", err)
	}
	if err := json.Unmarshal([]byte(errorLogJSON), &run.ErrorLog); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run error log: %w", err)
	}
	if run.Counters == nil {
		run.Counters = make(map[string]StageCounters)
	}
	return &run, nil
}

// SetRunSnapshots pins the reference snapshots a run was executed against.
func (db *StockDB) SetRunSnapshots(runID int64, glossaryID, catalogID, patternID string) error {
	_, err := db.conn.Exec(`
		UPDATE elaborazioni
		SET glossary_snapshot_id = ?, catalog_snapshot_id = ?, pattern_snapshot_id = ?
		WHERE id = ?
	`, glossaryID, catalogID, patternID, runID)
	if err != nil {
		return fmt.Errorf("failed to set run snapshots: %w", err)
	}
	return nil
}

// SetRunStatus moves a run to a new status. A terminal status also stamps
// ended_at; this update is the single linearization point the exporter sees.
func (db *StockDB) SetRunStatus(runID int64, status string) error {
	var err error
	switch status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusPartial:
		_, err = db.conn.Exec(`UPDATE elaborazioni SET status = ?, ended_at = ? WHERE id = ?`,
			status, time.Now(), runID)
	default:
		_, err = db.conn.Exec(`UPDATE elaborazioni SET status = ? WHERE id = ?`, status, runID)
	}
	if err != nil {
		return fmt.Errorf("failed to set run %d status to %s: %w", runID, status, err)
	}
	return nil
}

// SaveRunCounters persists the per-stage counters of a run.
func (db *StockDB) SaveRunCounters(runID int64, counters map[string]StageCounters) error {
	countersJSON, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("failed to marshal run counters: %w", err)
	}
	if _, err := db.conn.Exec(`UPDATE elaborazioni SET counters = ? WHERE id = ?`,
		string(countersJSON), runID); err != nil {
		return fmt.Errorf("failed to save run counters: %w", err)
	}
	return nil
}

// AppendRunError appends a message to the run's error log. The append is a
// single UPDATE so that sources failing concurrently never overwrite each
// other's entries.
func (db *StockDB) AppendRunError(runID int64, message string) error {
	res, err := db.conn.Exec(`
		UPDATE elaborazioni
		SET error_log = json_insert(
			CASE WHEN json_valid(COALESCE(error_log, '')) THEN error_log ELSE '[]' END,
			'$[#]', ?)
		WHERE id = ?
	`, message, runID)
	if err != nil {
		return fmt.Errorf("failed to append run error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to append run error: run %d not found", runID)
	}
	return nil
}

// UpsertSourceStatus writes the per-source progress row of a run.
func (db *StockDB) UpsertSourceStatus(ss SourceStatus) error {
	_, err := db.conn.Exec(`
		INSERT INTO source_statuses (run_id, source, status, rows_read, rows_failed, error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, source) DO UPDATE SET
			status = excluded.status, rows_read = excluded.rows_read,
			rows_failed = excluded.rows_failed, error = excluded.error
	`, ss.RunID, ss.Source, ss.Status, ss.RowsRead, ss.RowsFailed, ss.Error)
	if err != nil {
		return fmt.Errorf("failed to upsert source status for run %d: %w", ss.RunID, err)
	}
	return nil
}

// GetSourceStatuses returns the per-source rows of a run.
func (db *StockDB) GetSourceStatuses(runID int64) ([]SourceStatus, error) {
	rows, err := db.conn.Query(`
		SELECT run_id, source, status, rows_read, rows_failed, error
		FROM source_statuses WHERE run_id = ? ORDER BY source
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query source statuses: %w", err)
	}
	defer rows.Close()

	statuses := []SourceStatus{}
	for rows.Next() {
		var ss SourceStatus
		if err := rows.Scan(&ss.RunID, &ss.Source, &ss.Status, &ss.RowsRead, &ss.RowsFailed, &ss.Error); err != nil {
			return nil, fmt.Errorf("failed to scan source status: %w", err)
		}
		statuses = append(statuses, ss)
	}
	return statuses, rows.Err()
}

// PreviousSucceededRunID returns the most recent succeeded run before runID,
// or 0 when there is none. Used by the diff projection.
func (db *StockDB) PreviousSucceededRunID(runID int64) (int64, error) {
	var prev int64
	err := db.conn.QueryRow(`
		SELECT id FROM elaborazioni
		WHERE id < ? AND status = ?
		ORDER BY id DESC LIMIT 1
	`, runID, RunStatusSucceeded).Scan(&prev)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to find previous run: %w", err)
	}
	return prev, nil
}
