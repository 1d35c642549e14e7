// Package store is the ambient job registry: a SQLite-backed table of
// submitted pipeline runs, their status, and their errors, used by
// the HTTP front door. It is advisory only; the runtime manifest and
// checkpoint files under each run's results directory remain the
// sole source of truth for resume.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"datagen-pipeline/internal/model"
)

var db *sql.DB

// InitDB opens (and migrates) the registry database at dbPath.
func InitDB(dbPath string) error {
	var err error
	db, err = sql.Open("sqlite3", dbPath)
	if err != nil {
		return err
	}

	runsTable := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		spec TEXT,
		status TEXT,
		results_dir TEXT,
		created_at DATETIME,
		updated_at DATETIME
	);
	`
	errorsTable := `
	CREATE TABLE IF NOT EXISTS run_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT,
		error_message TEXT,
		created_at DATETIME
	);
	`

	if _, err := db.Exec(runsTable); err != nil {
		return err
	}
	if _, err := db.Exec(errorsTable); err != nil {
		return err
	}
	return nil
}

// SaveRun stores a newly submitted pipeline run.
func SaveRun(runID string, spec model.PipelineJobSpec) error {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = db.Exec(`INSERT INTO runs (id, spec, status, results_dir, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, specJSON, string(model.StatusPending), spec.ResultsDir, now, now)
	return err
}

// SaveRunError records an error for a run.
func SaveRunError(runID string, err error) error {
	if err == nil {
		return nil
	}
	now := time.Now().UTC()
	_, e := db.Exec(`INSERT INTO run_errors (run_id, error_message, created_at) VALUES (?, ?, ?)`,
		runID, err.Error(), now)
	return e
}

// ListRuns returns all runs with basic info, most recent first.
func ListRuns() ([]map[string]interface{}, error) {
	rows, err := db.Query(`SELECT id, status, results_dir, created_at, updated_at FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []map[string]interface{}
	for rows.Next() {
		var id, status, resultsDir string
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&id, &status, &resultsDir, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, map[string]interface{}{
			"id":         id,
			"status":     status,
			"resultsDir": resultsDir,
			"createdAt":  createdAt,
			"updatedAt":  updatedAt,
		})
	}
	return runs, nil
}

// GetRun fetches a run's full spec, status, and results directory.
func GetRun(runID string) (map[string]interface{}, error) {
	var specJSON, status, resultsDir string
	var createdAt, updatedAt time.Time

	err := db.QueryRow(`SELECT spec, status, results_dir, created_at, updated_at FROM runs WHERE id = ?`, runID).
		Scan(&specJSON, &status, &resultsDir, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	var spec model.PipelineJobSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"id":         runID,
		"spec":       spec,
		"status":     status,
		"resultsDir": resultsDir,
		"createdAt":  createdAt,
		"updatedAt":  updatedAt,
	}, nil
}

// GetRunErrors returns all recorded errors for a run, most recent first.
func GetRunErrors(runID string) ([]map[string]interface{}, error) {
	rows, err := db.Query(`SELECT error_message, created_at FROM run_errors WHERE run_id = ? ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var errs []map[string]interface{}
	for rows.Next() {
		var msg string
		var createdAt time.Time
		if err := rows.Scan(&msg, &createdAt); err != nil {
			return nil, err
		}
		errs = append(errs, map[string]interface{}{
			"message":   msg,
			"createdAt": createdAt,
		})
	}
	return errs, nil
}

// UpdateRunStatus updates a run's status.
func UpdateRunStatus(runID string, status string) error {
	now := time.Now().UTC()
	_, err := db.Exec(`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, status, now, runID)
	return err
}

// DeleteRun removes a run and its errors from the registry. It does
// not touch the run's results directory on disk.
func DeleteRun(runID string) error {
	if _, err := db.Exec(`DELETE FROM run_errors WHERE run_id = ?`, runID); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM runs WHERE id = ?`, runID)
	return err
}
