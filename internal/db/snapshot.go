package db

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/openbio/exphub/internal/core"
)

// Load rebuilds the experiment map and order list at startup. Individual
// corrupt rows are skipped with a warning; only a completely unreadable
// database surfaces an error, and callers are expected to start empty in
// that case.
func (d *DB) Load() (map[string]*core.Experiment, []string, error) {
	experiments := make(map[string]*core.Experiment)

	rows, err := d.sql.Query(`
		SELECT id, submitter_id, script, status, priority, exit_code, error_message,
		       created_at, started_at, completed_at
		FROM experiments
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query experiments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		exp := &core.Experiment{}
		var status string
		var exitCode sql.NullInt64
		var startedAt, completedAt sql.NullTime
		err := rows.Scan(
			&exp.ID, &exp.SubmitterID, &exp.Script, &status, &exp.Priority,
			&exitCode, &exp.ErrorMessage, &exp.CreatedAt, &startedAt, &completedAt,
		)
		if err != nil {
			log.Printf("[db] skipping unreadable experiment row: %v", err)
			continue
		}

		exp.Status = core.ExperimentStatus(status)
		if exitCode.Valid {
			v := int(exitCode.Int64)
			exp.ExitCode = &v
		}
		if startedAt.Valid {
			exp.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			exp.CompletedAt = &completedAt.Time
		}
		experiments[exp.ID] = exp
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read experiments: %w", err)
	}

	var order []string
	orderRows, err := d.sql.Query("SELECT experiment_id FROM queue_order ORDER BY position")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query queue order: %w", err)
	}
	defer orderRows.Close()

	for orderRows.Next() {
		var id string
		if err := orderRows.Scan(&id); err != nil {
			log.Printf("[db] skipping unreadable order row: %v", err)
			continue
		}
		order = append(order, id)
	}
	if err := orderRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read queue order: %w", err)
	}

	return experiments, order, nil
}

// Save overwrites the persisted state wholesale in one transaction. It is
// called after every queue mutation, inside the queue lock, and must not
// take any lock of its own.
func (d *DB) Save(experiments map[string]*core.Experiment, order []string) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM experiments"); err != nil {
		return fmt.Errorf("failed to clear experiments: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM queue_order"); err != nil {
		return fmt.Errorf("failed to clear queue order: %w", err)
	}

	expStmt, err := tx.Prepare(`
		INSERT INTO experiments (id, submitter_id, script, status, priority, exit_code,
		                         error_message, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare experiment insert: %w", err)
	}
	defer expStmt.Close()

	for _, exp := range experiments {
		var exitCode interface{}
		if exp.ExitCode != nil {
			exitCode = *exp.ExitCode
		}
		var startedAt, completedAt interface{}
		if exp.StartedAt != nil {
			startedAt = *exp.StartedAt
		}
		if exp.CompletedAt != nil {
			completedAt = *exp.CompletedAt
		}

		_, err := expStmt.Exec(
			exp.ID, exp.SubmitterID, exp.Script, string(exp.Status), exp.Priority,
			exitCode, exp.ErrorMessage, exp.CreatedAt, startedAt, completedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert experiment %s: %w", exp.ID, err)
		}
	}

	orderStmt, err := tx.Prepare("INSERT INTO queue_order (position, experiment_id) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare order insert: %w", err)
	}
	defer orderStmt.Close()

	for i, id := range order {
		if _, err := orderStmt.Exec(i, id); err != nil {
			return fmt.Errorf("failed to insert order entry %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}
