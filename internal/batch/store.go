package batch

import (
	"database/sql"
	"fmt"
	"time"
)

// SQL helpers for the batches and batch_files tables. The orchestrator
// owns all writes; handlers read through Get and List.

func (o *Orchestrator) insertBatch(b *Batch, files []*File) error {
	tx, err := o.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO batches (id, state, total_files, created_at) VALUES (?, ?, ?, ?)`,
		b.ID, b.State, b.TotalFiles, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	for _, f := range files {
		_, err = tx.Exec(
			`INSERT INTO batch_files (id, batch_id, file_index, name, path, size, language, status, progress, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			f.ID, f.BatchID, f.Index, f.Name, f.Path, f.Size, f.Language, f.Status, f.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert file %s: %w", f.Name, err)
		}
	}
	return tx.Commit()
}

func (o *Orchestrator) batchState(id string) (State, error) {
	var state State
	err := o.db.QueryRow(`SELECT state FROM batches WHERE id = ?`, id).Scan(&state)
	if err != nil {
		return "", err
	}
	return state, nil
}

func (o *Orchestrator) markBatchStarted(id string) error {
	_, err := o.db.Exec(
		`UPDATE batches SET state = ?, started_at = ? WHERE id = ?`,
		StateProcessing, time.Now(), id,
	)
	return err
}

func (o *Orchestrator) markBatchDone(id string, state State, completed, failed int) error {
	_, err := o.db.Exec(
		`UPDATE batches SET state = ?, completed_files = ?, failed_files = ?, completed_at = ? WHERE id = ?`,
		state, completed, failed, time.Now(), id,
	)
	return err
}

func (o *Orchestrator) updateBatchCounters(id string, completed, failed int) error {
	_, err := o.db.Exec(
		`UPDATE batches SET completed_files = ?, failed_files = ? WHERE id = ?`,
		completed, failed, id,
	)
	return err
}

func (o *Orchestrator) updateFileProgress(id, status string, progress int) error {
	_, err := o.db.Exec(
		`UPDATE batch_files SET status = ?, progress = ? WHERE id = ?`,
		status, progress, id,
	)
	return err
}

func (o *Orchestrator) markFileCompleted(id, transcript string) error {
	_, err := o.db.Exec(
		`UPDATE batch_files SET status = 'completed', progress = 100, transcript = ?, completed_at = ? WHERE id = ?`,
		transcript, time.Now(), id,
	)
	return err
}

func (o *Orchestrator) markFileFailed(id, message string, progress int) error {
	_, err := o.db.Exec(
		`UPDATE batch_files SET status = 'error', progress = ?, error_message = ?, completed_at = ? WHERE id = ?`,
		progress, message, time.Now(), id,
	)
	return err
}

func (o *Orchestrator) loadBatch(id string) (*Batch, error) {
	b := &Batch{}
	var startedAt, completedAt sql.NullTime
	err := o.db.QueryRow(
		`SELECT id, state, total_files, completed_files, failed_files, created_at, started_at, completed_at
		 FROM batches WHERE id = ?`, id,
	).Scan(&b.ID, &b.State, &b.TotalFiles, &b.CompletedFiles, &b.FailedFiles, &b.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return b, nil
}

func (o *Orchestrator) loadFiles(batchID string) ([]*File, error) {
	rows, err := o.db.Query(
		`SELECT id, batch_id, file_index, name, path, size, language, status, progress, transcript, error_message, created_at, completed_at
		 FROM batch_files WHERE batch_id = ? ORDER BY file_index`, batchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (o *Orchestrator) loadFile(id string) (*File, error) {
	row := o.db.QueryRow(
		`SELECT id, batch_id, file_index, name, path, size, language, status, progress, transcript, error_message, created_at, completed_at
		 FROM batch_files WHERE id = ?`, id,
	)
	return scanFile(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*File, error) {
	f := &File{}
	var transcript, errorMessage sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&f.ID, &f.BatchID, &f.Index, &f.Name, &f.Path, &f.Size, &f.Language,
		&f.Status, &f.Progress, &transcript, &errorMessage, &f.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	f.Transcript = transcript.String
	f.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		f.CompletedAt = &completedAt.Time
	}
	return f, nil
}

// recoverInterrupted marks rows left behind by a previous run. Nothing
// resumes silently after a restart.
func (o *Orchestrator) recoverInterrupted() error {
	const reason = "interrupted by server restart"

	res, err := o.db.Exec(
		`UPDATE batch_files SET status = 'error', error_message = ?, completed_at = ?
		 WHERE status NOT IN ('completed', 'error')
		   AND batch_id IN (SELECT id FROM batches WHERE state IN (?, ?))`,
		reason, time.Now(), StatePending, StateProcessing,
	)
	if err != nil {
		return fmt.Errorf("recover files: %w", err)
	}
	n, _ := res.RowsAffected()

	_, err = o.db.Exec(
		`UPDATE batches SET state = ?, failed_files = total_files - completed_files, completed_at = ?
		 WHERE state IN (?, ?)`,
		StateFailed, time.Now(), StatePending, StateProcessing,
	)
	if err != nil {
		return fmt.Errorf("recover batches: %w", err)
	}
	if n > 0 {
		o.logf("marked %d interrupted file(s) as failed", n)
	}
	return nil
}
