package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Execution states
const (
	StateSuccess = "success"
	StateFailure = "failure"
)

// ExecutionRecord represents a single dispatch attempt in the history.
type ExecutionRecord struct {
	ID            int64     `json:"id"`
	ExecutionID   string    `json:"execution_id"`
	TriggerID     string    `json:"trigger_id"`
	TriggerName   string    `json:"trigger_name"`
	ConditionKind string    `json:"condition_kind"`
	ActionKind    string    `json:"action_kind"`
	State         string    `json:"state"` // success, failure
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	DurationMs    int64     `json:"duration_ms"`
	EventData     string    `json:"event_data,omitempty"` // JSON-serialized, max 1KB
	Error         string    `json:"error,omitempty"`
	Output        string    `json:"output,omitempty"` // truncated to 10KB, scrubbed of secrets
}

// HistoryFilter narrows GetHistory. Zero values match everything.
type HistoryFilter struct {
	TriggerID string
	State     string
	Limit     int
}

// RecordExecution stores an execution record and returns its row ID.
func (d *DB) RecordExecution(ctx context.Context, rec ExecutionRecord) (int64, error) {
	result, err := d.db.ExecContext(ctx, `
		INSERT INTO execution_history
		(execution_id, trigger_id, trigger_name, condition_kind, action_kind, state,
		 started_at, finished_at, duration_ms, event_data, error, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.TriggerID, rec.TriggerName, rec.ConditionKind, rec.ActionKind,
		rec.State, formatTime(rec.StartedAt), formatTime(rec.FinishedAt), rec.DurationMs,
		nullableString(rec.EventData), nullableString(rec.Error), nullableString(rec.Output),
	)
	if err != nil {
		return 0, fmt.Errorf("recording execution: %w", err)
	}
	return result.LastInsertId()
}

// GetHistory retrieves execution history, newest first.
func (d *DB) GetHistory(ctx context.Context, f HistoryFilter) ([]ExecutionRecord, error) {
	query := `SELECT id, execution_id, trigger_id, trigger_name, condition_kind, action_kind,
		state, started_at, finished_at, duration_ms, event_data, error, output
		FROM execution_history WHERE 1=1`
	var args []any

	if f.TriggerID != "" {
		query += " AND trigger_id = ?"
		args = append(args, f.TriggerID)
	}
	if f.State != "" {
		query += " AND state = ?"
		args = append(args, f.State)
	}

	query += " ORDER BY started_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var (
			r                         ExecutionRecord
			startedAt, finishedAt     string
			eventData, errStr, output sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.TriggerID, &r.TriggerName,
			&r.ConditionKind, &r.ActionKind, &r.State, &startedAt, &finishedAt,
			&r.DurationMs, &eventData, &errStr, &output); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		r.EventData = eventData.String
		r.Error = errStr.String
		r.Output = output.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetLastState returns the most recent execution state for a trigger, or ""
// if it never fired.
func (d *DB) GetLastState(ctx context.Context, triggerID string) (string, error) {
	var state string
	err := d.db.QueryRowContext(ctx,
		"SELECT state FROM execution_history WHERE trigger_id = ? ORDER BY started_at DESC, id DESC LIMIT 1",
		triggerID,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting last state: %w", err)
	}
	return state, nil
}

// Cleanup removes execution records older than the specified number of days.
func (d *DB) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := d.db.ExecContext(ctx,
		"DELETE FROM execution_history WHERE started_at < ?", formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up history: %w", err)
	}
	return result.RowsAffected()
}
