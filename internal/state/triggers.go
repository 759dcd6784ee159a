package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/colebrumley/tripwire/internal/trigger"
)

const triggerColumns = `id, guild_id, agent_id, agent_name, name, description,
	condition, action, status, source, created_at, updated_at, last_triggered`

// SaveTrigger inserts or replaces a trigger.
func (d *DB) SaveTrigger(ctx context.Context, t *trigger.Trigger) error {
	condJSON, err := json.Marshal(t.Condition)
	if err != nil {
		return fmt.Errorf("marshalling condition: %w", err)
	}
	actionJSON, err := json.Marshal(t.Action)
	if err != nil {
		return fmt.Errorf("marshalling action: %w", err)
	}

	var lastTriggered any
	if t.LastTriggered != nil {
		lastTriggered = formatTime(*t.LastTriggered)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO triggers (
			id, guild_id, agent_id, agent_name, name, description,
			condition_kind, condition, action_kind, action, status, source,
			created_at, updated_at, last_triggered
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			agent_name = excluded.agent_name,
			name = excluded.name,
			description = excluded.description,
			condition_kind = excluded.condition_kind,
			condition = excluded.condition,
			action_kind = excluded.action_kind,
			action = excluded.action,
			status = excluded.status,
			source = excluded.source,
			updated_at = excluded.updated_at,
			last_triggered = excluded.last_triggered`,
		t.ID,
		t.GuildID,
		nullableString(t.AgentID),
		nullableString(t.AgentName),
		t.Name,
		nullableString(t.Description),
		string(t.Condition.Kind),
		string(condJSON),
		string(t.Action.Kind),
		string(actionJSON),
		string(t.Status),
		nullableString(t.Source),
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
		lastTriggered,
	)
	if err != nil {
		return fmt.Errorf("saving trigger: %w", err)
	}
	return nil
}

// LoadTrigger returns the trigger with id, or trigger.ErrNotFound.
func (d *DB) LoadTrigger(ctx context.Context, id string) (*trigger.Trigger, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trigger.ErrNotFound
		}
		return nil, fmt.Errorf("loading trigger: %w", err)
	}
	return t, nil
}

// ListTriggers returns every persisted trigger ordered by creation time.
func (d *DB) ListTriggers(ctx context.Context) ([]*trigger.Trigger, error) {
	return d.queryTriggers(ctx, `SELECT `+triggerColumns+` FROM triggers ORDER BY created_at, id`)
}

// ListByGuild returns the triggers owned by guildID.
func (d *DB) ListByGuild(ctx context.Context, guildID string) ([]*trigger.Trigger, error) {
	return d.queryTriggers(ctx,
		`SELECT `+triggerColumns+` FROM triggers WHERE guild_id = ? ORDER BY created_at, id`, guildID)
}

// DeleteTrigger removes a trigger. Unknown ids return trigger.ErrNotFound.
func (d *DB) DeleteTrigger(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, "DELETE FROM triggers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting trigger: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return trigger.ErrNotFound
	}
	return nil
}

// MarkTriggered records a dispatch attempt time. It only updates existing
// rows, so a late firing can never recreate a deleted trigger.
func (d *DB) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	result, err := d.db.ExecContext(ctx,
		"UPDATE triggers SET last_triggered = ? WHERE id = ?", formatTime(at), id)
	if err != nil {
		return fmt.Errorf("marking trigger fired: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return trigger.ErrNotFound
	}
	return nil
}

func (d *DB) queryTriggers(ctx context.Context, query string, args ...any) ([]*trigger.Trigger, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*trigger.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (*trigger.Trigger, error) {
	var (
		t                                    trigger.Trigger
		agentID, agentName, description, src sql.NullString
		condJSON, actionJSON, status         string
		createdAt, updatedAt                 string
		lastTriggered                        sql.NullString
	)
	if err := row.Scan(&t.ID, &t.GuildID, &agentID, &agentName, &t.Name, &description,
		&condJSON, &actionJSON, &status, &src, &createdAt, &updatedAt, &lastTriggered); err != nil {
		return nil, err
	}

	t.AgentID = agentID.String
	t.AgentName = agentName.String
	t.Description = description.String
	t.Source = src.String
	t.Status = trigger.Status(status)

	if err := json.Unmarshal([]byte(condJSON), &t.Condition); err != nil {
		return nil, fmt.Errorf("unmarshalling condition: %w", err)
	}
	if err := json.Unmarshal([]byte(actionJSON), &t.Action); err != nil {
		return nil, fmt.Errorf("unmarshalling action: %w", err)
	}

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if lastTriggered.Valid {
		ts, err := parseTime(lastTriggered.String)
		if err != nil {
			return nil, err
		}
		t.LastTriggered = &ts
	}
	return &t, nil
}
