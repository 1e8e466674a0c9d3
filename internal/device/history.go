package device

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// TransitionLog stores and retrieves device lifecycle transitions.
type TransitionLog interface {
	Record(ctx context.Context, t Transition) error
	List(ctx context.Context, deviceID string, limit int) ([]Transition, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SQLiteTransitionLog implements TransitionLog on the device_transitions
// table.
type SQLiteTransitionLog struct {
	db *sql.DB
}

// NewSQLiteTransitionLog creates a transition log backed by db.
func NewSQLiteTransitionLog(db *sql.DB) *SQLiteTransitionLog {
	return &SQLiteTransitionLog{db: db}
}

// Record inserts one transition.
func (r *SQLiteTransitionLog) Record(ctx context.Context, t Transition) error {
	if t.Device == "" {
		return fmt.Errorf("device id is required")
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO device_transitions (device_id, from_state, to_state, reason, created_at) VALUES (?, ?, ?, ?, ?)",
		t.Device,
		string(t.From),
		string(t.To),
		t.Reason,
		at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting transition: %w", err)
	}
	return nil
}

// List returns recent transitions for a device, newest first.
// limit defaults to 50 and is capped at 200.
func (r *SQLiteTransitionLog) List(ctx context.Context, deviceID string, limit int) ([]Transition, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT device_id, from_state, to_state, reason, created_at
		 FROM device_transitions
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	out := make([]Transition, 0, limit)
	for rows.Next() {
		var t Transition
		var from, to, createdAt string
		if err := rows.Scan(&t.Device, &from, &to, &t.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.From, t.To = State(from), State(to)
		if t.At, err = parseHistoryTimestamp(createdAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return out, nil
}

// Prune deletes transitions older than olderThan.
func (r *SQLiteTransitionLog) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	result, err := r.db.ExecContext(ctx, "DELETE FROM device_transitions WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting transitions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// RecordTransitions subscribes log to every transition of obs. Write errors
// are logged, never returned to the device.
func RecordTransitions(obs Observable, log TransitionLog, logger Logger) (cancel func()) {
	if logger == nil {
		logger = noopLogger{}
	}
	return obs.Subscribe(func(t Transition) {
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if err := log.Record(ctx, t); err != nil {
			logger.Warn("recording transition failed", "device", t.Device, "error", err)
		}
	})
}

func parseHistoryTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return ts, nil
}
