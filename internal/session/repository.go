package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Repository persists finished sessions.
type Repository interface {
	Save(ctx context.Context, res *Result) error
	Get(ctx context.Context, id string) (*Result, error)
	List(ctx context.Context, limit int) ([]Result, error)
}

// SQLiteRepository implements Repository on the sessions table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save inserts or replaces a session record.
func (r *SQLiteRepository) Save(ctx context.Context, res *Result) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("session id is required")
	}
	planJSON, err := json.Marshal(res.Plan)
	if err != nil {
		return fmt.Errorf("marshalling plan: %w", err)
	}
	outcomesJSON, err := json.Marshal(res.Outcomes)
	if err != nil {
		return fmt.Errorf("marshalling outcomes: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions
		 (id, success, phase, plan, outcomes, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID,
		boolToInt(res.Success),
		string(res.Phase),
		string(planJSON),
		string(outcomesJSON),
		res.Error,
		res.StartedAt.UTC().Format(time.RFC3339Nano),
		res.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

const sessionColumns = `id, success, phase, plan, outcomes, error, started_at, finished_at`

// Get returns one session by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Result, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	res, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return res, nil
}

// List returns recent sessions, newest first.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		res, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Result, error) {
	var res Result
	var success int
	var phase, planJSON, outcomesJSON, startedAt, finishedAt string
	if err := row.Scan(&res.ID, &success, &phase, &planJSON, &outcomesJSON, &res.Error, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	res.Success = success != 0
	res.Phase = Phase(phase)

	if err := json.Unmarshal([]byte(planJSON), &res.Plan); err != nil {
		return nil, fmt.Errorf("unmarshalling plan: %w", err)
	}
	if err := json.Unmarshal([]byte(outcomesJSON), &res.Outcomes); err != nil {
		return nil, fmt.Errorf("unmarshalling outcomes: %w", err)
	}

	var err error
	if res.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if res.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &res, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
