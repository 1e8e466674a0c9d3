package session

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/microscope-core/internal/device"
)

// setupSessionTestDB creates an in-memory SQLite database with the sessions
// table.
func setupSessionTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE sessions (
			id TEXT PRIMARY KEY,
			success INTEGER NOT NULL,
			phase TEXT NOT NULL,
			plan TEXT NOT NULL,
			outcomes TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestSQLiteRepositorySaveGetList(t *testing.T) {
	repo := NewSQLiteRepository(setupSessionTestDB(t))
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond)

	older := &Result{
		ID:         "ses-older",
		Success:    true,
		Phase:      PhaseDone,
		Plan:       Plan{Trigger: device.TriggerSpec{Mode: device.TriggerSoftware, Type: device.TriggerOnce, Count: 1}},
		Outcomes:   []Outcome{{Device: "camera", Status: StatusCompleted, ArmLatency: 3 * time.Millisecond}},
		StartedAt:  start.Add(-time.Minute),
		FinishedAt: start.Add(-time.Minute + time.Second),
	}
	newer := &Result{
		ID:         "ses-newer",
		Phase:      PhaseArm,
		Outcomes:   []Outcome{{Device: "stage", Status: StatusLagging, Error: "not armed within 5s"}},
		Error:      "partial session failure",
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	}
	for _, res := range []*Result{older, newer} {
		if err := repo.Save(ctx, res); err != nil {
			t.Fatalf("Save(%s) error = %v", res.ID, err)
		}
	}

	got, err := repo.Get(ctx, "ses-older")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Success || got.Phase != PhaseDone {
		t.Errorf("Get() = %+v, want successful done session", got)
	}
	if got.Plan.Trigger.Type != device.TriggerOnce {
		t.Errorf("Plan.Trigger = %+v, want once", got.Plan.Trigger)
	}
	if len(got.Outcomes) != 1 || got.Outcomes[0].ArmLatency != 3*time.Millisecond {
		t.Errorf("Outcomes = %+v, want one with 3ms arm latency", got.Outcomes)
	}
	if !got.StartedAt.Equal(older.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, older.StartedAt)
	}

	list, err := repo.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "ses-newer" {
		t.Errorf("List() = %d sessions, first %q; want 2 with ses-newer first", len(list), list[0].ID)
	}
	if list[0].Outcomes[0].Error == "" {
		t.Error("outcome error text was not persisted")
	}
}

func TestSQLiteRepositoryNotFound(t *testing.T) {
	repo := NewSQLiteRepository(setupSessionTestDB(t))
	if _, err := repo.Get(context.Background(), "ses-none"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() = %v, want ErrSessionNotFound", err)
	}
	if err := repo.Save(context.Background(), &Result{}); err == nil {
		t.Error("Save() without id error = nil")
	}
}
