package database

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/nerrad567/microscope-core/migrations"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	return db
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return n == 1
}

var testMigrations = fstest.MapFS{
	"20260101_000000_widgets.up.sql":    {Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY) STRICT;")},
	"20260101_000000_widgets.down.sql":  {Data: []byte("DROP TABLE widgets;")},
	"20260102_000000_gadgets.up.sql":    {Data: []byte("CREATE TABLE gadgets (id TEXT PRIMARY KEY) STRICT;")},
	"README.md":                         {Data: []byte("not a migration")},
	"20260103_bad.up.sql":               {Data: []byte("SELECT 1;")},
	"20260104_000000_noext.up.sqlite":   {Data: []byte("SELECT 1;")},
	"20260105_000000_sideways.left.sql": {Data: []byte("SELECT 1;")},
}

func TestMigrateServiceSchema(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	for _, table := range []string{"sessions", "device_transitions"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s not created", table)
		}
	}

	applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Errorf("applied = %d, pending = %d; want 2, 0", len(applied), len(pending))
	}

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, testMigrations); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "widgets") || !tableExists(t, db, "gadgets") {
		t.Fatal("tables not created")
	}

	// The latest migration has no down file.
	if err := db.MigrateDown(ctx, testMigrations); err == nil {
		t.Error("MigrateDown() without down SQL succeeded")
	}

	only := fstest.MapFS{
		"20260101_000000_widgets.up.sql":   testMigrations["20260101_000000_widgets.up.sql"],
		"20260101_000000_widgets.down.sql": testMigrations["20260101_000000_widgets.down.sql"],
	}
	db2 := openTestDB(t)
	if err := db2.Migrate(ctx, only); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db2.MigrateDown(ctx, only); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db2, "widgets") {
		t.Error("widgets still exists after MigrateDown")
	}
	_, pending, err := db2.MigrationStatus(ctx, only)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}

	if err := db2.MigrateDown(ctx, only); err != nil {
		t.Errorf("MigrateDown() with nothing applied error = %v", err)
	}
}

func TestMigrateFailureStops(t *testing.T) {
	db := openTestDB(t)
	broken := fstest.MapFS{
		"20260101_000000_ok.up.sql":     {Data: []byte("CREATE TABLE ok (id TEXT);")},
		"20260102_000000_broken.up.sql": {Data: []byte("CREATE TABLE nope (;")},
		"20260103_000000_later.up.sql":  {Data: []byte("CREATE TABLE later (id TEXT);")},
	}
	if err := db.Migrate(context.Background(), broken); err == nil {
		t.Fatal("Migrate() with broken SQL succeeded")
	}
	if !tableExists(t, db, "ok") {
		t.Error("earlier migration was rolled back")
	}
	if tableExists(t, db, "later") {
		t.Error("later migration ran after a failure")
	}
}

func TestLoadMigrations(t *testing.T) {
	got, err := LoadMigrations(testMigrations)
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("LoadMigrations() returned %d migrations, want 2", len(got))
	}
	if got[0].Version != "20260101_000000" || got[0].Name != "widgets" || got[0].DownSQL == "" {
		t.Errorf("first migration = %+v", got[0])
	}
	if got[1].Name != "gadgets" || got[1].DownSQL != "" {
		t.Errorf("second migration = %+v", got[1])
	}

	orphan := fstest.MapFS{"20260101_000000_x.down.sql": {Data: []byte("SELECT 1;")}}
	if _, err := LoadMigrations(orphan); err == nil {
		t.Error("LoadMigrations() accepted a down file without an up file")
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		file    string
		version string
		name    string
		up      bool
		ok      bool
	}{
		{"20261001_120000_sessions.up.sql", "20261001_120000", "sessions", true, true},
		{"20261001_120000_sessions.down.sql", "20261001_120000", "sessions", false, true},
		{"20261001_120000_device_transitions.up.sql", "20261001_120000", "device_transitions", true, true},
		{"20261001_120000.up.sql", "20261001_120000", "20261001_120000", true, true},
		{"sessions.up.sql", "", "", false, false},
		{"20261001_120000_sessions.sql", "", "", false, false},
		{"20261001_120000_sessions.up.txt", "", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			version, name, up, ok := parseMigrationFilename(tt.file)
			if ok != tt.ok || version != tt.version || name != tt.name || up != tt.up {
				t.Errorf("parseMigrationFilename(%q) = %q, %q, %v, %v", tt.file, version, name, up, ok)
			}
		})
	}
}
