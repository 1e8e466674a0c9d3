// Package database provides SQLite connectivity for the microscope service.
//
// It holds the session history and the device transition log. Connections
// use WAL mode and a busy timeout; the pool is limited to one connection
// because SQLite has a single writer.
//
// Migrations are plain SQL files read from an fs.FS, named
//
//	YYYYMMDD_HHMMSS_description.up.sql
//	YYYYMMDD_HHMMSS_description.down.sql
//
// and applied in version order. Applied versions are recorded in the
// schema_migrations table.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// The database file is created with 0600 permissions. All queries use
// parameterised statements.
package database
