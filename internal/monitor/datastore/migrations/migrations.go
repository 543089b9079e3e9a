// Package migrations holds the monitor's sql-migrate migration set,
// following the layout of the teacher's internal/praefect/datastore/migrations
// package: one file per migration, each appending a *migrate.Migration to
// allMigrations from its own init().
package migrations

import migrate "github.com/rubenv/sql-migrate"

var allMigrations []*migrate.Migration

// MigrationSource returns the full set of migrations, in registration
// order, for use with migrate.Exec.
func MigrationSource() migrate.MigrationSource {
	return &migrate.MemoryMigrationSource{Migrations: allMigrations}
}
