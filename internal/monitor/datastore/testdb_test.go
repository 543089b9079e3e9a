package datastore

import (
	"database/sql"
	"os"
	"testing"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/require"

	"github.com/pgautofailover/monitor/internal/monitor/datastore/migrations"
)

// openTestDB opens MONITOR_TEST_DATABASE_URL, migrates it to the latest
// schema and wipes its tables, or skips the test when the variable isn't
// set. There is no Postgres server available during retrieval-pack-driven
// development, so this mirrors the env-var-gated getDB helper the
// teacher's nodes/sql_elector_test.go and datastore/repository_store_test.go
// use rather than spinning up a throwaway container per test run.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("MONITOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MONITOR_TEST_DATABASE_URL not set, skipping Postgres-backed test")
	}

	db, err := OpenDB(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = migrate.Exec(db, "postgres", migrations.MigrationSource(), migrate.Up)
	require.NoError(t, err)

	_, err = db.Exec(`TRUNCATE TABLE event, node, formation RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	_, err = db.Exec(`ALTER SEQUENCE node_nodeid_seq RESTART WITH 1`)
	require.NoError(t, err)

	return db
}
