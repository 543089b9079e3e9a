package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20260101000000_initial_schema",
		Up: []string{`
CREATE TABLE formation (
	formationid           text PRIMARY KEY,
	kind                  text NOT NULL DEFAULT 'pgsql',
	dbname                text NOT NULL,
	opt_secondary         boolean NOT NULL DEFAULT true,
	number_sync_standbys  int NOT NULL DEFAULT 0
)`, `
CREATE SEQUENCE node_nodeid_seq`, `
CREATE TABLE node (
	nodeid               bigint PRIMARY KEY,
	formationid          text NOT NULL REFERENCES formation (formationid),
	groupid              int NOT NULL,
	name                 text NOT NULL,
	host                 text NOT NULL,
	port                 int NOT NULL,
	systemidentifier     bigint,
	reportedstate        text NOT NULL DEFAULT 'init',
	goalstate            text NOT NULL DEFAULT 'init',
	reportedpgisrunning  boolean NOT NULL DEFAULT false,
	reportedsyncstate    text NOT NULL DEFAULT '',
	reportedtli          int NOT NULL DEFAULT 1,
	reportedlsn          bigint NOT NULL DEFAULT 0,
	candidatepriority    int NOT NULL DEFAULT 100,
	replicationquorum    boolean NOT NULL DEFAULT true,
	health               text NOT NULL DEFAULT 'unknown',
	lastreportat         timestamptz NOT NULL DEFAULT now(),
	laststatechangeat    timestamptz NOT NULL DEFAULT now(),
	clustertag           text NOT NULL DEFAULT '',
	params               jsonb NOT NULL DEFAULT '{}',
	UNIQUE (host, port),
	UNIQUE (formationid, name)
)`, `
CREATE INDEX node_formationid_groupid_idx ON node (formationid, groupid)`, `
CREATE SEQUENCE event_eventid_seq`, `
CREATE TABLE event (
	eventid       bigint PRIMARY KEY DEFAULT nextval('event_eventid_seq'),
	nodeid        bigint NOT NULL,
	formationid   text NOT NULL,
	groupid       int NOT NULL,
	reportedstate text NOT NULL,
	goalstate     text NOT NULL,
	reportedtli   int NOT NULL,
	reportedlsn   bigint NOT NULL,
	description   text NOT NULL DEFAULT '',
	params        jsonb NOT NULL DEFAULT '{}',
	createdat     timestamptz NOT NULL DEFAULT now()
)`, `
CREATE INDEX event_formationid_groupid_idx ON event (formationid, groupid)`,
		},
		Down: []string{`
DROP TABLE event`, `
DROP SEQUENCE event_eventid_seq`, `
DROP TABLE node`, `
DROP SEQUENCE node_nodeid_seq`, `
DROP TABLE formation`,
		},
	}

	allMigrations = append(allMigrations, m)
}
