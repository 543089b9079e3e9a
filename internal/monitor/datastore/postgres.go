package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/pgautofailover/monitor/internal/helper"
	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// OpenDB opens a *sql.DB against dsn using the lib/pq driver. Errors are
// sanitized with helper.SanitizeError before being returned so a
// malformed DSN's embedded password never ends up in a log line.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, helper.SanitizeError(fmt.Errorf("open postgres connection: %w", err))
	}
	return db, nil
}

// PostgresStore implements Store against a Postgres database, using
// advisory locks for the two lock classes spec §6 names: class 10
// (formation) and class 11 (group). This mirrors the transaction +
// advisory-lock discipline of the teacher's sqlElector.checkNodes
// (internal/praefect/nodes/sql_elector.go): begin a transaction, do the
// work, commit.
type PostgresStore struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

// NewPostgresStore wraps db as a Store.
func NewPostgresStore(db *sql.DB, logger logrus.FieldLogger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const (
	lockClassFormation = 10
	lockClassGroup     = 11
)

func (p *PostgresStore) NotifyLog(ctx context.Context, message string) error {
	_, err := p.db.ExecContext(ctx, `SELECT pg_notify('log', $1)`, message)
	return err
}

func (p *PostgresStore) NotifyState(ctx context.Context, n StateNotification) error {
	_, err := p.db.ExecContext(ctx, `SELECT pg_notify('state', $1)`, stateNotificationJSON(n))
	return err
}

func (p *PostgresStore) CreateFormation(ctx context.Context, f Formation) (Formation, error) {
	const q = `
INSERT INTO formation (formationid, kind, dbname, opt_secondary, number_sync_standbys)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (formationid) DO NOTHING`
	if _, err := p.db.ExecContext(ctx, q, f.ID, f.Kind, f.DBName, f.OptSecondary, f.NumberSyncStandbys); err != nil {
		return Formation{}, fmt.Errorf("create formation: %w", err)
	}
	return p.GetFormation(ctx, f.ID)
}

func (p *PostgresStore) GetFormation(ctx context.Context, formationID string) (Formation, error) {
	return queryFormation(ctx, p.db, formationID)
}

func queryFormation(ctx context.Context, q querier, formationID string) (Formation, error) {
	const query = `SELECT formationid, kind, dbname, opt_secondary, number_sync_standbys FROM formation WHERE formationid = $1`
	var f Formation
	err := q.QueryRowContext(ctx, query, formationID).Scan(&f.ID, &f.Kind, &f.DBName, &f.OptSecondary, &f.NumberSyncStandbys)
	if err == sql.ErrNoRows {
		return Formation{}, ErrNotFound
	}
	if err != nil {
		return Formation{}, fmt.Errorf("get formation: %w", err)
	}
	return f, nil
}

func (p *PostgresStore) UpdateFormationKind(ctx context.Context, formationID string, kind FormationKind) error {
	_, err := p.db.ExecContext(ctx, `UPDATE formation SET kind = $2 WHERE formationid = $1`, formationID, kind)
	return err
}

func (p *PostgresStore) SetNumberSyncStandbys(ctx context.Context, formationID string, n int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE formation SET number_sync_standbys = $2 WHERE formationid = $1`, formationID, n)
	return err
}

func (p *PostgresStore) DropFormation(ctx context.Context, formationID string) error {
	var count int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM node WHERE formationid = $1`, formationID).Scan(&count); err != nil {
		return fmt.Errorf("count nodes: %w", err)
	}
	if count > 0 {
		return ErrFormationNotEmpty
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM formation WHERE formationid = $1`, formationID)
	return err
}

func (p *PostgresStore) ListAllNodes(ctx context.Context) ([]Node, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM node ORDER BY nodeid`)
	if err != nil {
		return nil, fmt.Errorf("list all nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// WithFormationLock begins a transaction, takes the formation-scoped
// advisory lock (shared unless exclusive is requested), runs fn, and
// commits. Any error from fn rolls the transaction back, so a failed
// transition leaves no partial updates (spec §4.2 "Failure semantics").
func (p *PostgresStore) WithFormationLock(ctx context.Context, formationID string, exclusive bool, fn func(ctx context.Context, tx Tx) error) error {
	return p.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		lockFn := "pg_advisory_xact_lock_shared"
		if exclusive {
			lockFn = "pg_advisory_xact_lock"
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SELECT %s($1, hashtext($2))`, lockFn), lockClassFormation, formationID); err != nil {
			return fmt.Errorf("acquire formation lock: %w", err)
		}
		return fn(ctx, &postgresTx{tx: tx})
	})
}

// WithGroupLock begins a transaction, takes the exclusive group-scoped
// advisory lock, runs fn, and commits.
func (p *PostgresStore) WithGroupLock(ctx context.Context, formationID string, groupID int, fn func(ctx context.Context, tx Tx) error) error {
	return p.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		key := fmt.Sprintf("%s:%d", formationID, groupID)
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, lockClassGroup, key); err != nil {
			return fmt.Errorf("acquire group lock: %w", err)
		}
		return fn(ctx, &postgresTx{tx: tx})
	})
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				p.logger.WithError(rbErr).Error("rollback failed")
			}
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// postgresTx implements Tx over a single *sql.Tx, held while the caller's
// advisory lock is in effect.
type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) NotifyLog(ctx context.Context, message string) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_notify('log', $1)`, message)
	return err
}

func (t *postgresTx) NotifyState(ctx context.Context, n StateNotification) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_notify('state', $1)`, stateNotificationJSON(n))
	return err
}

func (t *postgresTx) NextNodeID(ctx context.Context) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `SELECT nextval('node_nodeid_seq')`).Scan(&id)
	return id, err
}

func (t *postgresTx) InsertNode(ctx context.Context, n Node) (Node, error) {
	const q = `
INSERT INTO node (
	nodeid, formationid, groupid, name, host, port, systemidentifier,
	reportedstate, goalstate, reportedpgisrunning, reportedsyncstate,
	reportedtli, reportedlsn, candidatepriority, replicationquorum,
	health, lastreportat, laststatechangeat, clustertag, params
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now(), now(), $17, $18
)`
	_, err := t.tx.ExecContext(ctx, q,
		n.NodeID, n.FormationID, n.GroupID, n.Name, n.Host, n.Port, n.SystemIdentifier,
		n.ReportedState, n.GoalState, n.ReportedPgIsRunning, n.ReportedSyncState,
		n.ReportedTLI, n.ReportedLSN, n.CandidatePriority, n.ReplicationQuorum,
		n.Health, n.ClusterTag, n.Params,
	)
	if err != nil {
		return Node{}, fmt.Errorf("insert node: %w", err)
	}
	return t.GetNode(ctx, n.NodeID)
}

const nodeColumns = `nodeid, formationid, groupid, name, host, port, systemidentifier,
	reportedstate, goalstate, reportedpgisrunning, reportedsyncstate,
	reportedtli, reportedlsn, candidatepriority, replicationquorum,
	health, lastreportat, laststatechangeat, clustertag, params`

func scanNode(row rowScanner) (Node, error) {
	var n Node
	var reportedState, goalState, health string
	err := row.Scan(
		&n.NodeID, &n.FormationID, &n.GroupID, &n.Name, &n.Host, &n.Port, &n.SystemIdentifier,
		&reportedState, &goalState, &n.ReportedPgIsRunning, &n.ReportedSyncState,
		&n.ReportedTLI, &n.ReportedLSN, &n.CandidatePriority, &n.ReplicationQuorum,
		&health, &n.LastReportAt, &n.LastStateChangeAt, &n.ClusterTag, &n.Params,
	)
	if err != nil {
		return Node{}, err
	}
	n.ReportedState = state.State(reportedState)
	n.GoalState = state.State(goalState)
	n.Health = Health(health)
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (t *postgresTx) GetNode(ctx context.Context, nodeID int64) (Node, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM node WHERE nodeid = $1`, nodeID)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

func (t *postgresTx) GetNodeByHostPort(ctx context.Context, host string, port int) (Node, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM node WHERE host = $1 AND port = $2`, host, port)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node by host/port: %w", err)
	}
	return n, nil
}

func (t *postgresTx) GetNodes(ctx context.Context, filter NodeFilter) ([]Node, error) {
	q := `SELECT ` + nodeColumns + ` FROM node WHERE formationid = $1`
	args := []interface{}{filter.FormationID}

	if filter.GroupID != nil {
		args = append(args, *filter.GroupID)
		q += fmt.Sprintf(" AND groupid = $%d", len(args))
	}
	if filter.ExcludeNode != 0 {
		args = append(args, filter.ExcludeNode)
		q += fmt.Sprintf(" AND nodeid != $%d", len(args))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = s.String()
		}
		args = append(args, pq.Array(states))
		q += fmt.Sprintf(" AND reportedstate = ANY($%d)", len(args))
	}
	q += " ORDER BY nodeid"

	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *postgresTx) UpdateNode(ctx context.Context, n Node) error {
	const q = `
UPDATE node SET
	groupid = $2, name = $3, systemidentifier = $4,
	reportedstate = $5, goalstate = $6, reportedpgisrunning = $7, reportedsyncstate = $8,
	reportedtli = $9, reportedlsn = $10, candidatepriority = $11, replicationquorum = $12,
	health = $13, lastreportat = $14, laststatechangeat = $15, clustertag = $16, params = $17
WHERE nodeid = $1`
	res, err := t.tx.ExecContext(ctx, q,
		n.NodeID, n.GroupID, n.Name, n.SystemIdentifier,
		n.ReportedState, n.GoalState, n.ReportedPgIsRunning, n.ReportedSyncState,
		n.ReportedTLI, n.ReportedLSN, n.CandidatePriority, n.ReplicationQuorum,
		n.Health, n.LastReportAt, n.LastStateChangeAt, n.ClusterTag, n.Params,
	)
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	return checkRowsAffected(res)
}

func (t *postgresTx) DeleteNode(ctx context.Context, nodeID int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM node WHERE nodeid = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) GetFormation(ctx context.Context, formationID string) (Formation, error) {
	return queryFormation(ctx, t.tx, formationID)
}

func (t *postgresTx) UpdateFormationKind(ctx context.Context, formationID string, kind FormationKind) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE formation SET kind = $2 WHERE formationid = $1`, formationID, kind)
	return err
}

func (t *postgresTx) SetNumberSyncStandbys(ctx context.Context, formationID string, n int) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE formation SET number_sync_standbys = $2 WHERE formationid = $1`, formationID, n)
	return err
}

func (t *postgresTx) InsertEvent(ctx context.Context, e Event) error {
	const q = `
INSERT INTO event (nodeid, formationid, groupid, reportedstate, goalstate, reportedtli, reportedlsn, description, params, createdat)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`
	_, err := t.tx.ExecContext(ctx, q, e.NodeID, e.FormationID, e.GroupID, e.ReportedState, e.GoalState, e.ReportedTLI, e.ReportedLSN, e.Description, e.Params)
	return err
}

func (t *postgresTx) LastEvents(ctx context.Context, formationID string, groupID *int, count int) ([]Event, error) {
	q := `SELECT eventid, nodeid, formationid, groupid, reportedstate, goalstate, reportedtli, reportedlsn, description, params, createdat FROM event WHERE true`
	var args []interface{}
	if formationID != "" {
		args = append(args, formationID)
		q += fmt.Sprintf(" AND formationid = $%d", len(args))
	}
	if groupID != nil {
		args = append(args, *groupID)
		q += fmt.Sprintf(" AND groupid = $%d", len(args))
	}
	args = append(args, count)
	q += fmt.Sprintf(" ORDER BY eventid DESC LIMIT $%d", len(args))

	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("last events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var reportedState, goalState string
		if err := rows.Scan(&e.ID, &e.NodeID, &e.FormationID, &e.GroupID, &reportedState, &goalState, &e.ReportedTLI, &e.ReportedLSN, &e.Description, &e.Params, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ReportedState = state.State(reportedState)
		e.GoalState = state.State(goalState)
		out = append(out, e)
	}
	return out, rows.Err()
}

func stateNotificationJSON(n StateNotification) string {
	b, err := json.Marshal(n)
	if err != nil {
		return ""
	}
	return string(b)
}
