// Package datastore provides the monitor's durable data model (spec §3,
// component C1): formations, nodes, events, and the advisory locks that
// serialize the group FSM. It follows the shape of the teacher's
// internal/praefect/datastore package: a small set of JSON-friendly value
// types plus two interchangeable Store implementations (Postgres-backed
// and in-memory), so callers (internal/monitor/fsm and friends) program
// against the Store interface and tests can pick either backend.
package datastore

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// FormationKind distinguishes a plain pgsql formation from a Citus
// formation, which reserves group 0 for the coordinator (spec §4.4).
type FormationKind string

const (
	FormationPgsql FormationKind = "pgsql"
	FormationCitus FormationKind = "citus"
)

func (k FormationKind) String() string { return string(k) }

// Health is the liveness verdict the health-check worker (C8) assigns to
// a node; the FSM (C3) consults it when deciding whether to initiate a
// failover.
type Health string

const (
	HealthUnknown Health = "unknown"
	HealthGood    Health = "good"
	HealthBad     Health = "bad"
)

func (h Health) String() string { return string(h) }

// Params is a small JSON-encodable bag of additional attributes, kept
// for forward-compatible metadata (e.g. a node's cluster tag carries
// free-form operator annotations). Lifted from the teacher's
// datastore.Params (internal/praefect/datastore/datastore.go), which
// plays the same "flexible JSONB column" role for replication job
// parameters.
type Params map[string]interface{}

// Scan assigns a value from a database driver.
func (p *Params) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	d, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected type received: %T", value)
	}

	return json.Unmarshal(d, p)
}

// Value returns a driver Value.
func (p Params) Value() (driver.Value, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GetString returns the string parameter associated with key.
func (p Params) GetString(key string) (string, bool) {
	v, found := p[key]
	if !found {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Formation is a named administrative unit (spec §3).
type Formation struct {
	ID                 string
	Kind               FormationKind
	DBName             string
	OptSecondary       bool
	NumberSyncStandbys int
}

// Node is a managed replica (spec §3).
type Node struct {
	NodeID              int64
	FormationID         string
	GroupID             int
	Name                string
	Host                string
	Port                int
	SystemIdentifier    *int64
	ReportedState       state.State
	GoalState           state.State
	ReportedPgIsRunning bool
	ReportedSyncState   string
	ReportedTLI         int
	ReportedLSN         int64
	CandidatePriority   int
	ReplicationQuorum   bool
	Health              Health
	LastReportAt        time.Time
	LastStateChangeAt   time.Time
	ClusterTag          string
	Params              Params
}

// IsQuorumParticipant reports whether n is a quorum participant (spec
// GLOSSARY): ReplicationQuorum=true and CandidatePriority>0.
func (n Node) IsQuorumParticipant() bool {
	return n.ReplicationQuorum && n.CandidatePriority > 0
}

// Event is an append-only record of a state transition (spec §3).
type Event struct {
	ID            int64
	NodeID        int64
	FormationID   string
	GroupID       int
	ReportedState state.State
	GoalState     state.State
	ReportedTLI   int
	ReportedLSN   int64
	Description   string
	Params        Params
	CreatedAt     time.Time
}

// NotificationChannel names one of the two pub/sub channels spec §6
// defines: "log" (human-readable) and "state" (structured).
type NotificationChannel string

const (
	ChannelLog   NotificationChannel = "log"
	ChannelState NotificationChannel = "state"
)

// StateNotification is the structured payload published on ChannelState
// (spec §6: "a record containing formationId, groupId, nodeId, name,
// host, port, reportedState, goalState, health").
type StateNotification struct {
	FormationID   string `json:"formation_id"`
	GroupID       int    `json:"group_id"`
	NodeID        int64  `json:"node_id"`
	Name          string `json:"name"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	ReportedState string `json:"reported_state"`
	GoalState     string `json:"goal_state"`
	Health        string `json:"health"`
}

// Notifier publishes to the two named channels. The Postgres-backed
// store implements it over LISTEN/NOTIFY; the in-memory store implements
// it over local channels for single-process tests.
type Notifier interface {
	NotifyLog(ctx context.Context, message string) error
	NotifyState(ctx context.Context, n StateNotification) error
}

// ErrNotFound is returned by single-record lookups when nothing matches.
var ErrNotFound = errors.New("datastore: not found")

// ErrFormationNotEmpty is returned by DropFormation when nodes remain.
var ErrFormationNotEmpty = errors.New("datastore: formation is not empty")

// NodeFilter narrows GetNodes/GetOtherNodes queries.
type NodeFilter struct {
	FormationID string
	GroupID     *int
	States      []state.State
	ExcludeNode int64
}

// Store is the durable metadata store (component C1). Both
// implementations (postgres.go, memory.go) provide identical semantics
// for the locking discipline of spec §3 "Ownership"/§5: WithFormationLock
// takes a shared or exclusive advisory lock scoped to formationId for the
// duration of fn; WithGroupLock takes an exclusive advisory lock scoped
// to (formationId, groupId). Each call runs fn inside a transaction the
// Store opens and commits itself (PostgresStore) or under its
// process-wide mutex (MemoryStore) — callers do not manage transactions
// directly.
type Store interface {
	Notifier

	CreateFormation(ctx context.Context, f Formation) (Formation, error)
	GetFormation(ctx context.Context, formationID string) (Formation, error)
	UpdateFormationKind(ctx context.Context, formationID string, kind FormationKind) error
	SetNumberSyncStandbys(ctx context.Context, formationID string, n int) error
	DropFormation(ctx context.Context, formationID string) error

	// ListAllNodes returns every node across every formation, read
	// outside of any formation/group lock. The health-check worker
	// (component C8) is the only caller: its periodic scan has no single
	// formation to lock, since it probes the whole fleet each cycle, and
	// a plain snapshot read is sufficient since probing a node that is
	// concurrently being deleted just means one wasted dial. Locking
	// happens later, per (formation, group), only when a probe verdict
	// needs to drive an FSM transition.
	ListAllNodes(ctx context.Context) ([]Node, error)

	// WithFormationLock runs fn holding a lock (shared when exclusive is
	// false, exclusive otherwise) scoped to formationID, within a single
	// transaction. fn receives a Tx bound to that transaction.
	WithFormationLock(ctx context.Context, formationID string, exclusive bool, fn func(ctx context.Context, tx Tx) error) error

	// WithGroupLock runs fn holding an exclusive lock scoped to
	// (formationID, groupID), within a single transaction.
	WithGroupLock(ctx context.Context, formationID string, groupID int, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the subset of Store operations valid inside a locked transaction
// (the callback passed to WithFormationLock/WithGroupLock). Splitting it
// from Store keeps "you must hold the lock to mutate nodes" enforced by
// the type system rather than by convention.
type Tx interface {
	Notifier

	InsertNode(ctx context.Context, n Node) (Node, error)
	GetNode(ctx context.Context, nodeID int64) (Node, error)
	GetNodeByHostPort(ctx context.Context, host string, port int) (Node, error)
	GetNodes(ctx context.Context, filter NodeFilter) ([]Node, error)
	UpdateNode(ctx context.Context, n Node) error
	DeleteNode(ctx context.Context, nodeID int64) error
	NextNodeID(ctx context.Context) (int64, error)

	GetFormation(ctx context.Context, formationID string) (Formation, error)
	UpdateFormationKind(ctx context.Context, formationID string, kind FormationKind) error
	SetNumberSyncStandbys(ctx context.Context, formationID string, n int) error

	InsertEvent(ctx context.Context, e Event) error
	LastEvents(ctx context.Context, formationID string, groupID *int, count int) ([]Event, error)
}
