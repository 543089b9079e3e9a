// Package nodeactive implements the node_active protocol (spec §4.2,
// component C4): the periodic heartbeat every keeper invokes to report
// its observed Postgres state and learn its next goalState. It follows
// the teacher's sqlElector.checkNodes shape (internal/praefect/nodes/sql_elector.go):
// a shared-lock read/validate phase, a persist phase, then an
// exclusive-lock decision phase that invokes the group transition
// function — here internal/monitor/fsm.Evaluate rather than Praefect's
// majority-health election.
package nodeactive

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/fsm"
	"github.com/pgautofailover/monitor/internal/monitor/monitorerr"
	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// sentinelNodeID is the caller-supplied nodeId value meaning "I don't
// know my nodeId yet" (spec §4.2 step 1: "non-sentinel").
const sentinelNodeID int64 = 0

// Report is what a keeper observes about its own Postgres instance on
// one heartbeat (spec §4.2 Input).
type Report struct {
	FormationID   string
	Host          string
	Port          int
	NodeID        int64
	GroupID       int
	ReportedState state.State
	PgIsRunning   bool
	ReportedTLI   int
	ReportedLSN   int64
	SyncState     string
}

// Result is the record returned to the keeper (spec §4.2 step 7).
type Result struct {
	NodeID            int64
	GroupID           int
	GoalState         state.State
	CandidatePriority int
	ReplicationQuorum bool
}

// Handle processes one node_active call end to end. cfg carries the
// FSM's election timeout and clock (internal/monitor/fsm.Config); the
// heartbeat is otherwise stateless across calls, since every decision is
// keyed on currently persisted state (spec §4.2 "Failure semantics").
func Handle(ctx context.Context, store datastore.Store, cfg fsm.Config, log logrus.FieldLogger, r Report) (Result, error) {
	// A fresh id per call lets an operator grep one heartbeat's full
	// lock-acquire/persist/evaluate trail out of a monitor's log even
	// when many nodes report concurrently.
	log = log.WithField("correlation_id", uuid.New().String())

	var updated datastore.Node

	// Steps 1-4: validate identity, detect a reportedState change, persist
	// the observed tuple, under a shared formation lock.
	err := store.WithFormationLock(ctx, r.FormationID, false, func(ctx context.Context, tx datastore.Tx) error {
		n, err := tx.GetNodeByHostPort(ctx, r.Host, r.Port)
		if err != nil {
			if err == datastore.ErrNotFound {
				return monitorerr.New(monitorerr.KindNotRegistered, "node not registered: "+r.Host)
			}
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "lookup node", err)
		}
		if n.FormationID != r.FormationID {
			return monitorerr.New(monitorerr.KindWrongFormation, "node belongs to a different formation")
		}
		if r.NodeID != sentinelNodeID && r.NodeID != n.NodeID {
			return monitorerr.New(monitorerr.KindRemoved, "node has been removed and replaced")
		}

		if n.ReportedState != r.ReportedState {
			if err := tx.InsertEvent(ctx, datastore.Event{
				NodeID:        n.NodeID,
				FormationID:   n.FormationID,
				GroupID:       n.GroupID,
				ReportedState: r.ReportedState,
				GoalState:     n.GoalState,
				ReportedTLI:   r.ReportedTLI,
				ReportedLSN:   r.ReportedLSN,
				Description:   "node_active: reported state changed",
				Params:        datastore.Params{},
			}); err != nil {
				return monitorerr.Wrap(monitorerr.KindInfrastructure, "insert event", err)
			}
			if err := tx.NotifyLog(ctx, "node "+n.Name+" reported "+r.ReportedState.String()); err != nil {
				return monitorerr.Wrap(monitorerr.KindInfrastructure, "notify log", err)
			}
		}

		n.ReportedState = r.ReportedState
		n.ReportedPgIsRunning = r.PgIsRunning
		n.ReportedTLI = r.ReportedTLI
		n.ReportedLSN = r.ReportedLSN
		n.ReportedSyncState = r.SyncState
		n.LastReportAt = cfg.now()

		if err := tx.UpdateNode(ctx, n); err != nil {
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "persist observed report", err)
		}
		updated = n
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	// Step 5-6: escalate to an exclusive group lock and run the FSM.
	err = store.WithGroupLock(ctx, updated.FormationID, updated.GroupID, func(ctx context.Context, tx datastore.Tx) error {
		return fsm.Evaluate(ctx, tx, cfg, log, updated.FormationID, updated.GroupID)
	})
	if err != nil {
		return Result{}, err
	}

	err = store.WithFormationLock(ctx, updated.FormationID, false, func(ctx context.Context, tx datastore.Tx) error {
		n, err := tx.GetNode(ctx, updated.NodeID)
		if err != nil {
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "reload node after evaluate", err)
		}
		updated = n
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		NodeID:            updated.NodeID,
		GroupID:           updated.GroupID,
		GoalState:         updated.GoalState,
		CandidatePriority: updated.CandidatePriority,
		ReplicationQuorum: updated.ReplicationQuorum,
	}, nil
}
