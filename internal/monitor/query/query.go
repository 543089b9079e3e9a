// Package query implements the read-only half of the protocol surface
// (spec §6 table: get_nodes, get_primary, get_other_nodes, last_events)
// that spec.md's prose (§4) never walks through but the protocol table
// requires (SPEC_FULL.md §4 "Supplemented features"). Each operation is a
// single query under a shared formation lock — read-only, so it never
// contends with node_active/operator calls taking the same lock
// exclusively, only with other readers — following the teacher's
// sqlElector read-path shape without the write-and-notify tail.
package query

import (
	"context"

	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/fsm"
	"github.com/pgautofailover/monitor/internal/monitor/monitorerr"
	"github.com/pgautofailover/monitor/internal/monitor/state"
	"github.com/pgautofailover/monitor/internal/monitor/syncstandby"
)

// GetNodes implements get_nodes: every node in the formation, optionally
// narrowed to one group.
func GetNodes(ctx context.Context, store datastore.Store, formationID string, groupID *int) ([]datastore.Node, error) {
	var nodes []datastore.Node
	err := store.WithFormationLock(ctx, formationID, false, func(ctx context.Context, tx datastore.Tx) error {
		var err error
		nodes, err = tx.GetNodes(ctx, datastore.NodeFilter{FormationID: formationID, GroupID: groupID})
		return err
	})
	return nodes, err
}

// GetPrimary implements get_primary: the writable-or-demoted node of the
// given group, if any.
func GetPrimary(ctx context.Context, store datastore.Store, formationID string, groupID int) (datastore.Node, error) {
	var primary datastore.Node
	err := store.WithFormationLock(ctx, formationID, false, func(ctx context.Context, tx datastore.Tx) error {
		nodes, err := tx.GetNodes(ctx, datastore.NodeFilter{FormationID: formationID, GroupID: groupID})
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if state.IsWritableOrDemoted(n.GoalState) {
				primary = n
				return nil
			}
		}
		return monitorerr.New(monitorerr.KindNotRegistered, "group has no primary")
	})
	return primary, err
}

// GetOtherNodes implements get_other_nodes: every node in nodeID's group
// except nodeID itself.
func GetOtherNodes(ctx context.Context, store datastore.Store, formationID string, nodeID int64) ([]datastore.Node, error) {
	var others []datastore.Node
	err := store.WithFormationLock(ctx, formationID, false, func(ctx context.Context, tx datastore.Tx) error {
		n, err := tx.GetNode(ctx, nodeID)
		if err != nil {
			if err == datastore.ErrNotFound {
				return monitorerr.New(monitorerr.KindNotRegistered, "node not found")
			}
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "lookup node", err)
		}
		if n.FormationID != formationID {
			return monitorerr.New(monitorerr.KindWrongFormation, "node belongs to a different formation")
		}
		others, err = tx.GetNodes(ctx, datastore.NodeFilter{FormationID: formationID, GroupID: &n.GroupID, ExcludeNode: nodeID})
		return err
	})
	return others, err
}

// GetSynchronousStandbyNames implements synchronous_standby_names (spec
// §4.5, component C7): the primary's synchronous_standby_names string
// for one group, built by syncstandby.Build from the same GroupView and
// formation-configured number_sync_standbys the FSM uses to drive
// transitions for that group.
func GetSynchronousStandbyNames(ctx context.Context, store datastore.Store, formationID string, groupID int) (string, error) {
	var value string
	err := store.WithFormationLock(ctx, formationID, false, func(ctx context.Context, tx datastore.Tx) error {
		f, err := tx.GetFormation(ctx, formationID)
		if err != nil {
			if err == datastore.ErrNotFound {
				return monitorerr.New(monitorerr.KindNotRegistered, "formation "+formationID+" does not exist")
			}
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "lookup formation", err)
		}

		nodes, err := tx.GetNodes(ctx, datastore.NodeFilter{FormationID: formationID, GroupID: &groupID})
		if err != nil {
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "list group nodes", err)
		}

		v := fsm.GroupView{FormationID: formationID, GroupID: groupID, Nodes: nodes}
		built, ok := syncstandby.Build(v, f.NumberSyncStandbys)
		if !ok {
			return monitorerr.New(monitorerr.KindNotRegistered, "group has no nodes")
		}
		value = built
		return nil
	})
	return value, err
}

// LastEvents implements last_events: the count most recent events,
// optionally narrowed to one group.
func LastEvents(ctx context.Context, store datastore.Store, formationID string, groupID *int, count int) ([]datastore.Event, error) {
	var events []datastore.Event
	err := store.WithFormationLock(ctx, formationID, false, func(ctx context.Context, tx datastore.Tx) error {
		var err error
		events, err = tx.LastEvents(ctx, formationID, groupID, count)
		return err
	})
	return events, err
}
