// Package operator implements the operator-initiated operations of
// spec §4.7 (component C6): perform_failover, perform_promotion,
// start_maintenance, stop_maintenance, set_node_candidate_priority,
// set_node_replication_quorum, and remove_node. Per §4.7: "Each
// operation acquires formation+group locks, validates preconditions,
// writes the new goal states, emits events, and returns. They differ
// only in which inputs and preconditions apply; all funnel through the
// same FSM."
//
// Like C4/C5, it follows the teacher's sqlElector acquire-lock/
// validate/write/return shape, but splits every call across two
// sequential lock scopes rather than one nested one: a shared
// formation-lock pass resolves the caller's identifier (nodeId,
// (host, port), or nodeName) to its (formationId, groupId), then a
// separate exclusive group-lock pass runs the actual FSM transition.
// MemoryStore's WithFormationLock and WithGroupLock both take the same
// process-wide mutex, so nesting them deadlocks; nodeactive.Handle (C4)
// establishes the same two-pass pattern for the same reason.
//
// The protocol surface (spec §6) lists nodeId/(host,port)/nodeName as
// sufficient inputs for these calls, but resolving any of them to the
// (formationId, groupId) a lock can be scoped to requires a formation
// to search within; every function here therefore also takes an
// explicit formationId. Real transports carry this anyway (a tenant
// header, a routing prefix) — spec §6 itself notes "Parameter names are
// design-level; any transport may carry them."
package operator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/fsm"
	"github.com/pgautofailover/monitor/internal/monitor/metrics"
	"github.com/pgautofailover/monitor/internal/monitor/monitorerr"
	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// recordRejection increments OperatorCallsRejectedTotal when err is a
// monitorerr.Error, labeled by the operation name and the error's Kind.
// Errors that aren't a *monitorerr.Error (none should escape this package,
// but defensive here costs nothing) are labeled "unknown" rather than
// dropped, so a gap in the taxonomy shows up as a metric instead of
// silently vanishing.
func recordRejection(operation string, err error) {
	if err == nil {
		return
	}
	kind, ok := monitorerr.KindOf(err)
	if !ok {
		kind = "unknown"
	}
	metrics.OperatorCallsRejectedTotal.WithLabelValues(operation, string(kind)).Inc()
}

// Config layers the operator package's own tunable — the promotion LSN
// threshold of §6 Open Question 3 — on top of the FSM's.
type Config struct {
	FSM fsm.Config
	// PromotionLSNThreshold is how far behind the current primary's last
	// known LSN a perform_promotion target may lag and still be
	// accepted; 0 means it must be fully caught up.
	PromotionLSNThreshold int64
}

// NodeRef identifies a node the way remove_node/start_maintenance/
// stop_maintenance/set_node_* do (spec §6): by NodeID if set, otherwise
// by (Host, Port).
type NodeRef struct {
	NodeID *int64
	Host   string
	Port   int
}

func resolveNode(ctx context.Context, tx datastore.Tx, formationID string, ref NodeRef) (datastore.Node, error) {
	var n datastore.Node
	var err error
	if ref.NodeID != nil {
		n, err = tx.GetNode(ctx, *ref.NodeID)
	} else {
		n, err = tx.GetNodeByHostPort(ctx, ref.Host, ref.Port)
	}
	if err != nil {
		if err == datastore.ErrNotFound {
			return datastore.Node{}, monitorerr.New(monitorerr.KindNotRegistered, "node not found")
		}
		return datastore.Node{}, monitorerr.Wrap(monitorerr.KindInfrastructure, "lookup node", err)
	}
	if n.FormationID != formationID {
		return datastore.Node{}, monitorerr.New(monitorerr.KindWrongFormation, "node belongs to a different formation")
	}
	return n, nil
}

func loadGroup(ctx context.Context, tx datastore.Tx, formationID string, groupID int) (fsm.GroupView, error) {
	nodes, err := tx.GetNodes(ctx, datastore.NodeFilter{FormationID: formationID, GroupID: &groupID})
	if err != nil {
		return fsm.GroupView{}, monitorerr.Wrap(monitorerr.KindInfrastructure, "load group", err)
	}
	return fsm.GroupView{FormationID: formationID, GroupID: groupID, Nodes: nodes}, nil
}

// RemoveNode implements remove_node (spec §6, §3 "Lifecycle", §4.3
// trigger (b)). The node's record is deleted under the formation's
// exclusive lock; if it was writable, a separate exclusive group-lock
// pass starts a failover among the survivors — matching scenario §8.4
// ("remove_node(A). All surviving nodes are assigned report_lsn"),
// since fsm.StartFailover, given a view that no longer contains the
// removed primary, has no primary left to drain and goes straight to
// asking every eligible survivor to report its LSN.
func RemoveNode(ctx context.Context, store datastore.Store, cfg Config, log logrus.FieldLogger, formationID string, ref NodeRef, force bool) (ok bool, err error) {
	defer func() { recordRejection("remove_node", err) }()

	var removed datastore.Node
	var wasWritable bool

	err = store.WithFormationLock(ctx, formationID, true, func(ctx context.Context, tx datastore.Tx) error {
		n, err := resolveNode(ctx, tx, formationID, ref)
		if err != nil {
			return err
		}

		peers, err := tx.GetNodes(ctx, datastore.NodeFilter{FormationID: n.FormationID, GroupID: &n.GroupID})
		if err != nil {
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "list group peers", err)
		}
		if len(peers) == 1 && state.IsInMaintenance(n.GoalState) && !force {
			return monitorerr.New(monitorerr.KindPreconditionFailed, "cannot remove the last node of a group while it is in maintenance without force")
		}

		wasWritable = state.IsWritableOrDemoted(n.GoalState)
		removed = n

		if err := tx.DeleteNode(ctx, n.NodeID); err != nil {
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "delete node", err)
		}
		return tx.InsertEvent(ctx, datastore.Event{
			NodeID:      n.NodeID,
			FormationID: n.FormationID,
			GroupID:     n.GroupID,
			Description: "operator: node removed",
			Params:      datastore.Params{},
		})
	})
	if err != nil {
		return false, err
	}

	if !wasWritable {
		return true, nil
	}

	err = store.WithGroupLock(ctx, removed.FormationID, removed.GroupID, func(ctx context.Context, tx datastore.Tx) error {
		v, err := loadGroup(ctx, tx, removed.FormationID, removed.GroupID)
		if err != nil {
			return err
		}
		if len(v.Nodes) == 0 {
			// The group had only this one node; it disappears with it
			// (spec §8 boundary (c)).
			return nil
		}
		return fsm.StartFailover(ctx, tx, cfg.FSM, log, v)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// PerformFailover implements perform_failover (spec §6, preconditions in
// §4.3): an untargeted election among the group's current members.
func PerformFailover(ctx context.Context, store datastore.Store, cfg Config, log logrus.FieldLogger, formationID string, groupID int) (err error) {
	defer func() { recordRejection("perform_failover", err) }()

	return store.WithGroupLock(ctx, formationID, groupID, func(ctx context.Context, tx datastore.Tx) error {
		v, err := loadGroup(ctx, tx, formationID, groupID)
		if err != nil {
			return err
		}
		if len(v.Nodes) == 0 {
			return monitorerr.New(monitorerr.KindPreconditionFailed, "group has no nodes")
		}
		if fsm.InProgress(v) {
			return monitorerr.New(monitorerr.KindBusyRetry, "group already has a transition in progress")
		}
		return fsm.StartFailover(ctx, tx, cfg.FSM, log, v)
	})
}

// PerformPromotion implements perform_promotion (spec §6: "targeted
// failover"; §6 Open Question 3's preconditions: candidatePriority>0
// and reportedLSN within Config.PromotionLSNThreshold of the current
// primary's last known LSN).
func PerformPromotion(ctx context.Context, store datastore.Store, cfg Config, log logrus.FieldLogger, formationID, nodeName string) (ok bool, err error) {
	defer func() { recordRejection("perform_promotion", err) }()

	var target datastore.Node
	var primaryLSN int64

	err = store.WithFormationLock(ctx, formationID, false, func(ctx context.Context, tx datastore.Tx) error {
		nodes, err := tx.GetNodes(ctx, datastore.NodeFilter{FormationID: formationID})
		if err != nil {
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "list formation nodes", err)
		}

		found := false
		for _, n := range nodes {
			if n.Name == nodeName {
				target = n
				found = true
				break
			}
		}
		if !found {
			return monitorerr.New(monitorerr.KindNotRegistered, "node "+nodeName+" not found in formation "+formationID)
		}
		if target.CandidatePriority <= 0 {
			return monitorerr.New(monitorerr.KindPreconditionFailed, "target node has candidatePriority 0 and can never be promoted")
		}

		for _, n := range nodes {
			if n.GroupID == target.GroupID && state.IsWritableOrDemoted(n.GoalState) {
				primaryLSN = n.ReportedLSN
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if lag := primaryLSN - target.ReportedLSN; lag > cfg.PromotionLSNThreshold {
		return false, monitorerr.New(monitorerr.KindPreconditionFailed, "target node lags the current primary beyond the configured promotion threshold")
	}

	err = store.WithGroupLock(ctx, target.FormationID, target.GroupID, func(ctx context.Context, tx datastore.Tx) error {
		v, err := loadGroup(ctx, tx, target.FormationID, target.GroupID)
		if err != nil {
			return err
		}
		if fsm.InProgress(v) {
			return monitorerr.New(monitorerr.KindBusyRetry, "group already has a transition in progress")
		}
		current, ok := v.ByID(target.NodeID)
		if !ok {
			return monitorerr.New(monitorerr.KindInternal, "target node vanished between lookup and promotion")
		}
		return fsm.StartPromotion(ctx, tx, cfg.FSM, v, current)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// StartMaintenance implements start_maintenance (spec §6, §4.3
// "Maintenance"): rejected if the target is the group's primary and
// fewer than two nodes exist to fail over onto.
func StartMaintenance(ctx context.Context, store datastore.Store, cfg Config, formationID string, ref NodeRef) (ok bool, err error) {
	defer func() { recordRejection("start_maintenance", err) }()

	var target datastore.Node
	err = store.WithFormationLock(ctx, formationID, false, func(ctx context.Context, tx datastore.Tx) error {
		n, err := resolveNode(ctx, tx, formationID, ref)
		if err != nil {
			return err
		}
		target = n
		return nil
	})
	if err != nil {
		return false, err
	}

	err = store.WithGroupLock(ctx, target.FormationID, target.GroupID, func(ctx context.Context, tx datastore.Tx) error {
		v, err := loadGroup(ctx, tx, target.FormationID, target.GroupID)
		if err != nil {
			return err
		}
		if fsm.InProgress(v) {
			return monitorerr.New(monitorerr.KindBusyRetry, "group already has a transition in progress")
		}
		current, ok := v.ByID(target.NodeID)
		if !ok {
			return monitorerr.New(monitorerr.KindInternal, "target node vanished between lookup and maintenance")
		}
		if state.CanTakeWrites(current.GoalState) && len(v.Nodes) < 2 {
			return monitorerr.New(monitorerr.KindPreconditionFailed, "cannot start maintenance on the sole node of a group")
		}
		return fsm.StartMaintenance(ctx, tx, cfg.FSM, v, current)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// StopMaintenance implements stop_maintenance (spec §6).
func StopMaintenance(ctx context.Context, store datastore.Store, cfg Config, formationID string, ref NodeRef) (ok bool, err error) {
	defer func() { recordRejection("stop_maintenance", err) }()

	var target datastore.Node
	err = store.WithFormationLock(ctx, formationID, false, func(ctx context.Context, tx datastore.Tx) error {
		n, err := resolveNode(ctx, tx, formationID, ref)
		if err != nil {
			return err
		}
		target = n
		return nil
	})
	if err != nil {
		return false, err
	}

	err = store.WithGroupLock(ctx, target.FormationID, target.GroupID, func(ctx context.Context, tx datastore.Tx) error {
		v, err := loadGroup(ctx, tx, target.FormationID, target.GroupID)
		if err != nil {
			return err
		}
		current, ok := v.ByID(target.NodeID)
		if !ok {
			return monitorerr.New(monitorerr.KindInternal, "target node vanished between lookup and maintenance")
		}
		return fsm.StopMaintenance(ctx, tx, cfg.FSM, v, current)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetNodeCandidatePriority implements set_node_candidate_priority (spec
// §6: "0..100, quorum check"; spec §3 invariant 7: the count of nodes
// with candidatePriority>0 in a group may never drop below 2).
func SetNodeCandidatePriority(ctx context.Context, store datastore.Store, formationID string, ref NodeRef, priority int) (ok bool, err error) {
	defer func() { recordRejection("set_node_candidate_priority", err) }()

	if priority < 0 || priority > 100 {
		return false, monitorerr.New(monitorerr.KindInput, "candidatePriority must be in 0..100")
	}

	err = store.WithFormationLock(ctx, formationID, true, func(ctx context.Context, tx datastore.Tx) error {
		n, err := resolveNode(ctx, tx, formationID, ref)
		if err != nil {
			return err
		}

		if priority == 0 && n.CandidatePriority != 0 {
			if err := requireMinNonzeroPriorityPeers(ctx, tx, n, 2); err != nil {
				return err
			}
		}

		n.CandidatePriority = priority
		if err := tx.UpdateNode(ctx, n); err != nil {
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "update candidate priority", err)
		}
		return tx.InsertEvent(ctx, datastore.Event{
			NodeID:      n.NodeID,
			FormationID: n.FormationID,
			GroupID:     n.GroupID,
			Description: "operator: candidate priority changed",
			Params:      datastore.Params{},
		})
	})
	return true, err
}

// SetNodeReplicationQuorum implements set_node_replication_quorum (spec
// §6: "quorum check"; spec §3 invariant 8: a group's count of remaining
// quorum participants may never drop below number_sync_standbys+1; §8
// boundary (b): "Setting replicationQuorum=false on the last quorum
// participant is rejected").
func SetNodeReplicationQuorum(ctx context.Context, store datastore.Store, formationID string, ref NodeRef, quorum bool) (ok bool, err error) {
	defer func() { recordRejection("set_node_replication_quorum", err) }()

	err = store.WithFormationLock(ctx, formationID, true, func(ctx context.Context, tx datastore.Tx) error {
		n, err := resolveNode(ctx, tx, formationID, ref)
		if err != nil {
			return err
		}

		if !quorum && n.ReplicationQuorum {
			f, err := tx.GetFormation(ctx, n.FormationID)
			if err != nil {
				return monitorerr.Wrap(monitorerr.KindInfrastructure, "lookup formation", err)
			}
			if err := requireMinQuorumPeers(ctx, tx, n, f.NumberSyncStandbys+1); err != nil {
				return err
			}
		}

		n.ReplicationQuorum = quorum
		if err := tx.UpdateNode(ctx, n); err != nil {
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "update replication quorum", err)
		}
		return tx.InsertEvent(ctx, datastore.Event{
			NodeID:      n.NodeID,
			FormationID: n.FormationID,
			GroupID:     n.GroupID,
			Description: "operator: replication quorum changed",
			Params:      datastore.Params{},
		})
	})
	return true, err
}

// requireMinQuorumPeers rejects with precondition-failed unless at least
// floor standbys other than n in n's group still qualify as quorum
// participants (spec GLOSSARY: replicationQuorum=true and
// candidatePriority>0) after the caller's pending change drops n out of
// the quorum set. This enforces spec §3 invariant 8: a group's count of
// quorum participants may never fall below number_sync_standbys+1. The
// primary itself is never counted: synchronous_standby_names (§4.5) is
// built from the standby set only, so the floor is a floor on standbys,
// not on the group's node count overall.
func requireMinQuorumPeers(ctx context.Context, tx datastore.Tx, n datastore.Node, floor int) error {
	peers, err := tx.GetNodes(ctx, datastore.NodeFilter{FormationID: n.FormationID, GroupID: &n.GroupID})
	if err != nil {
		return monitorerr.Wrap(monitorerr.KindInfrastructure, "list group peers", err)
	}
	count := 0
	for _, p := range peers {
		if p.NodeID == n.NodeID {
			continue
		}
		if state.IsWritableOrDemoted(p.GoalState) {
			continue
		}
		if p.IsQuorumParticipant() {
			count++
		}
	}
	if count < floor {
		return monitorerr.New(monitorerr.KindPreconditionFailed, "cannot drop below the group's required quorum participant floor")
	}
	return nil
}

// requireMinNonzeroPriorityPeers rejects with precondition-failed unless
// at least floor standbys other than n in n's group still have
// candidatePriority>0 after the caller's pending change drops n's
// priority to 0. This enforces spec §3 invariant 7, which is independent
// of replicationQuorum and of number_sync_standbys: it is a flat floor on
// how many nodes in a group may ever be eligible promotion candidates.
func requireMinNonzeroPriorityPeers(ctx context.Context, tx datastore.Tx, n datastore.Node, floor int) error {
	peers, err := tx.GetNodes(ctx, datastore.NodeFilter{FormationID: n.FormationID, GroupID: &n.GroupID})
	if err != nil {
		return monitorerr.Wrap(monitorerr.KindInfrastructure, "list group peers", err)
	}
	count := 0
	for _, p := range peers {
		if p.NodeID == n.NodeID {
			continue
		}
		if state.IsWritableOrDemoted(p.GoalState) {
			continue
		}
		if p.CandidatePriority > 0 {
			count++
		}
	}
	if count < floor {
		return monitorerr.New(monitorerr.KindPreconditionFailed, "cannot drop below the group's required candidate-priority floor")
	}
	return nil
}
