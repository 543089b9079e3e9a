package fsm

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// maintenanceTargetParam marks, in a node's Params bag, that it was put
// into maintenance by an operator call — distinguishing a primary
// stepping down for planned maintenance from one demoted by an ordinary
// failover, both of which share the same draining/demote_timeout/demoted
// ladder in election.go. There is no dedicated schema column for this;
// Params already exists as the free-form per-node metadata bag (spec §3)
// so it is the natural home for a marker that only fsm and the operator
// package need to agree on.
const maintenanceTargetParam = "maintenance_target"

func isMaintenanceTarget(n datastore.Node) bool {
	v, ok := n.Params[maintenanceTargetParam]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func maintenanceInProgress(v GroupView) bool {
	for _, n := range v.Nodes {
		switch n.GoalState {
		case state.PrepareMaintenance, state.WaitMaintenance:
			return true
		case state.Demoted:
			if isMaintenanceTarget(n) {
				return true
			}
		}
	}
	return false
}

// StartMaintenance marks n for maintenance (operator op C6). A primary
// goes to prepare_maintenance first so it keeps serving writes until the
// keeper acknowledges, at which point stepMaintenance below drives the
// same step-down ladder stepElection uses for an ordinary failover. A
// standby goes straight to wait_maintenance since it holds no write
// traffic, but taking it offline still costs the group a quorum
// participant, so the primary is parked exactly as StartJoin parks it
// when a standby attaches: wait_primary for a two-node group (the
// primary is left with no standby at all), join_primary for a
// three-or-more-node group (it keeps at least one other standby, and is
// only pausing its sync-quorum bookkeeping) — spec §4.3 "start_maintenance
// on a secondary routes primary→wait_primary (two-node) or join_primary
// (≥3-node)".
func StartMaintenance(ctx context.Context, tx datastore.Tx, cfg Config, v GroupView, n datastore.Node) error {
	if n.Params == nil {
		n.Params = datastore.Params{}
	}
	n.Params[maintenanceTargetParam] = true

	if state.CanTakeWrites(n.GoalState) {
		n.GoalState = state.PrepareMaintenance
		_, err := apply(ctx, tx, cfg, v, []mutation{{n, "maintenance: primary preparing to step down"}})
		return err
	}

	n.GoalState = state.WaitMaintenance
	muts := []mutation{{n, "maintenance: standby pausing for maintenance"}}

	if primary, hasPrimary := v.Primary(); hasPrimary {
		if len(v.Nodes) <= 2 {
			primary.GoalState = state.WaitPrimary
			muts = append(muts, mutation{primary, "maintenance: primary now waiting, its only standby is pausing"})
		} else {
			primary.GoalState = state.JoinPrimary
			muts = append(muts, mutation{primary, "maintenance: primary pausing quorum bookkeeping while a standby is out"})
		}
	}

	_, err := apply(ctx, tx, cfg, v, muts)
	return err
}

// StopMaintenance reverses StartMaintenance (operator op C6): the target
// resumes streaming (catchingup, so it re-syncs before counting as a
// quorum participant again), and a primary left parked at
// wait_primary/join_primary while the target was out returns straight to
// primary — it never actually lost write availability, unlike the
// primary-maintenance path, which hands writes to a newly-elected
// primary via an ordinary failover instead. Spec §8 "Round-trip laws":
// start_maintenance(n); stop_maintenance(n) restores the group's
// goalState vector (modulo the target's own re-sync climb back to
// secondary on its next heartbeats).
func StopMaintenance(ctx context.Context, tx datastore.Tx, cfg Config, v GroupView, n datastore.Node) error {
	if n.GoalState != state.WaitMaintenance && n.GoalState != state.Maintenance {
		return invalidTransition("node %d is not under maintenance", n.NodeID)
	}

	if n.Params != nil {
		delete(n.Params, maintenanceTargetParam)
	}
	n.GoalState = state.CatchingUp
	muts := []mutation{{n, "maintenance: target resuming, catching up"}}

	if primary, hasPrimary := v.Primary(); hasPrimary {
		switch primary.GoalState {
		case state.WaitPrimary, state.JoinPrimary:
			primary.GoalState = state.Primary
			muts = append(muts, mutation{primary, "maintenance: primary resuming normal quorum, target is back"})
		}
	}

	_, err := apply(ctx, tx, cfg, v, muts)
	return err
}

func stepMaintenance(ctx context.Context, tx datastore.Tx, cfg Config, log logrus.FieldLogger, v GroupView) (bool, error) {
	for _, n := range v.Nodes {
		switch n.GoalState {
		case state.PrepareMaintenance:
			if n.ReportedState == state.PrepareMaintenance {
				if err := StartFailover(ctx, tx, cfg, log, v); err != nil {
					return false, err
				}
				return true, nil
			}
		case state.WaitMaintenance:
			if n.ReportedState == state.WaitMaintenance {
				n.GoalState = state.Maintenance
				return apply(ctx, tx, cfg, v, []mutation{{n, "maintenance: standby parked"}})
			}
		case state.Demoted:
			if isMaintenanceTarget(n) {
				n.GoalState = state.WaitMaintenance
				return apply(ctx, tx, cfg, v, []mutation{{n, "maintenance: former primary parking for maintenance"}})
			}
		}
	}
	return false, nil
}
