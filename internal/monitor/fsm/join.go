package fsm

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// joinStates are the roles a node holds while attaching to, or being
// attached to, a primary: a fresh primary waiting for its first standby
// (wait_primary/join_primary), and a standby streaming up to date
// (wait_standby/catchingup/join_secondary) before settling at secondary.
// stepWinnerLadder in election.go lands a freshly-elected primary at
// wait_primary and a fast-forwarded loser at catchingup, so both the
// ordinary "attach a new standby" dance and the post-election handoff
// converge on this same stepper.
var joinStates = map[state.State]struct{}{
	state.WaitPrimary:   {},
	state.JoinPrimary:   {},
	state.WaitStandby:   {},
	state.CatchingUp:    {},
	state.JoinSecondary: {},
}

func joinInProgress(v GroupView) bool {
	for _, n := range v.Nodes {
		if _, ok := joinStates[n.GoalState]; ok {
			return true
		}
	}
	return false
}

// StartJoin assigns a brand-new node its initial goalState: wait_standby
// if a primary already exists for the group (it streams up before being
// promoted to secondary), or single if it is the group's first node
// (handled by the registration component, C5, which calls this once the
// node row is inserted). The existing primary is parked at wait_primary
// (two-node: it had no other standby yet) or join_primary (it already
// has at least one other standby and is only pausing its sync-quorum
// bookkeeping while the new one attaches), per spec §4.3 "Attaching a
// standby".
func StartJoin(ctx context.Context, tx datastore.Tx, cfg Config, v GroupView, n datastore.Node) error {
	primary, hasPrimary := v.Primary()
	if hasPrimary && primary.NodeID == n.NodeID {
		// v already holds n with the single goalState registration gave it.
		hasPrimary = false
	}
	if !hasPrimary {
		n.GoalState = state.Single
		return apply(ctx, tx, cfg, v, []mutation{{n, "registration: first node in group, assigned single"}})
	}

	n.GoalState = state.WaitStandby
	muts := []mutation{{n, "registration: new standby waiting to catch up"}}

	switch primary.GoalState {
	case state.Single:
		primary.GoalState = state.WaitPrimary
		muts = append(muts, mutation{primary, "registration: primary now waiting for standby to attach"})
	case state.Primary:
		primary.GoalState = state.JoinPrimary
		muts = append(muts, mutation{primary, "registration: primary pausing quorum while new standby attaches"})
	}

	_, err := apply(ctx, tx, cfg, v, muts)
	return err
}

// stepJoin advances each standby one rung of its catch-up ladder, and
// once at least one has reached secondary, promotes a primary parked at
// wait_primary/join_primary. A standby still earlier in the ladder does
// not block that promotion — the group only needs one quorum partner to
// go live, and slower peers keep climbing independently on later rounds.
func stepJoin(ctx context.Context, tx datastore.Tx, cfg Config, log logrus.FieldLogger, v GroupView) (bool, error) {
	primary, hasPrimary := v.Primary()

	haveSecondary := false
	for _, n := range v.Nodes {
		if hasPrimary && n.NodeID == primary.NodeID {
			continue
		}
		switch n.GoalState {
		case state.WaitStandby:
			if n.ReportedState == state.WaitStandby {
				n.GoalState = state.CatchingUp
				return apply(ctx, tx, cfg, v, []mutation{{n, "join: standby streaming, catching up"}})
			}
		case state.CatchingUp:
			if n.ReportedState == state.CatchingUp {
				n.GoalState = state.Secondary
				return apply(ctx, tx, cfg, v, []mutation{{n, "join: standby caught up"}})
			}
		case state.JoinSecondary:
			if n.ReportedState == state.JoinSecondary {
				n.GoalState = state.Secondary
				return apply(ctx, tx, cfg, v, []mutation{{n, "join: standby attached to new primary"}})
			}
		case state.Secondary:
			haveSecondary = true
		}
	}

	if !hasPrimary || !haveSecondary {
		return false, nil
	}

	switch primary.GoalState {
	case state.WaitPrimary:
		if primary.ReportedState == state.WaitPrimary {
			primary.GoalState = state.Primary
			return apply(ctx, tx, cfg, v, []mutation{{primary, "join: standby attached, primary promoted"}})
		}
	case state.JoinPrimary:
		if primary.ReportedState == state.JoinPrimary {
			primary.GoalState = state.Primary
			return apply(ctx, tx, cfg, v, []mutation{{primary, "join: new primary fully attached"}})
		}
	}

	return false, nil
}
