package fsm

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// electionStates are the transient roles a node holds while a failover
// election is actively running (§4.3 "the report-LSN dance"): the
// departing primary steps down through draining and demote_timeout;
// surviving peers report their LSN; the winner moves through
// prepare_promotion and stop_replication; losers that lag the winner are
// fast-forwarded. Demoted is deliberately excluded: it is the ladder's
// resting state, not an in-progress one — once the old primary reaches
// it, the election is over from the FSM's point of view, and the node
// stays parked there until maintenance.go claims it (the operator marked
// it a maintenance target) or an operator drops it.
var electionStates = map[state.State]struct{}{
	state.Draining:         {},
	state.DemoteTimeout:    {},
	state.ReportLSN:        {},
	state.PreparePromotion: {},
	state.StopReplication:  {},
	state.FastForward:      {},
}

func electionInProgress(v GroupView) bool {
	for _, n := range v.Nodes {
		if _, ok := electionStates[n.GoalState]; ok {
			return true
		}
	}
	return false
}

// StartFailover begins the §4.3 report-LSN election: the current primary
// (if any) is assigned draining, and every non-maintenance peer is asked
// to report its LSN. Called by internal/monitor/operator's
// PerformFailover and RemoveNode (when the removed node was the primary),
// by stepMaintenance, and by the health worker when it verdicts the primary bad with an eligible
// standby present.
func StartFailover(ctx context.Context, tx datastore.Tx, cfg Config, log logrus.FieldLogger, v GroupView) error {
	var muts []mutation
	primary, hasPrimary := v.Primary()

	if hasPrimary {
		primary.GoalState = state.Draining
		muts = append(muts, mutation{primary, "failover: primary stepping down"})
	}

	for _, n := range v.Nodes {
		if hasPrimary && n.NodeID == primary.NodeID {
			continue
		}
		if state.IsInMaintenance(n.GoalState) {
			// A peer already headed into maintenance sits it out rather
			// than joining the report-LSN quorum.
			continue
		}
		n.GoalState = state.ReportLSN
		muts = append(muts, mutation{n, "failover: reporting LSN for election"})
	}

	if len(muts) == 0 {
		return invalidTransition("no eligible peer to begin a failover")
	}
	_, err := apply(ctx, tx, cfg, v, muts)
	return err
}

// StartPromotion begins a targeted failover at target (operator op
// perform_promotion, spec §4.7 "targeted failover"): the current primary
// drains exactly as in an ordinary failover, but the winner is the
// caller's chosen node instead of whichever reporter selectWinner would
// rank highest — stepElection's stepDepartingPrimary and stepWinnerLadder
// still drive both sides home, since prepare_promotion/stop_replication
// and draining/demote_timeout are the same ladder either way. The
// caller (internal/monitor/operator) is responsible for the priority>0
// and LSN-threshold preconditions §6 Open Question 3 calls for; by the
// time this is invoked, target is already validated.
func StartPromotion(ctx context.Context, tx datastore.Tx, cfg Config, v GroupView, target datastore.Node) error {
	primary, hasPrimary := v.Primary()
	if hasPrimary && primary.NodeID == target.NodeID {
		return invalidTransition("node %d is already the primary", target.NodeID)
	}

	var muts []mutation
	if hasPrimary {
		primary.GoalState = state.Draining
		muts = append(muts, mutation{primary, "promotion: primary stepping down for targeted promotion"})
	}

	target.GoalState = state.PreparePromotion
	muts = append(muts, mutation{target, "promotion: target promoted by operator"})

	for _, n := range v.Nodes {
		if n.NodeID == target.NodeID {
			continue
		}
		if hasPrimary && n.NodeID == primary.NodeID {
			continue
		}
		if state.IsInMaintenance(n.GoalState) {
			continue
		}
		if n.ReportedLSN < target.ReportedLSN {
			n.GoalState = state.FastForward
			muts = append(muts, mutation{n, "promotion: standby behind target, fast-forwarding"})
		} else {
			n.GoalState = state.CatchingUp
			muts = append(muts, mutation{n, "promotion: standby already at or ahead of target"})
		}
	}

	_, err := apply(ctx, tx, cfg, v, muts)
	return err
}

func stepElection(ctx context.Context, tx datastore.Tx, cfg Config, log logrus.FieldLogger, v GroupView) (bool, error) {
	if mut, done := stepDepartingPrimary(v); done {
		return apply(ctx, tx, cfg, v, []mutation{mut})
	}

	if mut, done := stepWinnerLadder(v); done {
		return apply(ctx, tx, cfg, v, []mutation{mut})
	}

	reporters := electionReporters(v)
	if len(reporters) == 0 {
		return false, nil
	}

	allReported := true
	for _, n := range reporters {
		if n.ReportedState != state.ReportLSN {
			allReported = false
			break
		}
	}

	if !allReported {
		if electionTimedOut(v, cfg) {
			return abortElection(ctx, tx, cfg, log, v, reporters)
		}
		return false, nil
	}

	winner, ok := selectWinner(reporters)
	if !ok {
		return abortElection(ctx, tx, cfg, log, v, reporters)
	}

	return promoteWinner(ctx, tx, cfg, v, winner, reporters)
}

// electionReporters returns the peers still asked to report their LSN
// (goalState report_lsn). Once promoteWinner has moved every reporter on
// to prepare_promotion, fast_forward or catchingup none remain, so a
// decided election is neither re-run nor aborted on later rounds.
func electionReporters(v GroupView) []datastore.Node {
	var out []datastore.Node
	for _, n := range v.Nodes {
		if n.GoalState == state.ReportLSN {
			out = append(out, n)
		}
	}
	return out
}

// stepDepartingPrimary advances the old primary through its step-down
// ladder (draining -> demote_timeout -> demoted) once the keeper
// confirms each stage.
func stepDepartingPrimary(v GroupView) (mutation, bool) {
	for _, n := range v.Nodes {
		switch n.GoalState {
		case state.Draining:
			if n.ReportedState == state.Draining {
				n.GoalState = state.DemoteTimeout
				return mutation{n, "failover: primary finished draining"}, true
			}
		case state.DemoteTimeout:
			if n.ReportedState == state.DemoteTimeout {
				n.GoalState = state.Demoted
				return mutation{n, "failover: primary demote timeout elapsed"}, true
			}
		}
	}
	return mutation{}, false
}

// stepWinnerLadder advances the elected winner through prepare_promotion
// -> stop_replication -> wait_primary once the keeper confirms each
// stage, and fast-forwarded losers from fast_forward -> catchingup once
// they confirm they've re-streamed into position.
func stepWinnerLadder(v GroupView) (mutation, bool) {
	for _, n := range v.Nodes {
		switch n.GoalState {
		case state.PreparePromotion:
			if n.ReportedState == state.PreparePromotion {
				n.GoalState = state.StopReplication
				return mutation{n, "failover: winner stopping replication before promotion"}, true
			}
		case state.StopReplication:
			if n.ReportedState == state.StopReplication {
				n.GoalState = state.WaitPrimary
				return mutation{n, "failover: winner promoted, awaiting standby"}, true
			}
		case state.FastForward:
			if n.ReportedState == state.FastForward {
				n.GoalState = state.CatchingUp
				return mutation{n, "failover: lagging standby re-streamed, catching up"}, true
			}
		}
	}
	return mutation{}, false
}

func electionTimedOut(v GroupView, cfg Config) bool {
	var earliest *datastore.Node
	for i, n := range v.Nodes {
		if _, ok := electionStates[n.GoalState]; !ok {
			continue
		}
		if earliest == nil || n.LastStateChangeAt.Before(earliest.LastStateChangeAt) {
			earliest = &v.Nodes[i]
		}
	}
	if earliest == nil {
		return false
	}
	return cfg.now().Sub(earliest.LastStateChangeAt) > cfg.ElectionTimeout
}

func selectWinner(reporters []datastore.Node) (datastore.Node, bool) {
	var best datastore.Node
	found := false
	for _, n := range reporters {
		if n.GoalState != state.ReportLSN {
			continue
		}
		if n.CandidatePriority == 0 {
			// Excluded from winning, but still required to report as a
			// quorum witness for LSN (§4.3 step 3).
			continue
		}
		if !found || electionBetter(n, best) {
			best = n
			found = true
		}
	}
	return best, found
}

// electionBetter reports whether a is a better failover candidate than b:
// highest (reportedTLI, reportedLSN), tie-broken by best health, then by
// lowest nodeId (the deterministic tie-break Open Question 1 calls for).
func electionBetter(a, b datastore.Node) bool {
	if a.ReportedTLI != b.ReportedTLI {
		return a.ReportedTLI > b.ReportedTLI
	}
	if a.ReportedLSN != b.ReportedLSN {
		return a.ReportedLSN > b.ReportedLSN
	}
	if a.Health != b.Health {
		return healthRank(a.Health) > healthRank(b.Health)
	}
	return a.NodeID < b.NodeID
}

func healthRank(h datastore.Health) int {
	switch h {
	case datastore.HealthGood:
		return 2
	case datastore.HealthUnknown:
		return 1
	default:
		return 0
	}
}

func promoteWinner(ctx context.Context, tx datastore.Tx, cfg Config, v GroupView, winner datastore.Node, reporters []datastore.Node) (bool, error) {
	var muts []mutation

	winner.GoalState = state.PreparePromotion
	muts = append(muts, mutation{winner, "failover: node elected winner, preparing promotion"})

	for _, n := range reporters {
		if n.NodeID == winner.NodeID {
			continue
		}
		if n.ReportedLSN < winner.ReportedLSN {
			n.GoalState = state.FastForward
			muts = append(muts, mutation{n, "failover: standby behind winner, fast-forwarding"})
		} else {
			n.GoalState = state.CatchingUp
			muts = append(muts, mutation{n, "failover: standby already at or ahead of winner"})
		}
	}

	return apply(ctx, tx, cfg, v, muts)
}

// abortElection restores the prior primary and reverts reporting peers to
// secondary when no eligible candidate exists or too few healthy reports
// arrived within the election timeout (§4.3).
func abortElection(ctx context.Context, tx datastore.Tx, cfg Config, log logrus.FieldLogger, v GroupView, reporters []datastore.Node) (bool, error) {
	var muts []mutation

	for _, n := range v.Nodes {
		switch n.GoalState {
		case state.Draining, state.DemoteTimeout, state.Demoted:
			n.GoalState = state.Primary
			muts = append(muts, mutation{n, "failover aborted: restoring prior primary"})
		}
	}
	for _, n := range reporters {
		if n.GoalState == state.ReportLSN {
			n.GoalState = state.Secondary
			muts = append(muts, mutation{n, "failover aborted: reverting to secondary"})
		}
	}

	if len(muts) == 0 {
		return false, invalidTransition("failover aborted with no eligible candidate and no prior primary to restore")
	}

	log.Warn("failover aborted: no eligible candidate or insufficient healthy reports within election timeout")
	return apply(ctx, tx, cfg, v, muts)
}
