// Package fsm implements the per-group transition function (spec §4.3,
// component C3): given the persisted state of every node in a group, it
// decides each node's next goalState. Evaluate is invoked any time an
// observable changes — a node report, a registration, an operator call,
// or a health-worker verdict — and performs at most one bounded round of
// transitions per invocation, the same "state explosion" discipline
// Design Note "State explosion" calls for: a transition function over
// the full group vector plus a small set of collective predicates,
// rather than a flat per-state table. It mirrors the shape of the
// teacher's sqlElector/localElector (internal/praefect/nodes/*.go):
// load the current view of the shard/group, classify nodes, decide, and
// persist — except here the "election" the FSM runs is the §4.3
// report-LSN failover dance rather than a Praefect-instance majority
// vote.
package fsm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/metrics"
	"github.com/pgautofailover/monitor/internal/monitor/monitorerr"
	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// Config carries the FSM's tunables: the election timeout of §4.3/§9 and
// a clock, injected so tests can control time deterministically instead
// of sleeping (Design Note "Global mutable state": configuration is an
// immutable value passed by constructor injection, never a package
// global).
type Config struct {
	ElectionTimeout time.Duration
	Now             func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// GroupView is the full persisted state of one replication group, the
// unit the FSM reasons about as a whole (peer decisions depend on peer
// state, per Design Note "State explosion").
type GroupView struct {
	FormationID string
	GroupID     int
	Nodes       []datastore.Node
}

func loadView(ctx context.Context, tx datastore.Tx, formationID string, groupID int) (GroupView, error) {
	nodes, err := tx.GetNodes(ctx, datastore.NodeFilter{FormationID: formationID, GroupID: &groupID})
	if err != nil {
		return GroupView{}, fmt.Errorf("load group: %w", err)
	}
	return GroupView{FormationID: formationID, GroupID: groupID, Nodes: nodes}, nil
}

// Primary returns the node currently assigned a writable goalState or,
// when no node holds one, the node stepping down from one (draining,
// demote_timeout, demoted), if any.
func (v GroupView) Primary() (datastore.Node, bool) {
	for _, n := range v.Nodes {
		if state.CanTakeWrites(n.GoalState) {
			return n, true
		}
	}
	for _, n := range v.Nodes {
		if state.IsWritableOrDemoted(n.GoalState) {
			return n, true
		}
	}
	return datastore.Node{}, false
}

// Standbys returns every node that is not the primary.
func (v GroupView) Standbys() []datastore.Node {
	primary, hasPrimary := v.Primary()
	out := make([]datastore.Node, 0, len(v.Nodes))
	for _, n := range v.Nodes {
		if hasPrimary && n.NodeID == primary.NodeID {
			continue
		}
		out = append(out, n)
	}
	return out
}

// ByID returns the node with the given id.
func (v GroupView) ByID(nodeID int64) (datastore.Node, bool) {
	for _, n := range v.Nodes {
		if n.NodeID == nodeID {
			return n, true
		}
	}
	return datastore.Node{}, false
}

// mutation is a single node's next goalState plus the event description
// recorded alongside it.
type mutation struct {
	node        datastore.Node
	description string
}

// apply persists muts and reports whether it made any change, so
// Evaluate can tell "this stepper had nothing to do" apart from "this
// stepper made its one allowed move".
func apply(ctx context.Context, tx datastore.Tx, cfg Config, v GroupView, muts []mutation) (bool, error) {
	for _, m := range muts {
		m.node.LastStateChangeAt = cfg.now()
		if err := tx.UpdateNode(ctx, m.node); err != nil {
			return false, fmt.Errorf("update node %d: %w", m.node.NodeID, err)
		}
		if err := tx.InsertEvent(ctx, datastore.Event{
			NodeID:        m.node.NodeID,
			FormationID:   v.FormationID,
			GroupID:       v.GroupID,
			ReportedState: m.node.ReportedState,
			GoalState:     m.node.GoalState,
			ReportedTLI:   m.node.ReportedTLI,
			ReportedLSN:   m.node.ReportedLSN,
			Description:   m.description,
			Params:        datastore.Params{},
		}); err != nil {
			return false, fmt.Errorf("insert event for node %d: %w", m.node.NodeID, err)
		}
		if err := tx.NotifyState(ctx, datastore.StateNotification{
			FormationID:   v.FormationID,
			GroupID:       v.GroupID,
			NodeID:        m.node.NodeID,
			Name:          m.node.Name,
			Host:          m.node.Host,
			Port:          m.node.Port,
			ReportedState: m.node.ReportedState.String(),
			GoalState:     m.node.GoalState.String(),
			Health:        m.node.Health.String(),
		}); err != nil {
			return false, fmt.Errorf("notify state for node %d: %w", m.node.NodeID, err)
		}

		groupIDLabel := strconv.Itoa(v.GroupID)
		metrics.FSMTransitionsTotal.WithLabelValues(v.FormationID, groupIDLabel, m.node.GoalState.String()).Inc()
		var primaryValue float64
		if state.CanTakeWrites(m.node.GoalState) {
			primaryValue = 1
		}
		metrics.PrimaryGauge.WithLabelValues(v.FormationID, groupIDLabel, m.node.Name).Set(primaryValue)
	}
	return len(muts) > 0, nil
}

// step is the shape every sub-stepper (election.go, join.go,
// maintenance.go, settings.go) implements: look at v, make at most one
// mutation, and report whether it made one.
type step func(ctx context.Context, tx datastore.Tx, cfg Config, log logrus.FieldLogger, v GroupView) (bool, error)

// Evaluate examines the group rooted at (formationID, groupID) and
// performs at most one bounded round of goalState transitions (§4.3
// Termination). It is idempotent: calling it twice with nothing new
// reported is a no-op, because every decision is keyed on currently
// persisted state rather than on what changed since the last call.
//
// The four concerns (election, join, maintenance, settings) are tried in
// a fixed priority order, but a category that currently has no pending
// work to do (nothing to report yet, no keeper confirmation to consume)
// does not block an unrelated node elsewhere in the group from making
// progress: Evaluate falls through to the next stepper until one of them
// actually changes something, rather than wedging on whichever category
// happens to match first.
func Evaluate(ctx context.Context, tx datastore.Tx, cfg Config, log logrus.FieldLogger, formationID string, groupID int) error {
	v, err := loadView(ctx, tx, formationID, groupID)
	if err != nil {
		return err
	}
	if len(v.Nodes) == 0 {
		return nil
	}

	log = log.WithField("formation_id", formationID).WithField("group_id", groupID)

	for _, s := range []step{stepElection, stepJoin, stepMaintenance, stepSettings} {
		changed, err := s(ctx, tx, cfg, log, v)
		if err != nil {
			return err
		}
		if changed {
			return nil
		}
	}
	return nil
}

// invalidTransition builds the monitorerr the FSM returns when an
// invariant would be violated by a decision it was about to make (e.g.
// two nodes ending up writable at once).
func invalidTransition(format string, args ...interface{}) error {
	return monitorerr.New(monitorerr.KindInvalidStateTransition, fmt.Sprintf(format, args...))
}

// InProgress reports whether the group has any transition already
// underway (election, join, maintenance, or settings). The operator
// package (C6) consults this before starting a new operator-triggered
// transition, so two overlapping operator calls on the same group
// surface as busy-retry rather than racing each other's mutations.
func InProgress(v GroupView) bool {
	return electionInProgress(v) || joinInProgress(v) || maintenanceInProgress(v) || settingsInProgress(v)
}
