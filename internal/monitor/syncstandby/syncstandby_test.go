package syncstandby

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/fsm"
	"github.com/pgautofailover/monitor/internal/monitor/state"
)

func node(id int64, goalState state.State, reportedState state.State, quorum bool, priority int) datastore.Node {
	return datastore.Node{
		NodeID:            id,
		GoalState:         goalState,
		ReportedState:     reportedState,
		ReplicationQuorum: quorum,
		CandidatePriority: priority,
	}
}

func TestBuild_NoNodesIsNull(t *testing.T) {
	value, ok := Build(fsm.GroupView{}, 0)
	require.False(t, ok)
	require.Equal(t, "", value)
}

func TestBuild_SingleNodeIsEmptyString(t *testing.T) {
	v := fsm.GroupView{Nodes: []datastore.Node{
		node(1, state.Primary, state.Primary, true, 100),
	}}
	value, ok := Build(v, 0)
	require.True(t, ok)
	require.Equal(t, "", value)
}

func TestBuild_TwoNodeSecondaryWithQuorumIsStar(t *testing.T) {
	v := fsm.GroupView{Nodes: []datastore.Node{
		node(1, state.Primary, state.Primary, true, 100),
		node(2, state.Secondary, state.Secondary, true, 100),
	}}
	value, ok := Build(v, 0)
	require.True(t, ok)
	require.Equal(t, "*", value)
}

func TestBuild_TwoNodePeerWithoutQuorumIsEmpty(t *testing.T) {
	v := fsm.GroupView{Nodes: []datastore.Node{
		node(1, state.Primary, state.Primary, true, 100),
		node(2, state.Secondary, state.Secondary, false, 100),
	}}
	value, ok := Build(v, 0)
	require.True(t, ok)
	require.Equal(t, "", value)
}

func TestBuild_TwoNodePeerNotYetSecondaryIsEmpty(t *testing.T) {
	// reportedState lags goalState during catch-up: the peer hasn't
	// confirmed secondary yet, so it must not be counted as sync quorum.
	v := fsm.GroupView{Nodes: []datastore.Node{
		node(1, state.Primary, state.Primary, true, 100),
		node(2, state.Secondary, state.CatchingUp, true, 100),
	}}
	value, ok := Build(v, 0)
	require.True(t, ok)
	require.Equal(t, "", value)
}

func TestBuild_ThreeNodesSamePrioritySortedAny(t *testing.T) {
	v := fsm.GroupView{Nodes: []datastore.Node{
		node(1, state.Primary, state.Primary, true, 100),
		node(2, state.Secondary, state.Secondary, true, 50),
		node(3, state.Secondary, state.Secondary, true, 50),
	}}
	value, ok := Build(v, 1)
	require.True(t, ok)
	require.Equal(t, "ANY 1 (pgautofailover_standby_2, pgautofailover_standby_3)", value)
}

func TestBuild_ThreeNodesDifferentPriorityEmitsFirstDescending(t *testing.T) {
	v := fsm.GroupView{Nodes: []datastore.Node{
		node(1, state.Primary, state.Primary, true, 100),
		node(2, state.Secondary, state.Secondary, true, 20),
		node(3, state.Secondary, state.Secondary, true, 90),
	}}
	value, ok := Build(v, 1)
	require.True(t, ok)
	require.Equal(t, "FIRST 1 (pgautofailover_standby_3, pgautofailover_standby_2)", value)
}

func TestBuild_NumberSyncStandbysFloorsAtOne(t *testing.T) {
	v := fsm.GroupView{Nodes: []datastore.Node{
		node(1, state.Primary, state.Primary, true, 100),
		node(2, state.Secondary, state.Secondary, true, 50),
		node(3, state.Secondary, state.Secondary, true, 50),
	}}
	value, ok := Build(v, 0)
	require.True(t, ok)
	require.Equal(t, "ANY 1 (pgautofailover_standby_2, pgautofailover_standby_3)", value)
}

func TestBuild_NoEligibleStandbysEmitsEmptyString(t *testing.T) {
	v := fsm.GroupView{Nodes: []datastore.Node{
		node(1, state.Primary, state.Primary, true, 100),
		node(2, state.Secondary, state.Secondary, false, 100),
		node(3, state.Secondary, state.Secondary, true, 0),
	}}
	value, ok := Build(v, 1)
	require.True(t, ok)
	require.Equal(t, "", value)
}

func TestBuild_NoPrimaryStillCountsEligibleStandbys(t *testing.T) {
	// Mid-failover, no node currently holds a writable goalState; the
	// builder still reports the best available quorum string so a fresh
	// primary can install it the moment it is promoted.
	v := fsm.GroupView{Nodes: []datastore.Node{
		node(1, state.ReportLSN, state.ReportLSN, true, 100),
		node(2, state.ReportLSN, state.ReportLSN, true, 100),
		node(3, state.ReportLSN, state.ReportLSN, true, 100),
	}}
	value, ok := Build(v, 1)
	require.True(t, ok)
	require.Equal(t, "ANY 1 (pgautofailover_standby_1, pgautofailover_standby_2, pgautofailover_standby_3)", value)
}
