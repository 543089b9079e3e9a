package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/monitorerr"
	"github.com/pgautofailover/monitor/internal/monitor/state"
)

const testFormation = "default"
const testGroup = 0

func newTestStore(t *testing.T) *datastore.MemoryStore {
	s := datastore.NewMemoryStore()
	_, err := s.CreateFormation(context.Background(), datastore.Formation{ID: testFormation, Kind: datastore.FormationPgsql})
	require.NoError(t, err)
	return s
}

func insertNode(t *testing.T, s *datastore.MemoryStore, n datastore.Node) datastore.Node {
	t.Helper()
	ctx := context.Background()
	id, err := s.NextNodeID(ctx)
	require.NoError(t, err)
	n.NodeID = id
	n.FormationID = testFormation
	if n.CandidatePriority == 0 {
		n.CandidatePriority = 100
	}
	n.ReplicationQuorum = true
	got, err := s.InsertNode(ctx, n)
	require.NoError(t, err)
	return got
}

func TestGetNodesReturnsFormationMembers(t *testing.T) {
	s := newTestStore(t)
	a := insertNode(t, s, datastore.Node{GroupID: testGroup, Name: "a", GoalState: state.Single})
	b := insertNode(t, s, datastore.Node{GroupID: testGroup, Name: "b", GoalState: state.Secondary})

	got, err := GetNodes(context.Background(), s, testFormation, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{a.NodeID, b.NodeID}, []int64{got[0].NodeID, got[1].NodeID})
}

func TestGetPrimaryReturnsWritableNode(t *testing.T) {
	s := newTestStore(t)
	primary := insertNode(t, s, datastore.Node{GroupID: testGroup, Name: "a", GoalState: state.Single})
	insertNode(t, s, datastore.Node{GroupID: testGroup, Name: "b", GoalState: state.Secondary})

	got, err := GetPrimary(context.Background(), s, testFormation, testGroup)
	require.NoError(t, err)
	require.Equal(t, primary.NodeID, got.NodeID)
}

func TestGetPrimaryRejectsWhenNoneWritable(t *testing.T) {
	s := newTestStore(t)
	insertNode(t, s, datastore.Node{GroupID: testGroup, Name: "a", GoalState: state.ReportLSN})

	_, err := GetPrimary(context.Background(), s, testFormation, testGroup)
	require.True(t, monitorerr.OfKind(err, monitorerr.KindNotRegistered))
}

func TestGetOtherNodesExcludesSelf(t *testing.T) {
	s := newTestStore(t)
	a := insertNode(t, s, datastore.Node{GroupID: testGroup, Name: "a", GoalState: state.Single})
	b := insertNode(t, s, datastore.Node{GroupID: testGroup, Name: "b", GoalState: state.Secondary})

	got, err := GetOtherNodes(context.Background(), s, testFormation, a.NodeID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, b.NodeID, got[0].NodeID)
}

func TestGetSynchronousStandbyNamesBuildsFromGroupAndFormation(t *testing.T) {
	s := newTestStore(t)
	insertNode(t, s, datastore.Node{GroupID: testGroup, Name: "a", Host: "a", GoalState: state.Primary, ReportedState: state.Primary})
	insertNode(t, s, datastore.Node{GroupID: testGroup, Name: "b", Host: "b", GoalState: state.Secondary, ReportedState: state.Secondary})

	got, err := GetSynchronousStandbyNames(context.Background(), s, testFormation, testGroup)
	require.NoError(t, err)
	require.Equal(t, "*", got)
}

func TestGetSynchronousStandbyNamesRejectsUnknownFormation(t *testing.T) {
	s := newTestStore(t)
	_, err := GetSynchronousStandbyNames(context.Background(), s, "nonexistent", testGroup)
	require.True(t, monitorerr.OfKind(err, monitorerr.KindNotRegistered))
}

func TestLastEventsReturnsRecordedEvents(t *testing.T) {
	s := newTestStore(t)
	a := insertNode(t, s, datastore.Node{GroupID: testGroup, Name: "a", GoalState: state.Single})

	err := s.WithGroupLock(context.Background(), testFormation, testGroup, func(ctx context.Context, tx datastore.Tx) error {
		return tx.InsertEvent(ctx, datastore.Event{
			NodeID:      a.NodeID,
			FormationID: testFormation,
			GroupID:     testGroup,
			Description: "test event",
		})
	})
	require.NoError(t, err)

	events, err := LastEvents(context.Background(), s, testFormation, nil, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "test event", events[0].Description)
}
