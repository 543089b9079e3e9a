package datastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// testStoreLifecycle is shared by memory_test.go and postgres_test.go: both
// backends must satisfy the exact same Store contract, so the assertions
// live once here and each backend supplies its own Store.
func testStoreLifecycle(t *testing.T, store Store) {
	ctx := context.Background()

	f, err := store.CreateFormation(ctx, Formation{ID: "default", Kind: FormationPgsql, DBName: "appdb", OptSecondary: true})
	require.NoError(t, err)
	require.Equal(t, "appdb", f.DBName)

	// Creating the same formation again is a no-op returning the
	// existing row (spec §4.4 "create_formation is idempotent").
	f2, err := store.CreateFormation(ctx, Formation{ID: "default", Kind: FormationCitus, DBName: "other"})
	require.NoError(t, err)
	require.Equal(t, f, f2)

	_, err = store.GetFormation(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	var inserted Node
	err = store.WithGroupLock(ctx, "default", 0, func(ctx context.Context, tx Tx) error {
		id, err := tx.NextNodeID(ctx)
		require.NoError(t, err)

		inserted, err = tx.InsertNode(ctx, Node{
			NodeID:            id,
			FormationID:       "default",
			GroupID:           0,
			Name:              "node_1",
			Host:              "10.0.0.1",
			Port:              5432,
			ReportedState:     state.Init,
			GoalState:         state.Single,
			CandidatePriority: 100,
			ReplicationQuorum: true,
			Health:            HealthUnknown,
			Params:            Params{},
		})
		return err
	})
	require.NoError(t, err)
	require.NotZero(t, inserted.NodeID)

	err = store.WithGroupLock(ctx, "default", 0, func(ctx context.Context, tx Tx) error {
		nodes, err := tx.GetNodes(ctx, NodeFilter{FormationID: "default"})
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		require.Equal(t, "node_1", nodes[0].Name)

		got, err := tx.GetNodeByHostPort(ctx, "10.0.0.1", 5432)
		require.NoError(t, err)
		require.Equal(t, inserted.NodeID, got.NodeID)

		got.ReportedState = state.Single
		require.NoError(t, tx.UpdateNode(ctx, got))

		require.NoError(t, tx.InsertEvent(ctx, Event{
			NodeID:        got.NodeID,
			FormationID:   "default",
			GroupID:       0,
			ReportedState: state.Init,
			GoalState:     state.Single,
			Description:   "initial registration",
			Params:        Params{},
		}))
		return nil
	})
	require.NoError(t, err)

	err = store.WithFormationLock(ctx, "default", false, func(ctx context.Context, tx Tx) error {
		events, err := tx.LastEvents(ctx, "default", nil, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, "initial registration", events[0].Description)
		return nil
	})
	require.NoError(t, err)

	err = store.DropFormation(ctx, "default")
	require.ErrorIs(t, err, ErrFormationNotEmpty)

	err = store.WithGroupLock(ctx, "default", 0, func(ctx context.Context, tx Tx) error {
		return tx.DeleteNode(ctx, inserted.NodeID)
	})
	require.NoError(t, err)

	require.NoError(t, store.DropFormation(ctx, "default"))
}
