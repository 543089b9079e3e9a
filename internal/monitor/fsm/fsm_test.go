package fsm

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pgautofailover/monitor/internal/monitor/datastore"
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
	n.GroupID = testGroup
	if n.Health == "" {
		n.Health = datastore.HealthGood
	}
	if n.CandidatePriority == 0 {
		n.CandidatePriority = 100
	}
	n.ReplicationQuorum = true
	got, err := s.InsertNode(ctx, n)
	require.NoError(t, err)
	return got
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func loadNode(t *testing.T, s *datastore.MemoryStore, nodeID int64) datastore.Node {
	t.Helper()
	n, err := s.GetNode(context.Background(), nodeID)
	require.NoError(t, err)
	return n
}

func testConfig(now time.Time) Config {
	return Config{
		ElectionTimeout: 10 * time.Second,
		Now:             func() time.Time { return now },
	}
}

func TestStartJoin_FirstNodeBecomesSingle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := insertNode(t, s, datastore.Node{Name: "node1", Host: "a", Port: 5432, GoalState: state.Init})

	v := GroupView{FormationID: testFormation, GroupID: testGroup, Nodes: []datastore.Node{n}}
	require.NoError(t, StartJoin(ctx, s, testConfig(time.Now()), v, n))

	got := loadNode(t, s, n.NodeID)
	require.Equal(t, state.Single, got.GoalState)
}

func TestStartJoin_SecondNodeWaitsStandbyAndPromotesPrimary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	primary := insertNode(t, s, datastore.Node{Name: "node1", Host: "a", Port: 5432, GoalState: state.Single, ReportedState: state.Single})
	standby := insertNode(t, s, datastore.Node{Name: "node2", Host: "b", Port: 5432, GoalState: state.Init})

	v := GroupView{FormationID: testFormation, GroupID: testGroup, Nodes: []datastore.Node{primary, standby}}
	require.NoError(t, StartJoin(ctx, s, testConfig(time.Now()), v, standby))

	gotPrimary := loadNode(t, s, primary.NodeID)
	gotStandby := loadNode(t, s, standby.NodeID)
	require.Equal(t, state.WaitPrimary, gotPrimary.GoalState)
	require.Equal(t, state.WaitStandby, gotStandby.GoalState)

	// Standby reports wait_standby -> advances to catchingup.
	gotStandby.ReportedState = state.WaitStandby
	require.NoError(t, s.UpdateNode(ctx, gotStandby))
	require.NoError(t, Evaluate(ctx, s, testConfig(time.Now()), testLogger(), testFormation, testGroup))
	gotStandby = loadNode(t, s, standby.NodeID)
	require.Equal(t, state.CatchingUp, gotStandby.GoalState)

	// Standby reports catchingup -> advances to secondary.
	gotStandby.ReportedState = state.CatchingUp
	require.NoError(t, s.UpdateNode(ctx, gotStandby))
	require.NoError(t, Evaluate(ctx, s, testConfig(time.Now()), testLogger(), testFormation, testGroup))
	gotStandby = loadNode(t, s, standby.NodeID)
	require.Equal(t, state.Secondary, gotStandby.GoalState)

	// Primary reports wait_primary, standby already secondary -> primary promotes.
	gotPrimary.ReportedState = state.WaitPrimary
	require.NoError(t, s.UpdateNode(ctx, gotPrimary))
	require.NoError(t, Evaluate(ctx, s, testConfig(time.Now()), testLogger(), testFormation, testGroup))
	gotPrimary = loadNode(t, s, primary.NodeID)
	require.Equal(t, state.Primary, gotPrimary.GoalState)
}

func TestStartJoin_ThirdNodeParksPrimaryAtJoinPrimary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	primary := insertNode(t, s, datastore.Node{Name: "node1", Host: "a", Port: 5432, GoalState: state.Primary, ReportedState: state.Primary})
	existingStandby := insertNode(t, s, datastore.Node{Name: "node2", Host: "b", Port: 5432, GoalState: state.Secondary, ReportedState: state.Secondary})
	newStandby := insertNode(t, s, datastore.Node{Name: "node3", Host: "c", Port: 5432, GoalState: state.Init})

	v := GroupView{FormationID: testFormation, GroupID: testGroup, Nodes: []datastore.Node{primary, existingStandby, newStandby}}
	require.NoError(t, StartJoin(ctx, s, testConfig(time.Now()), v, newStandby))

	require.Equal(t, state.JoinPrimary, loadNode(t, s, primary.NodeID).GoalState, "primary with an existing standby pauses quorum rather than resetting to wait_primary")
	require.Equal(t, state.WaitStandby, loadNode(t, s, newStandby.NodeID).GoalState)
}

func TestStartFailover_DrainsPrimaryAndAsksPeersToReportLSN(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	primary := insertNode(t, s, datastore.Node{Name: "node1", Host: "a", Port: 5432, GoalState: state.Primary, ReportedState: state.Primary})
	standby := insertNode(t, s, datastore.Node{Name: "node2", Host: "b", Port: 5432, GoalState: state.Secondary, ReportedState: state.Secondary})

	v := GroupView{FormationID: testFormation, GroupID: testGroup, Nodes: []datastore.Node{primary, standby}}
	require.NoError(t, StartFailover(ctx, s, testConfig(time.Now()), testLogger(), v))

	require.Equal(t, state.Draining, loadNode(t, s, primary.NodeID).GoalState)
	require.Equal(t, state.ReportLSN, loadNode(t, s, standby.NodeID).GoalState)
}

func TestFailover_ElectsHighestLSNAndPromotesIt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	primary := insertNode(t, s, datastore.Node{Name: "node1", Host: "a", Port: 5432, GoalState: state.Draining, ReportedState: state.Draining, ReportedTLI: 1, ReportedLSN: 1000})
	ahead := insertNode(t, s, datastore.Node{Name: "node2", Host: "b", Port: 5432, GoalState: state.ReportLSN, ReportedState: state.ReportLSN, ReportedTLI: 1, ReportedLSN: 900})
	behind := insertNode(t, s, datastore.Node{Name: "node3", Host: "c", Port: 5432, GoalState: state.ReportLSN, ReportedState: state.ReportLSN, ReportedTLI: 1, ReportedLSN: 500})

	now := time.Now()
	cfg := testConfig(now)

	// Round 1: primary finishes draining.
	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))
	require.Equal(t, state.DemoteTimeout, loadNode(t, s, primary.NodeID).GoalState)

	// Keeper confirms demote_timeout.
	p := loadNode(t, s, primary.NodeID)
	p.ReportedState = state.DemoteTimeout
	require.NoError(t, s.UpdateNode(ctx, p))

	// Round 2: primary demoted; all peers have already reported their LSN.
	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))
	p = loadNode(t, s, primary.NodeID)
	require.Equal(t, state.Demoted, p.GoalState)

	// One more round evaluates reporters since primary left the active set.
	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))

	gotAhead := loadNode(t, s, ahead.NodeID)
	gotBehind := loadNode(t, s, behind.NodeID)
	require.Equal(t, state.PreparePromotion, gotAhead.GoalState, "highest LSN node should win")
	require.Equal(t, state.FastForward, gotBehind.GoalState, "loser behind the winner's LSN must fast-forward before catching up")

	// Demoted primary stays parked; nothing advances it automatically.
	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))
	require.Equal(t, state.Demoted, loadNode(t, s, primary.NodeID).GoalState)
}

func TestFailover_LaggingLoserIsFastForwarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	winner := insertNode(t, s, datastore.Node{Name: "node1", Host: "a", Port: 5432, GoalState: state.ReportLSN, ReportedState: state.ReportLSN, ReportedTLI: 2, ReportedLSN: 5000})
	lagging := insertNode(t, s, datastore.Node{Name: "node2", Host: "b", Port: 5432, GoalState: state.ReportLSN, ReportedState: state.ReportLSN, ReportedTLI: 1, ReportedLSN: 100})

	cfg := testConfig(time.Now())
	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))

	require.Equal(t, state.PreparePromotion, loadNode(t, s, winner.NodeID).GoalState)
	require.Equal(t, state.FastForward, loadNode(t, s, lagging.NodeID).GoalState)
}

func TestFailover_ZeroCandidatePriorityNeverWinsButStillReports(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	witness := insertNode(t, s, datastore.Node{Name: "node1", Host: "a", Port: 5432, GoalState: state.ReportLSN, ReportedState: state.ReportLSN, ReportedTLI: 5, ReportedLSN: 9000, CandidatePriority: 0})
	// insertNode defaults a zero priority to 100; set 0 explicitly.
	witness.CandidatePriority = 0
	require.NoError(t, s.UpdateNode(ctx, witness))
	eligible := insertNode(t, s, datastore.Node{Name: "node2", Host: "b", Port: 5432, GoalState: state.ReportLSN, ReportedState: state.ReportLSN, ReportedTLI: 1, ReportedLSN: 100, CandidatePriority: 100})

	cfg := testConfig(time.Now())
	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))

	require.Equal(t, state.PreparePromotion, loadNode(t, s, eligible.NodeID).GoalState, "only candidate with priority>0 may win")
	require.Equal(t, state.CatchingUp, loadNode(t, s, witness.NodeID).GoalState, "priority-0 witness reported but cannot win, and is already ahead of the winner's LSN")
}

func TestFailover_AbortsWhenNoEligibleCandidateReports(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	primary := insertNode(t, s, datastore.Node{Name: "node1", Host: "a", Port: 5432, GoalState: state.Draining, ReportedState: state.Draining})
	witness := insertNode(t, s, datastore.Node{Name: "node2", Host: "b", Port: 5432, GoalState: state.ReportLSN, ReportedState: state.ReportLSN, CandidatePriority: 0})
	// insertNode defaults a zero priority to 100; set 0 explicitly.
	witness.CandidatePriority = 0
	require.NoError(t, s.UpdateNode(ctx, witness))

	cfg := testConfig(time.Now())
	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))
	p := loadNode(t, s, primary.NodeID)
	p.ReportedState = state.DemoteTimeout
	require.NoError(t, s.UpdateNode(ctx, p))

	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))
	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))

	require.Equal(t, state.Primary, loadNode(t, s, primary.NodeID).GoalState, "primary restored: no eligible candidate")
	require.Equal(t, state.Secondary, loadNode(t, s, witness.NodeID).GoalState)
}

func TestFailover_AbortsOnElectionTimeout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now()
	primary := insertNode(t, s, datastore.Node{Name: "node1", Host: "a", Port: 5432, GoalState: state.Draining, ReportedState: state.Primary, LastStateChangeAt: start})
	slow := insertNode(t, s, datastore.Node{Name: "node2", Host: "b", Port: 5432, GoalState: state.ReportLSN, ReportedState: state.Secondary, LastStateChangeAt: start})

	late := testConfig(start.Add(time.Minute))
	require.NoError(t, Evaluate(ctx, s, late, testLogger(), testFormation, testGroup))

	require.Equal(t, state.Primary, loadNode(t, s, primary.NodeID).GoalState, "restored after election timed out")
	require.Equal(t, state.Secondary, loadNode(t, s, slow.NodeID).GoalState)
}

func TestMaintenance_StandbyGoesStraightToWaitMaintenance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	standby := insertNode(t, s, datastore.Node{Name: "node1", Host: "a", Port: 5432, GoalState: state.Secondary, ReportedState: state.Secondary})

	v := GroupView{FormationID: testFormation, GroupID: testGroup, Nodes: []datastore.Node{standby}}
	cfg := testConfig(time.Now())
	require.NoError(t, StartMaintenance(ctx, s, cfg, v, standby))
	require.Equal(t, state.WaitMaintenance, loadNode(t, s, standby.NodeID).GoalState)

	n := loadNode(t, s, standby.NodeID)
	n.ReportedState = state.WaitMaintenance
	require.NoError(t, s.UpdateNode(ctx, n))

	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))
	require.Equal(t, state.Maintenance, loadNode(t, s, standby.NodeID).GoalState)
}

func TestMaintenance_PrimaryDrainsThenParksAtWaitMaintenance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	primary := insertNode(t, s, datastore.Node{Name: "node1", Host: "a", Port: 5432, GoalState: state.Primary, ReportedState: state.Primary})
	standby := insertNode(t, s, datastore.Node{Name: "node2", Host: "b", Port: 5432, GoalState: state.Secondary, ReportedState: state.Secondary, ReportedLSN: 10})

	v := GroupView{FormationID: testFormation, GroupID: testGroup, Nodes: []datastore.Node{primary, standby}}
	cfg := testConfig(time.Now())
	require.NoError(t, StartMaintenance(ctx, s, cfg, v, primary))
	require.Equal(t, state.PrepareMaintenance, loadNode(t, s, primary.NodeID).GoalState)

	p := loadNode(t, s, primary.NodeID)
	p.ReportedState = state.PrepareMaintenance
	require.NoError(t, s.UpdateNode(ctx, p))

	// Evaluate drives: prepare_maintenance confirmed -> StartFailover (draining/report_lsn).
	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))
	require.Equal(t, state.Draining, loadNode(t, s, primary.NodeID).GoalState)
	require.Equal(t, state.ReportLSN, loadNode(t, s, standby.NodeID).GoalState)

	p = loadNode(t, s, primary.NodeID)
	p.ReportedState = state.Draining
	require.NoError(t, s.UpdateNode(ctx, p))
	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))
	require.Equal(t, state.DemoteTimeout, loadNode(t, s, primary.NodeID).GoalState)

	p = loadNode(t, s, primary.NodeID)
	p.ReportedState = state.DemoteTimeout
	require.NoError(t, s.UpdateNode(ctx, p))
	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))
	require.Equal(t, state.Demoted, loadNode(t, s, primary.NodeID).GoalState)

	// Election settles the standby to winner/primary in the background;
	// meanwhile the maintenance target, marked, moves on from demoted.
	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))
	require.Equal(t, state.WaitMaintenance, loadNode(t, s, primary.NodeID).GoalState)
}

func TestApplySettings_RoundTripsThroughPrimary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	primary := insertNode(t, s, datastore.Node{Name: "node1", Host: "a", Port: 5432, GoalState: state.Primary, ReportedState: state.Primary})

	v := GroupView{FormationID: testFormation, GroupID: testGroup, Nodes: []datastore.Node{primary}}
	cfg := testConfig(time.Now())
	require.NoError(t, StartApplySettings(ctx, s, cfg, v))
	require.Equal(t, state.ApplySettings, loadNode(t, s, primary.NodeID).GoalState)

	n := loadNode(t, s, primary.NodeID)
	n.ReportedState = state.ApplySettings
	require.NoError(t, s.UpdateNode(ctx, n))

	require.NoError(t, Evaluate(ctx, s, cfg, testLogger(), testFormation, testGroup))
	require.Equal(t, state.Primary, loadNode(t, s, primary.NodeID).GoalState)
}

func TestEvaluate_EmptyGroupIsNoop(t *testing.T) {
	s := newTestStore(t)
	cfg := testConfig(time.Now())
	require.NoError(t, Evaluate(context.Background(), s, cfg, testLogger(), testFormation, testGroup))
}
