// Package registration implements register_node and group assignment
// (spec §4.4, component C5), plus create_formation and drop_formation,
// which the distilled spec's protocol table (§6) names but its prose
// never walks through (SPEC_FULL.md §4 "Supplemented features").
// It follows the teacher's sqlElector.checkNodes transactional style
// (internal/praefect/nodes/sql_elector.go): acquire the relevant
// advisory lock, validate preconditions, write, return.
package registration

import (
	"context"

	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/fsm"
	"github.com/pgautofailover/monitor/internal/monitor/monitorerr"
	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// coordinatorGroupID is the Citus group id reserved for the coordinator
// (spec §4.4 step 3): "group 0 is reserved for the coordinator."
const coordinatorGroupID = 0

// Request is the register_node input (spec §6 table / §4.4).
type Request struct {
	FormationID       string
	Host              string
	Port              int
	DBName            string
	Name              string
	SystemIdentifier  *int64
	DesiredGroupID    *int
	DesiredNodeID     *int64
	InitialState      state.State
	Kind              datastore.FormationKind
	CandidatePriority int
	ReplicationQuorum bool
	ClusterTag        string
}

// Result mirrors the assigned record spec §4.4 step 7 returns.
type Result struct {
	NodeID            int64
	GroupID           int
	GoalState         state.State
	CandidatePriority int
	ReplicationQuorum bool
	Name              string
}

// RegisterNode implements spec §4.4's seven steps. store.WithFormationLock
// provides the exclusive formation lock of step 1; the function runs
// entirely inside that lock's transaction, matching the teacher's
// begin-validate-write-commit shape.
func RegisterNode(ctx context.Context, store datastore.Store, cfg fsm.Config, req Request) (Result, error) {
	var result Result

	err := store.WithFormationLock(ctx, req.FormationID, true, func(ctx context.Context, tx datastore.Tx) error {
		f, err := tx.GetFormation(ctx, req.FormationID)
		if err != nil {
			if err == datastore.ErrNotFound {
				return monitorerr.New(monitorerr.KindNotRegistered, "formation "+req.FormationID+" does not exist")
			}
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "lookup formation", err)
		}

		allNodes, err := tx.GetNodes(ctx, datastore.NodeFilter{FormationID: req.FormationID})
		if err != nil {
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "list formation nodes", err)
		}

		// Step 2: the formation's first node may set its kind; otherwise
		// kinds must match.
		if len(allNodes) == 0 {
			if f.Kind != req.Kind {
				if err := tx.UpdateFormationKind(ctx, req.FormationID, req.Kind); err != nil {
					return monitorerr.Wrap(monitorerr.KindInfrastructure, "update formation kind", err)
				}
				f.Kind = req.Kind
			}
		} else if f.Kind != req.Kind {
			return monitorerr.New(monitorerr.KindInput, "node kind "+string(req.Kind)+" does not match formation kind "+string(f.Kind))
		}

		groupID, goalState, groupNodes, err := assignGroup(f, allNodes, req)
		if err != nil {
			return err
		}

		if req.InitialState != "" && req.InitialState != goalState && req.InitialState != state.Init {
			return monitorerr.New(monitorerr.KindInput, "caller's initial state does not match the assigned goal state")
		}

		nodeID, err := tx.NextNodeID(ctx)
		if err != nil {
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "assign node id", err)
		}
		if req.DesiredNodeID != nil {
			nodeID = *req.DesiredNodeID
		}

		name := req.Name
		if name == "" {
			name = req.Host
		}

		n := datastore.Node{
			NodeID:              nodeID,
			FormationID:         req.FormationID,
			GroupID:             groupID,
			Name:                name,
			Host:                req.Host,
			Port:                req.Port,
			SystemIdentifier:    req.SystemIdentifier,
			ReportedState:       state.Init,
			GoalState:           goalState,
			ReportedPgIsRunning: false,
			CandidatePriority:   req.CandidatePriority,
			ReplicationQuorum:   req.ReplicationQuorum,
			Health:              datastore.HealthUnknown,
			ClusterTag:          req.ClusterTag,
			Params:              datastore.Params{},
		}

		n, err = tx.InsertNode(ctx, n)
		if err != nil {
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "insert node", err)
		}

		if err := tx.InsertEvent(ctx, datastore.Event{
			NodeID:        n.NodeID,
			FormationID:   n.FormationID,
			GroupID:       n.GroupID,
			ReportedState: n.ReportedState,
			GoalState:     n.GoalState,
			Description:   "registration: node joined",
			Params:        datastore.Params{},
		}); err != nil {
			return monitorerr.Wrap(monitorerr.KindInfrastructure, "insert registration event", err)
		}

		// Step 6: the 3rd node of a zero-number_sync_standbys formation
		// bumps the formation to durable (1) quorum.
		if len(allNodes)+1 == 3 && f.NumberSyncStandbys == 0 {
			if err := tx.SetNumberSyncStandbys(ctx, req.FormationID, 1); err != nil {
				return monitorerr.Wrap(monitorerr.KindInfrastructure, "bump number_sync_standbys", err)
			}
		}

		view := fsm.GroupView{FormationID: req.FormationID, GroupID: groupID, Nodes: append(groupNodes, n)}
		if err := fsm.StartJoin(ctx, tx, cfg, view, n); err != nil {
			return err
		}

		// StartJoin may have re-parked the primary (e.g. single ->
		// wait_primary). n is not reloaded: the result carries the
		// goalState assignGroup chose for it above.
		result = Result{
			NodeID:            n.NodeID,
			GroupID:           n.GroupID,
			GoalState:         n.GoalState,
			CandidatePriority: n.CandidatePriority,
			ReplicationQuorum: n.ReplicationQuorum,
			Name:              n.Name,
		}
		return nil
	})

	return result, err
}

// assignGroup implements spec §4.4 steps 3-4: pick or validate a groupId
// and the new node's initial goalState, returning the peers already in
// that group (for fsm.StartJoin's GroupView).
func assignGroup(f datastore.Formation, allNodes []datastore.Node, req Request) (int, state.State, []datastore.Node, error) {
	if req.DesiredGroupID != nil {
		groupID := *req.DesiredGroupID
		peers := nodesInGroup(allNodes, groupID)
		switch {
		case len(peers) == 0:
			return groupID, state.Single, peers, nil
		case len(peers) == 1 && f.OptSecondary && !state.IsInWaitOrJoin(peers[0].GoalState):
			return groupID, state.WaitStandby, peers, nil
		default:
			return 0, "", nil, monitorerr.New(monitorerr.KindBusyRetry, "group is not accepting a new member right now")
		}
	}

	if f.Kind == datastore.FormationCitus {
		for groupID := 1; ; groupID++ {
			peers := nodesInGroup(allNodes, groupID)
			switch len(peers) {
			case 0:
				return groupID, state.Single, peers, nil
			case 1:
				if state.IsInWaitOrJoin(peers[0].GoalState) {
					continue
				}
				return groupID, state.WaitStandby, peers, nil
			}
		}
	}

	// pgsql formations: only group 0 is legal (spec §4.4 step 3).
	peers := nodesInGroup(allNodes, coordinatorGroupID)
	if len(peers) == 0 {
		return coordinatorGroupID, state.Single, peers, nil
	}
	for _, p := range peers {
		if p.GoalState == state.WaitStandby {
			return 0, "", nil, monitorerr.New(monitorerr.KindBusyRetry, "a standby registration is already in progress")
		}
	}
	primary, hasPrimary := firstWritable(peers)
	if hasPrimary && state.IsInWaitOrJoin(primary.GoalState) {
		return 0, "", nil, monitorerr.New(monitorerr.KindBusyRetry, "primary is already accepting a standby")
	}
	if !hasPrimary {
		return 0, "", nil, monitorerr.New(monitorerr.KindGroupFull, "group 0 has no writable node to attach to")
	}
	return coordinatorGroupID, state.WaitStandby, peers, nil
}

func nodesInGroup(nodes []datastore.Node, groupID int) []datastore.Node {
	var out []datastore.Node
	for _, n := range nodes {
		if n.GroupID == groupID {
			out = append(out, n)
		}
	}
	return out
}

func firstWritable(nodes []datastore.Node) (datastore.Node, bool) {
	for _, n := range nodes {
		if state.IsWritableOrDemoted(n.GoalState) {
			return n, true
		}
	}
	return datastore.Node{}, false
}

// CreateFormation implements create_formation (spec §6 table): registers
// a new formation so register_node has something to attach to. Both
// Store implementations treat a duplicate id as a no-op fetch rather
// than an error, so this wrapper only needs to translate infrastructure
// failures into the monitor's error taxonomy.
func CreateFormation(ctx context.Context, store datastore.Store, f datastore.Formation) (datastore.Formation, error) {
	created, err := store.CreateFormation(ctx, f)
	if err != nil {
		return datastore.Formation{}, monitorerr.Wrap(monitorerr.KindInfrastructure, "create formation", err)
	}
	return created, nil
}

// DropFormation implements drop_formation (spec §6 table): rejected if
// the formation still has member nodes. The emptiness check and the
// delete are both performed by Store.DropFormation itself (both
// implementations re-check node count immediately before deleting), so
// this wrapper only needs to translate the sentinel error into the
// monitor's error taxonomy.
func DropFormation(ctx context.Context, store datastore.Store, formationID string) error {
	if err := store.DropFormation(ctx, formationID); err != nil {
		if err == datastore.ErrFormationNotEmpty {
			return monitorerr.New(monitorerr.KindPreconditionFailed, "formation is not empty")
		}
		return monitorerr.Wrap(monitorerr.KindInfrastructure, "drop formation", err)
	}
	return nil
}
