// Package syncstandby builds the synchronous_standby_names configuration
// string a primary must install to enforce the group's replication
// quorum (spec §4.5, component C7). It has no direct analogue in the
// teacher, which has no equivalent of Postgres's synchronous replication
// quorum syntax; the builder is grounded purely in spec §4.5's rules, laid
// out the way internal/monitor/fsm's steppers are — one pure function per
// case, no hidden state — since both operate on the same GroupView the
// FSM already loads.
package syncstandby

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/fsm"
	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// Token returns the stable identifier synchronous_standby_names uses to
// refer to n (spec §4.5: "a stable token derived from its nodeId"). Spec
// prose doesn't fix a literal format, so this mirrors the upstream
// pg_auto_failover project's own naming convention rather than inventing
// one — the keeper configures its replication application_name to match
// at startup, so the token must be stable across a node's lifetime and
// never reused by a different node, and nodeId already guarantees both.
func Token(nodeID int64) string {
	return fmt.Sprintf("pgautofailover_standby_%d", nodeID)
}

// Build implements the §4.5 contract for one group: v.Nodes is the full
// membership fsm.GroupView already loads, numberSyncStandbys is the
// owning formation's configured value. ok is false only for the 0-node
// case ("0 nodes → null" — a formation with a just-dropped or not-yet-
// populated group has no primary to install any string on at all, which
// is a different signal than "1 node, no replication needed").
func Build(v fsm.GroupView, numberSyncStandbys int) (value string, ok bool) {
	switch len(v.Nodes) {
	case 0:
		return "", false
	case 1:
		return "", true
	case 2:
		return buildTwoNode(v), true
	default:
		return buildQuorum(v, numberSyncStandbys), true
	}
}

// buildTwoNode implements the 2-node rule: "* iff the peer is in
// reportedState secondary and has replicationQuorum=true, else empty."
func buildTwoNode(v fsm.GroupView) string {
	primary, hasPrimary := v.Primary()
	for _, n := range v.Nodes {
		if hasPrimary && n.NodeID == primary.NodeID {
			continue
		}
		if n.ReportedState == state.Secondary && n.ReplicationQuorum {
			return "*"
		}
	}
	return ""
}

// buildQuorum implements the ≥3-node rule: the quorum set is every
// non-primary node with replicationQuorum=true and candidatePriority>0,
// ordered by descending priority (ties broken by ascending nodeId, for a
// deterministic and stable ordering across calls). ANY is emitted when
// every member shares the same priority, FIRST otherwise.
func buildQuorum(v fsm.GroupView, numberSyncStandbys int) string {
	primary, hasPrimary := v.Primary()

	var standbys []datastore.Node
	for _, n := range v.Nodes {
		if hasPrimary && n.NodeID == primary.NodeID {
			continue
		}
		if n.IsQuorumParticipant() {
			standbys = append(standbys, n)
		}
	}
	if len(standbys) == 0 {
		return ""
	}

	sort.Slice(standbys, func(i, j int) bool {
		if standbys[i].CandidatePriority != standbys[j].CandidatePriority {
			return standbys[i].CandidatePriority > standbys[j].CandidatePriority
		}
		return standbys[i].NodeID < standbys[j].NodeID
	})

	samePriority := true
	for _, n := range standbys[1:] {
		if n.CandidatePriority != standbys[0].CandidatePriority {
			samePriority = false
			break
		}
	}

	k := numberSyncStandbys
	if k < 1 {
		k = 1
	}

	tokens := make([]string, len(standbys))
	for i, n := range standbys {
		tokens[i] = Token(n.NodeID)
	}

	kind := "FIRST"
	if samePriority {
		kind = "ANY"
	}
	return fmt.Sprintf("%s %d (%s)", kind, k, strings.Join(tokens, ", "))
}
