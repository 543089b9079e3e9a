// Package state implements the replication-state taxonomy (spec §4.1,
// component C2): a closed enumeration of the roles a node can hold, its
// canonical string form, and the collective predicates the group FSM
// (internal/monitor/fsm) consults when deciding transitions.
//
// The enum follows the string-constant idiom of the teacher's
// datastore.JobState/ChangeType (internal/praefect/datastore/datastore.go
// in the retrieval pack): a named string type, a String() method, and a
// const block of canonical lowercase tokens.
package state

// State is one member of the closed replication-state enumeration.
type State string

// String returns the canonical lowercase token for s.
func (s State) String() string { return string(s) }

// Valid reports whether s is a known, non-sentinel state.
func (s State) Valid() bool {
	_, ok := allStates[s]
	return ok
}

const (
	Init               State = "init"
	Single             State = "single"
	WaitPrimary        State = "wait_primary"
	Primary            State = "primary"
	JoinPrimary        State = "join_primary"
	ApplySettings      State = "apply_settings"
	PrepareMaintenance State = "prepare_maintenance"
	Draining           State = "draining"
	DemoteTimeout      State = "demote_timeout"
	Demoted            State = "demoted"
	WaitStandby        State = "wait_standby"
	CatchingUp         State = "catchingup"
	Secondary          State = "secondary"
	PreparePromotion   State = "prepare_promotion"
	StopReplication    State = "stop_replication"
	JoinSecondary      State = "join_secondary"
	ReportLSN          State = "report_lsn"
	FastForward        State = "fast_forward"
	WaitMaintenance    State = "wait_maintenance"
	Maintenance        State = "maintenance"
	Dropped            State = "dropped"
	Unknown            State = "unknown"
)

var allStates = map[State]struct{}{
	Init: {}, Single: {}, WaitPrimary: {}, Primary: {}, JoinPrimary: {},
	ApplySettings: {}, PrepareMaintenance: {}, Draining: {}, DemoteTimeout: {},
	Demoted: {}, WaitStandby: {}, CatchingUp: {}, Secondary: {},
	PreparePromotion: {}, StopReplication: {}, JoinSecondary: {}, ReportLSN: {},
	FastForward: {}, WaitMaintenance: {}, Maintenance: {}, Dropped: {}, Unknown: {},
}

// Parse maps a wire/stored string to its State, returning Unknown (with
// ok=false) for anything unrecognized rather than erroring — callers
// that must reject unparseable input do so explicitly (spec §4.1: the
// taxonomy "exposes ... Unknown — sentinel for unparseable input").
func Parse(s string) (State, bool) {
	st := State(s)
	if st.Valid() {
		return st, true
	}
	return Unknown, false
}

var canTakeWrites = map[State]struct{}{
	Single: {}, WaitPrimary: {}, Primary: {}, JoinPrimary: {},
	ApplySettings: {}, PrepareMaintenance: {},
}

// CanTakeWrites reports whether s is one of the writable-assigned states
// (spec §4.1, §3 invariant 4): {single, wait_primary, primary,
// join_primary, apply_settings, prepare_maintenance}.
func CanTakeWrites(s State) bool {
	_, ok := canTakeWrites[s]
	return ok
}

var writableOrDemoted = map[State]struct{}{
	Draining: {}, DemoteTimeout: {}, Demoted: {},
}

// IsWritableOrDemoted reports whether s is writable, or was writable and
// is in the process of stepping down: CanTakeWrites(s) plus
// {draining, demote_timeout, demoted}.
func IsWritableOrDemoted(s State) bool {
	if CanTakeWrites(s) {
		return true
	}
	_, ok := writableOrDemoted[s]
	return ok
}

var waitOrJoin = map[State]struct{}{
	WaitPrimary: {}, JoinPrimary: {},
}

// IsInWaitOrJoin reports whether s is {wait_primary, join_primary} — the
// primary is writable but in the middle of attaching a standby.
func IsInWaitOrJoin(s State) bool {
	_, ok := waitOrJoin[s]
	return ok
}

var maintenance = map[State]struct{}{
	WaitMaintenance: {}, Maintenance: {}, PrepareMaintenance: {},
}

// IsInMaintenance reports whether s is one of {wait_maintenance,
// maintenance, prepare_maintenance}.
func IsInMaintenance(s State) bool {
	_, ok := maintenance[s]
	return ok
}

// IsStandbyRole reports whether s belongs to the standby side of the
// state machine (joining, caught up, or mid-promotion), as opposed to
// the writable/primary side or a tombstone/sentinel.
func IsStandbyRole(s State) bool {
	switch s {
	case WaitStandby, CatchingUp, Secondary, PreparePromotion, StopReplication,
		JoinSecondary, ReportLSN, FastForward:
		return true
	default:
		return false
	}
}
