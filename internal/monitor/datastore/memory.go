package datastore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// NewMemoryStore returns an in-memory Store, used for local development
// and the bulk of this package's tests. Its shape — a single mutex
// guarding plain Go maps, with sequence counters for ids — is lifted
// directly from the teacher's memoryReplicationEventQueue
// (internal/praefect/datastore/memory.go in the retrieval pack).
//
// Locking is coarser than the Postgres backend: a single process-wide
// mutex stands in for Postgres's per-(formation)/per-(formation,group)
// advisory locks, since there is only one process sharing this store.
// That is weaker than the Postgres backend's guarantee (which also
// serializes multiple monitor processes) but sufficient for the
// single-process scenarios this backend is meant for.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		formations: make(map[string]Formation),
		nodes:      make(map[int64]Node),
		logCh:      make(chan string, 64),
		stateCh:    make(chan StateNotification, 64),
	}
}

// MemoryStore implements Store and Tx on the same value: every lock
// method takes the single mutex and invokes fn with the store itself.
type MemoryStore struct {
	mu         sync.Mutex
	formations map[string]Formation
	nodes      map[int64]Node
	events     []Event
	nextNodeID int64
	nextEvtID  int64

	logCh   chan string
	stateCh chan StateNotification
}

// LogChannel exposes the channel NotifyLog publishes to, for tests and
// for a development-mode subscriber that mirrors notifications to the
// process log.
func (m *MemoryStore) LogChannel() <-chan string { return m.logCh }

// StateChannel exposes the channel NotifyState publishes to.
func (m *MemoryStore) StateChannel() <-chan StateNotification { return m.stateCh }

func (m *MemoryStore) NotifyLog(ctx context.Context, message string) error {
	select {
	case m.logCh <- message:
	default:
	}
	return nil
}

func (m *MemoryStore) NotifyState(ctx context.Context, n StateNotification) error {
	select {
	case m.stateCh <- n:
	default:
	}
	return nil
}

func (m *MemoryStore) CreateFormation(ctx context.Context, f Formation) (Formation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.formations[f.ID]; ok {
		return existing, nil
	}
	m.formations[f.ID] = f
	return f, nil
}

func (m *MemoryStore) GetFormation(ctx context.Context, formationID string) (Formation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getFormationLocked(formationID)
}

func (m *MemoryStore) getFormationLocked(formationID string) (Formation, error) {
	f, ok := m.formations[formationID]
	if !ok {
		return Formation{}, ErrNotFound
	}
	return f, nil
}

func (m *MemoryStore) UpdateFormationKind(ctx context.Context, formationID string, kind FormationKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.formations[formationID]
	if !ok {
		return ErrNotFound
	}
	f.Kind = kind
	m.formations[formationID] = f
	return nil
}

func (m *MemoryStore) SetNumberSyncStandbys(ctx context.Context, formationID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.formations[formationID]
	if !ok {
		return ErrNotFound
	}
	f.NumberSyncStandbys = n
	m.formations[formationID] = f
	return nil
}

func (m *MemoryStore) DropFormation(ctx context.Context, formationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.FormationID == formationID {
			return ErrFormationNotEmpty
		}
	}
	delete(m.formations, formationID)
	return nil
}

func (m *MemoryStore) WithFormationLock(ctx context.Context, formationID string, exclusive bool, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, m)
}

func (m *MemoryStore) WithGroupLock(ctx context.Context, formationID string, groupID int, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, m)
}

// --- Tx methods. Callers only reach these from within WithFormationLock/WithGroupLock, which already hold m.mu. ---

func (m *MemoryStore) NextNodeID(ctx context.Context) (int64, error) {
	m.nextNodeID++
	return m.nextNodeID, nil
}

func (m *MemoryStore) InsertNode(ctx context.Context, n Node) (Node, error) {
	for _, existing := range m.nodes {
		if existing.Host == n.Host && existing.Port == n.Port {
			return Node{}, fmt.Errorf("datastore: (host, port) (%s, %d) already registered", n.Host, n.Port)
		}
		if existing.FormationID == n.FormationID && existing.Name == n.Name {
			return Node{}, fmt.Errorf("datastore: name %q already used in formation %q", n.Name, n.FormationID)
		}
	}
	m.nodes[n.NodeID] = n
	return n, nil
}

func (m *MemoryStore) GetNode(ctx context.Context, nodeID int64) (Node, error) {
	n, ok := m.nodes[nodeID]
	if !ok {
		return Node{}, ErrNotFound
	}
	return n, nil
}

func (m *MemoryStore) GetNodeByHostPort(ctx context.Context, host string, port int) (Node, error) {
	for _, n := range m.nodes {
		if n.Host == host && n.Port == port {
			return n, nil
		}
	}
	return Node{}, ErrNotFound
}

func (m *MemoryStore) GetNodes(ctx context.Context, filter NodeFilter) ([]Node, error) {
	var out []Node
	for _, n := range m.nodes {
		if n.FormationID != filter.FormationID {
			continue
		}
		if filter.GroupID != nil && n.GroupID != *filter.GroupID {
			continue
		}
		if n.NodeID == filter.ExcludeNode {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, n.ReportedState) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *MemoryStore) ListAllNodes(ctx context.Context) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func containsState(states []state.State, s state.State) bool {
	for _, c := range states {
		if c == s {
			return true
		}
	}
	return false
}

func (m *MemoryStore) UpdateNode(ctx context.Context, n Node) error {
	if _, ok := m.nodes[n.NodeID]; !ok {
		return ErrNotFound
	}
	m.nodes[n.NodeID] = n
	return nil
}

func (m *MemoryStore) DeleteNode(ctx context.Context, nodeID int64) error {
	if _, ok := m.nodes[nodeID]; !ok {
		return ErrNotFound
	}
	delete(m.nodes, nodeID)
	return nil
}

func (m *MemoryStore) InsertEvent(ctx context.Context, e Event) error {
	m.nextEvtID++
	e.ID = m.nextEvtID
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryStore) LastEvents(ctx context.Context, formationID string, groupID *int, count int) ([]Event, error) {
	var matched []Event
	for i := len(m.events) - 1; i >= 0 && len(matched) < count; i-- {
		e := m.events[i]
		if formationID != "" && e.FormationID != formationID {
			continue
		}
		if groupID != nil && e.GroupID != *groupID {
			continue
		}
		matched = append(matched, e)
	}
	return matched, nil
}
