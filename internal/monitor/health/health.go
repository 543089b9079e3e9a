// Package health implements the periodic liveness-probing background
// worker of spec §4.6 (component C8): it dials every registered node on
// a fixed schedule, tracks each node's good/bad verdict, and triggers an
// automatic failover when the primary has been bad for long enough with
// a missed heartbeat and an eligible standby to take over.
//
// Grounded on the teacher's localElector (internal/praefect/nodes/
// local_elector.go): a bootstrap pass followed by a ticker-driven
// monitor loop, fanning a health check out to every node concurrently
// each tick before deciding whether the primary needs replacing. Unlike
// the teacher, which holds its node list and primary pointer in memory
// (it has no persistence layer of its own), every verdict here is
// written back through the Store so a restarted worker picks up exactly
// where the last one left off — the monitor's "no in-memory cache
// crosses transaction boundaries" resource policy (spec §5) rules out
// keeping the continuously-bad-since clock anywhere but the node's own
// record.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pgautofailover/monitor/internal/monitor/config"
	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/fsm"
	"github.com/pgautofailover/monitor/internal/monitor/metrics"
	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// retryDelay is the fixed pause between consecutive probe attempts
// within one node's check (spec §4.6: "up to N retries with a fixed
// delay"). Spec prose doesn't pin a duration; this is a conservative
// default short enough not to stretch a single health-check cycle past
// Config.Period for any reasonable node count.
const retryDelay = 250 * time.Millisecond

// healthBadSinceParam marks, in a node's Params bag, the RFC3339
// timestamp of when its Health last flipped from good/unknown to bad.
// Kept in the Store rather than worker memory (see package doc) so the
// unhealthy-timeout clock survives a worker restart.
const healthBadSinceParam = "health_bad_since"

// Dialer opens a liveness probe connection to a node and reports whether
// it succeeded. Tests substitute a fake so they never touch a real
// network or a real Postgres instance.
type Dialer func(ctx context.Context, host string, port int) error

// PQDialer is the production Dialer (spec §3 DOMAIN STACK: "a raw
// database/sql connection attempt against host:port, the Go equivalent
// of the original's libpq connection probe"). It has no knowledge of any
// node's Postgres credentials — dialing far enough to get a TCP
// connection and a Postgres protocol handshake started is sufficient to
// tell a live postmaster from a dead one, so it connects without a
// dbname or user, the way a bare `pg_isready` probe would.
func PQDialer(ctx context.Context, host string, port int) error {
	dsn := fmt.Sprintf("host=%s port=%d sslmode=disable connect_timeout=5", host, port)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open probe connection to %s:%d: %w", host, port, err)
	}
	defer db.Close()
	return db.PingContext(ctx)
}

// Worker runs the §4.6 periodic scan.
type Worker struct {
	Store  datastore.Store
	FSM    fsm.Config
	Config config.HealthCheck
	Dial   Dialer
	Log    logrus.FieldLogger

	// Now is the worker's clock, injected so tests can control the
	// startup-grace-period and unhealthy-timeout math deterministically
	// (the same constructor-injection discipline as fsm.Config.Now).
	Now func() time.Time

	startedAt time.Time
}

// NewWorker constructs a Worker ready to Run. The startup grace period
// (spec §4.6, boundary (d)) is measured from this call, not from the
// first tick, so a monitor that takes a while to reach its first probe
// doesn't get a shorter grace window than configured.
func NewWorker(store datastore.Store, fsmCfg fsm.Config, cfg config.HealthCheck, dial Dialer, log logrus.FieldLogger) *Worker {
	w := &Worker{
		Store:  store,
		FSM:    fsmCfg,
		Config: cfg,
		Dial:   dial,
		Log:    log,
	}
	if w.Dial == nil {
		w.Dial = PQDialer
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	w.startedAt = w.Now()
	return w
}

// Run blocks, probing every registered node once immediately and then
// once per Config.Period, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.RunOnce(ctx); err != nil {
		w.Log.WithError(err).Error("health check cycle failed")
	}

	ticker := time.NewTicker(w.Config.Period.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.Log.WithError(err).Error("health check cycle failed")
			}
		}
	}
}

// probeResult is one node's outcome for a single cycle.
type probeResult struct {
	node    datastore.Node
	healthy bool
	err     error
}

// RunOnce performs a single scan-and-decide cycle: probe every node
// concurrently, then apply each verdict. It is the unit tests drive
// directly, one cycle at a time, against a controlled clock.
func (w *Worker) RunOnce(ctx context.Context) error {
	nodes, err := w.Store.ListAllNodes(ctx)
	if err != nil {
		return fmt.Errorf("list nodes for health scan: %w", err)
	}

	results := make([]probeResult, len(nodes))

	// errgroup.Group fans the per-node probes out concurrently, same as
	// localElector.checkNodes's sync.WaitGroup, but its Wait() also
	// surfaces the first dial error for this log line below — the
	// teacher's WaitGroup discards each goroutine's result entirely,
	// which is fine when all it needs is "did everyone finish" but not
	// when per-node pass/fail has to drive a persisted verdict.
	var g errgroup.Group
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			results[i] = w.probe(ctx, n)
			return results[i].err
		})
	}
	if err := g.Wait(); err != nil {
		w.Log.WithError(err).Debug("health scan: at least one node failed its liveness probe")
	}

	for _, res := range results {
		if err := w.applyVerdict(ctx, res); err != nil {
			w.Log.WithError(err).WithField("node_id", res.node.NodeID).Error("apply health verdict")
		}
	}
	return nil
}

// probe dials n up to Config.RetryCount times, each attempt bounded by
// Config.Timeout: "a node is marked bad after N consecutive failures,
// good after one success" (spec §4.6) — the retries themselves are the
// consecutive-failure count, all within this one cycle.
func (w *Worker) probe(ctx context.Context, n datastore.Node) probeResult {
	retries := w.Config.RetryCount
	if retries < 1 {
		retries = 1
	}

	started := w.Now()
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, w.Config.Timeout.Duration())
		err := w.Dial(attemptCtx, n.Host, n.Port)
		cancel()
		if err == nil {
			metrics.HealthCheckLatency.WithLabelValues(n.Name, "good").Observe(w.Now().Sub(started).Seconds())
			return probeResult{node: n, healthy: true}
		}
		lastErr = err

		if attempt < retries-1 {
			select {
			case <-ctx.Done():
				metrics.HealthCheckLatency.WithLabelValues(n.Name, "bad").Observe(w.Now().Sub(started).Seconds())
				return probeResult{node: n, healthy: false, err: ctx.Err()}
			case <-time.After(retryDelay):
			}
		}
	}
	metrics.HealthCheckLatency.WithLabelValues(n.Name, "bad").Observe(w.Now().Sub(started).Seconds())
	return probeResult{node: n, healthy: false, err: lastErr}
}

// applyVerdict persists res under the node's group lock, and triggers an
// automatic failover if res confirms a primary that has now been bad
// for long enough, per spec §4.3 trigger (c) and §4.6's combined
// condition.
func (w *Worker) applyVerdict(ctx context.Context, res probeResult) error {
	return w.Store.WithGroupLock(ctx, res.node.FormationID, res.node.GroupID, func(ctx context.Context, tx datastore.Tx) error {
		n, err := tx.GetNode(ctx, res.node.NodeID)
		if err == datastore.ErrNotFound {
			// Removed between the probe and this lock pass.
			return nil
		}
		if err != nil {
			return fmt.Errorf("reload node %d: %w", res.node.NodeID, err)
		}

		now := w.Now()

		if res.healthy {
			if n.Health == datastore.HealthGood {
				return nil
			}
			n.Health = datastore.HealthGood
			clearBadSince(&n)
			return w.recordHealth(ctx, tx, n, "health: node reporting good")
		}

		if n.Health != datastore.HealthBad {
			n.Health = datastore.HealthBad
			setBadSince(&n, now)
			if err := w.recordHealth(ctx, tx, n, "health: node verdicted bad"); err != nil {
				return err
			}
		}

		if !w.primaryEligibleForFailover(n, now) {
			return nil
		}

		v, err := loadGroupView(ctx, tx, n.FormationID, n.GroupID)
		if err != nil {
			return err
		}
		if fsm.InProgress(v) {
			return nil
		}
		if !hasEligibleStandby(v, n.NodeID) {
			return nil
		}

		w.Log.WithField("node_id", n.NodeID).
			WithField("formation_id", n.FormationID).
			WithField("group_id", n.GroupID).
			Warn("health worker triggering failover: primary bad beyond unhealthy timeout with a missed heartbeat")
		return fsm.StartFailover(ctx, tx, w.FSM, w.Log, v)
	})
}

// primaryEligibleForFailover implements spec §4.6's combined condition
// ("bad lasting longer than node_considered_unhealthy_timeout combined
// with a missed heartbeat") plus boundary (d) (the startup grace
// period). Spec prose doesn't define "missed heartbeat" as a separate
// tunable, so this reuses UnhealthyTimeout for both halves of the
// combined condition: the node must have been continuously bad for
// longer than UnhealthyTimeout, and must also not have reported in via
// node_active for that same span — a single node_active report
// refreshes LastReportAt regardless of the probe's own verdict, so a
// node that is failing its Postgres liveness probe but still actively
// heartbeating is not yet considered silent.
func (w *Worker) primaryEligibleForFailover(n datastore.Node, now time.Time) bool {
	if !state.IsWritableOrDemoted(n.GoalState) {
		return false
	}
	if now.Sub(w.startedAt) < w.Config.StartupGracePeriod.Duration() {
		return false
	}
	since, ok := badSinceOf(n)
	if !ok || now.Sub(since) < w.Config.UnhealthyTimeout.Duration() {
		return false
	}
	if now.Sub(n.LastReportAt) < w.Config.UnhealthyTimeout.Duration() {
		return false
	}
	return true
}

// hasEligibleStandby reports whether some node other than primaryID
// could take over — anything not already parked in maintenance or
// dropped.
func hasEligibleStandby(v fsm.GroupView, primaryID int64) bool {
	for _, n := range v.Nodes {
		if n.NodeID == primaryID {
			continue
		}
		if state.IsInMaintenance(n.GoalState) || n.GoalState == state.Dropped {
			continue
		}
		return true
	}
	return false
}

func loadGroupView(ctx context.Context, tx datastore.Tx, formationID string, groupID int) (fsm.GroupView, error) {
	nodes, err := tx.GetNodes(ctx, datastore.NodeFilter{FormationID: formationID, GroupID: &groupID})
	if err != nil {
		return fsm.GroupView{}, fmt.Errorf("load group %s/%d: %w", formationID, groupID, err)
	}
	return fsm.GroupView{FormationID: formationID, GroupID: groupID, Nodes: nodes}, nil
}

func (w *Worker) recordHealth(ctx context.Context, tx datastore.Tx, n datastore.Node, description string) error {
	if err := tx.UpdateNode(ctx, n); err != nil {
		return fmt.Errorf("update node %d health: %w", n.NodeID, err)
	}
	if err := tx.InsertEvent(ctx, datastore.Event{
		NodeID:        n.NodeID,
		FormationID:   n.FormationID,
		GroupID:       n.GroupID,
		ReportedState: n.ReportedState,
		GoalState:     n.GoalState,
		ReportedTLI:   n.ReportedTLI,
		ReportedLSN:   n.ReportedLSN,
		Description:   description,
		Params:        datastore.Params{},
	}); err != nil {
		return fmt.Errorf("insert health event for node %d: %w", n.NodeID, err)
	}
	return tx.NotifyState(ctx, datastore.StateNotification{
		FormationID:   n.FormationID,
		GroupID:       n.GroupID,
		NodeID:        n.NodeID,
		Name:          n.Name,
		Host:          n.Host,
		Port:          n.Port,
		ReportedState: n.ReportedState.String(),
		GoalState:     n.GoalState.String(),
		Health:        n.Health.String(),
	})
}

func badSinceOf(n datastore.Node) (time.Time, bool) {
	s, ok := n.Params.GetString(healthBadSinceParam)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func setBadSince(n *datastore.Node, t time.Time) {
	if n.Params == nil {
		n.Params = datastore.Params{}
	}
	n.Params[healthBadSinceParam] = t.Format(time.RFC3339Nano)
}

func clearBadSince(n *datastore.Node) {
	if n.Params != nil {
		delete(n.Params, healthBadSinceParam)
	}
}
