package fsm

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/state"
)

// StartApplySettings moves the group's primary to apply_settings
// (operator op C6, e.g. a changed numberSyncStandbys or
// replicationQuorum/candidatePriority on a standby): the primary stays
// writable throughout (apply_settings is a CanTakeWrites state) while
// the keeper reconfigures synchronous_standby_names.
func StartApplySettings(ctx context.Context, tx datastore.Tx, cfg Config, v GroupView) error {
	primary, ok := v.Primary()
	if !ok {
		return invalidTransition("cannot apply settings: group %s/%d has no primary", v.FormationID, v.GroupID)
	}
	primary.GoalState = state.ApplySettings
	_, err := apply(ctx, tx, cfg, v, []mutation{{primary, "settings: primary applying new replication settings"}})
	return err
}

func settingsInProgress(v GroupView) bool {
	for _, n := range v.Nodes {
		if n.GoalState == state.ApplySettings {
			return true
		}
	}
	return false
}

func stepSettings(ctx context.Context, tx datastore.Tx, cfg Config, log logrus.FieldLogger, v GroupView) (bool, error) {
	for _, n := range v.Nodes {
		if n.GoalState == state.ApplySettings && n.ReportedState == state.ApplySettings {
			n.GoalState = state.Primary
			return apply(ctx, tx, cfg, v, []mutation{{n, "settings: new replication settings applied"}})
		}
	}
	return false, nil
}
