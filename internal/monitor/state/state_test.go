package state

import "testing"

func TestParse(t *testing.T) {
	if s, ok := Parse("primary"); !ok || s != Primary {
		t.Fatalf("Parse(primary) = %v, %v", s, ok)
	}
	if s, ok := Parse("nonsense"); ok || s != Unknown {
		t.Fatalf("Parse(nonsense) = %v, %v, want Unknown, false", s, ok)
	}
}

func TestCanTakeWrites(t *testing.T) {
	for _, s := range []State{Single, WaitPrimary, Primary, JoinPrimary, ApplySettings, PrepareMaintenance} {
		if !CanTakeWrites(s) {
			t.Errorf("CanTakeWrites(%s) = false, want true", s)
		}
	}
	for _, s := range []State{Secondary, CatchingUp, Draining, Dropped} {
		if CanTakeWrites(s) {
			t.Errorf("CanTakeWrites(%s) = true, want false", s)
		}
	}
}

func TestIsWritableOrDemoted(t *testing.T) {
	for _, s := range []State{Primary, Draining, DemoteTimeout, Demoted} {
		if !IsWritableOrDemoted(s) {
			t.Errorf("IsWritableOrDemoted(%s) = false, want true", s)
		}
	}
	if IsWritableOrDemoted(Secondary) {
		t.Error("IsWritableOrDemoted(secondary) = true, want false")
	}
}

func TestIsStandbyRole(t *testing.T) {
	for _, s := range []State{WaitStandby, CatchingUp, Secondary, PreparePromotion, StopReplication, JoinSecondary, ReportLSN, FastForward} {
		if !IsStandbyRole(s) {
			t.Errorf("IsStandbyRole(%s) = false, want true", s)
		}
	}
	if IsStandbyRole(Primary) {
		t.Error("IsStandbyRole(primary) = true, want false")
	}
}

func TestIsInMaintenance(t *testing.T) {
	for _, s := range []State{WaitMaintenance, Maintenance, PrepareMaintenance} {
		if !IsInMaintenance(s) {
			t.Errorf("IsInMaintenance(%s) = false, want true", s)
		}
	}
}
