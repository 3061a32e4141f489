package realtime

import "testing"

func TestStateTrackerNotifiesChanges(t *testing.T) {
	tracker := NewStateTracker()
	var seen []ConnState
	unsubscribe := tracker.Subscribe(func(s ConnState) { seen = append(seen, s) })

	tracker.Set(StateLoaded)
	tracker.Set(StateLoaded)
	tracker.Set(StateSynced)
	unsubscribe()
	tracker.Set(StateLoaded)

	if len(seen) != 2 || seen[0] != StateLoaded || seen[1] != StateSynced {
		t.Fatalf("unexpected notifications: %v", seen)
	}
	if tracker.Listeners() != 0 {
		t.Fatalf("expected no listeners after unsubscribe, got %d", tracker.Listeners())
	}
	if tracker.State().String() != "loaded" {
		t.Fatalf("expected loaded, got %s", tracker.State())
	}
}
