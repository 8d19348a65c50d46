package tracking

import (
	"context"
	"reflect"
	"testing"
	"time"

	"wastetrack/internal/geo"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func pt(lat, lng float64) *geo.Point { return &geo.Point{Latitude: lat, Longitude: lng} }

func newTestRegistry(now time.Time) *Registry {
	r := NewRegistry("test")
	r.now = func() time.Time { return now }
	return r
}

func mustGet(t *testing.T, r *Registry, id string) CollectorState {
	t.Helper()
	st, ok := r.Get(id)
	if !ok {
		t.Fatalf("collector %q missing", id)
	}
	return st
}

func TestAvailableRequiresPosition(t *testing.T) {
	r := newTestRegistry(t0)
	r.Reconcile(
		Update{CollectorID: "a", Online: Bool(true), VehicleLabel: "GMB-1"},
		Update{CollectorID: "b", Position: pt(13.45, -16.57), Timestamp: t0},
		Update{CollectorID: "c", Position: pt(13.45, -16.57), Timestamp: t0, Online: Bool(false)},
	)
	for _, st := range r.List() {
		if st.Available() && st.Position == nil {
			t.Errorf("%s available without position", st.CollectorID)
		}
	}
	if mustGet(t, r, "a").Available() {
		t.Error("positionless collector should not be available")
	}
	if !mustGet(t, r, "b").Available() {
		t.Error("positioned collector with no online flag should default to available")
	}
	if mustGet(t, r, "c").Available() {
		t.Error("offline collector should not be available")
	}
}

func TestMetadataOnlyKeepsPosition(t *testing.T) {
	r := newTestRegistry(t0)
	r.Reconcile(Update{CollectorID: "a", Position: pt(1, 1), Timestamp: t0, VehicleLabel: "GMB-1"})
	r.Reconcile(Update{CollectorID: "a", VehicleType: "compactor"})

	st := mustGet(t, r, "a")
	if st.Position == nil || *st.Position != (geo.Point{Latitude: 1, Longitude: 1}) {
		t.Fatalf("position = %v, want 1,1", st.Position)
	}
	if st.VehicleLabel != "GMB-1" || st.VehicleType != "compactor" {
		t.Errorf("metadata = %q/%q", st.VehicleLabel, st.VehicleType)
	}
	if !st.LastUpdate.Equal(t0) {
		t.Errorf("LastUpdate moved to %v", st.LastUpdate)
	}
}

func TestNewestTimestampWinsInAnyOrder(t *testing.T) {
	u1 := Update{CollectorID: "a", Position: pt(1, 1), Timestamp: t0}
	u2 := Update{CollectorID: "a", Position: pt(2, 2), Timestamp: t0.Add(time.Second)}

	orders := map[string][][]Update{
		"separate in order": {{u1}, {u2}},
		"separate reversed": {{u2}, {u1}},
		"one batch reversed": {{u2, u1}},
	}
	for name, calls := range orders {
		t.Run(name, func(t *testing.T) {
			r := newTestRegistry(t0)
			for _, batch := range calls {
				r.Reconcile(batch...)
			}
			st := mustGet(t, r, "a")
			if *st.Position != *u2.Position || !st.LastUpdate.Equal(u2.Timestamp) {
				t.Errorf("state = %v @ %v, want U2", st.Position, st.LastUpdate)
			}
		})
	}
}

func TestStaleUpdateFillsMissingMetadata(t *testing.T) {
	r := newTestRegistry(t0)
	r.Reconcile(Update{CollectorID: "a", Position: pt(2, 2), Timestamp: t0.Add(time.Minute), VehicleType: "tipper"})
	changed := r.Reconcile(Update{
		CollectorID:  "a",
		Position:     pt(1, 1),
		Timestamp:    t0,
		VehicleLabel: "GMB-7",
		VehicleType:  "compactor",
	})

	st := mustGet(t, r, "a")
	if *st.Position != (geo.Point{Latitude: 2, Longitude: 2}) {
		t.Errorf("stale position applied: %v", st.Position)
	}
	if st.VehicleLabel != "GMB-7" {
		t.Errorf("label = %q, stale record should fill missing label", st.VehicleLabel)
	}
	if st.VehicleType != "tipper" {
		t.Errorf("type = %q, stale record must not overwrite", st.VehicleType)
	}
	if !reflect.DeepEqual(changed, []string{"a"}) {
		t.Errorf("changed = %v", changed)
	}
}

func TestEqualTimestampApplies(t *testing.T) {
	r := newTestRegistry(t0)
	r.Reconcile(Update{CollectorID: "a", Position: pt(1, 1), Timestamp: t0})
	r.Reconcile(Update{CollectorID: "a", Position: pt(3, 3), Timestamp: t0})
	if st := mustGet(t, r, "a"); st.Position.Latitude != 3 {
		t.Errorf("position = %v, equal timestamp should apply", st.Position)
	}
}

func TestDuplicateIDsLastWins(t *testing.T) {
	r := newTestRegistry(t0)
	changed := r.Reconcile(
		Update{CollectorID: "a", Position: pt(1, 1), Timestamp: t0.Add(time.Minute)},
		Update{CollectorID: "b", Position: pt(5, 5), Timestamp: t0},
		Update{CollectorID: "a", Position: pt(2, 2), Timestamp: t0},
	)
	if !reflect.DeepEqual(changed, []string{"a", "b"}) {
		t.Errorf("changed = %v, want [a b]", changed)
	}
	if st := mustGet(t, r, "a"); st.Position.Latitude != 2 {
		t.Errorf("a = %v, last occurrence should win", st.Position)
	}
}

func TestZeroTimestampUsesReceiptTime(t *testing.T) {
	r := newTestRegistry(t0)
	r.Reconcile(Update{CollectorID: "a", Position: pt(1, 1)})
	if st := mustGet(t, r, "a"); !st.LastUpdate.Equal(t0) {
		t.Errorf("LastUpdate = %v, want receipt time %v", st.LastUpdate, t0)
	}
}

func TestNullIslandIsNoFix(t *testing.T) {
	r := newTestRegistry(t0)
	r.Reconcile(Update{CollectorID: "a", Position: pt(0, 0), Timestamp: t0})
	if st := mustGet(t, r, "a"); st.Position != nil {
		t.Errorf("position = %v, want none", st.Position)
	}
	if len(r.Markers()) != 0 {
		t.Error("positionless entry leaked into markers")
	}
}

func TestUnchangedUpdateReportsNothing(t *testing.T) {
	r := newTestRegistry(t0)
	u := Update{CollectorID: "a", Position: pt(1, 1), Timestamp: t0, VehicleLabel: "GMB-1"}
	r.Reconcile(u)
	if changed := r.Reconcile(u); len(changed) != 0 {
		t.Errorf("changed = %v, want none", changed)
	}
	if changed := r.Reconcile(Update{}); len(changed) != 0 {
		t.Errorf("empty id changed %v", changed)
	}
}

func TestEvictStale(t *testing.T) {
	r := newTestRegistry(t0)
	r.Reconcile(
		Update{CollectorID: "fresh", Position: pt(1, 1), Timestamp: t0.Add(-30 * time.Second)},
		Update{CollectorID: "edge", Position: pt(1, 1), Timestamp: t0.Add(-60 * time.Second)},
		Update{CollectorID: "old", Position: pt(1, 1), Timestamp: t0.Add(-61 * time.Second)},
		Update{CollectorID: "nogps", VehicleLabel: "GMB-9"},
	)

	evicted := r.EvictStale(t0, 60*time.Second)
	if !reflect.DeepEqual(evicted, []string{"old"}) {
		t.Fatalf("evicted = %v, want [old]", evicted)
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}

	// The positionless entry ages from receipt.
	evicted = r.EvictStale(t0.Add(61*time.Second), 60*time.Second)
	if !reflect.DeepEqual(evicted, []string{"edge", "fresh", "nogps"}) {
		t.Errorf("evicted = %v", evicted)
	}
}

func TestSnapshotThenSingleUpdateKeepsLabel(t *testing.T) {
	r := newTestRegistry(t0)
	r.SnapshotReplace([]Update{
		{CollectorID: "a", Position: pt(1, 1), Timestamp: t0, VehicleLabel: "GMB-1"},
		{CollectorID: "b", Position: pt(2, 2), Timestamp: t0, VehicleLabel: "GMB-2"},
		{CollectorID: "c", Position: pt(3, 3), Timestamp: t0, VehicleLabel: "GMB-3"},
	})
	r.Reconcile(Update{CollectorID: "b", Position: pt(2.5, 2.5), Timestamp: t0.Add(time.Second)})

	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	b := mustGet(t, r, "b")
	if b.VehicleLabel != "GMB-2" || b.Position.Latitude != 2.5 {
		t.Errorf("b = %+v", b)
	}
	for _, id := range []string{"a", "c"} {
		if st := mustGet(t, r, id); !st.LastUpdate.Equal(t0) {
			t.Errorf("%s touched: %+v", id, st)
		}
	}
}

func TestSnapshotReplaceDiscardsPrevious(t *testing.T) {
	r := newTestRegistry(t0)
	r.Reconcile(Update{CollectorID: "gone", Position: pt(1, 1), Timestamp: t0})
	snapshot := []Update{{CollectorID: "a", Position: pt(1, 1), Timestamp: t0}}
	r.SnapshotReplace(snapshot)

	if _, ok := r.Get("gone"); ok {
		t.Error("snapshot should replace, not merge")
	}

	// A snapshot followed by no events is the snapshot.
	want := newTestRegistry(t0)
	want.Reconcile(snapshot...)
	if !reflect.DeepEqual(r.List(), want.List()) {
		t.Errorf("List = %+v, want %+v", r.List(), want.List())
	}
}

func TestResyncNeverRollsBackPushedPosition(t *testing.T) {
	r := newTestRegistry(t0.Add(20 * time.Second))
	r.SnapshotReplace([]Update{
		{CollectorID: "a", Position: pt(13.50, -16.60), Timestamp: t0, VehicleLabel: "GMB-1"},
		{CollectorID: "b", Position: pt(13.51, -16.61), Timestamp: t0},
		{CollectorID: "gone", Position: pt(13.52, -16.62), Timestamp: t0},
	})
	r.Reconcile(Update{CollectorID: "a", Position: pt(13.55, -16.65), Timestamp: t0.Add(10 * time.Second)})

	// A lagging snapshot: a is older than the pushed fix and has a new label.
	since := t0.Add(30 * time.Second)
	r.now = func() time.Time { return t0.Add(31 * time.Second) }
	changed := r.Resync([]Update{
		{CollectorID: "a", Position: pt(13.50, -16.60), Timestamp: t0, VehicleLabel: "GMB-9"},
		{CollectorID: "b", Position: pt(13.51, -16.61), Timestamp: t0},
	}, since)

	a := mustGet(t, r, "a")
	if a.Position.Latitude != 13.55 || !a.LastUpdate.Equal(t0.Add(10*time.Second)) {
		t.Errorf("a rolled back: %+v", a)
	}
	if a.VehicleLabel != "GMB-9" {
		t.Errorf("a label = %q, want the snapshot's", a.VehicleLabel)
	}
	if _, ok := r.Get("gone"); ok {
		t.Error("collector missing from the snapshot was kept")
	}
	if !reflect.DeepEqual(changed, []string{"a", "gone"}) {
		t.Errorf("changed = %v", changed)
	}
}

func TestResyncKeepsEntriesReceivedDuringFetch(t *testing.T) {
	r := newTestRegistry(t0.Add(5 * time.Second))
	r.Add(Update{CollectorID: "late", Position: pt(1, 1), Timestamp: t0.Add(5 * time.Second)})

	r.Resync(nil, t0)
	if _, ok := r.Get("late"); !ok {
		t.Error("collector received after the snapshot was requested was removed")
	}
}

func TestAddIgnoresOrderingAndRemove(t *testing.T) {
	r := newTestRegistry(t0)
	r.Reconcile(Update{CollectorID: "a", Position: pt(1, 1), Timestamp: t0})
	if !r.Add(Update{CollectorID: "a", Position: pt(9, 9), Timestamp: t0.Add(-time.Hour)}) {
		t.Error("Add should report a change")
	}
	if st := mustGet(t, r, "a"); st.Position.Latitude != 9 {
		t.Errorf("Add did not override: %v", st.Position)
	}
	if !r.Remove("a") || r.Remove("a") {
		t.Error("Remove should succeed exactly once")
	}
}

func TestProjections(t *testing.T) {
	r := newTestRegistry(t0)
	r.Reconcile(
		Update{CollectorID: "c", Position: pt(1, 1), Timestamp: t0},
		Update{CollectorID: "a", VehicleLabel: "GMB-1"},
		Update{CollectorID: "b", Position: pt(2, 2), Timestamp: t0},
	)
	var ids []string
	for _, st := range r.List() {
		ids = append(ids, st.CollectorID)
	}
	if !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Errorf("List ids = %v", ids)
	}
	if m := r.Markers(); len(m) != 2 || m[0].CollectorID != "b" {
		t.Errorf("Markers = %+v", m)
	}

	// Returned states are copies.
	m := r.Markers()
	m[0].Position.Latitude = 99
	if st := mustGet(t, r, "b"); st.Position.Latitude != 2 {
		t.Error("projection aliases registry state")
	}
}

func TestSweeperServe(t *testing.T) {
	r := newTestRegistry(t0)
	r.Reconcile(Update{CollectorID: "old", Position: pt(1, 1), Timestamp: t0.Add(-2 * time.Minute)})

	s := NewSweeper(r, 5*time.Millisecond, time.Minute)
	s.now = func() time.Time { return t0 }
	evicted := make(chan []string, 1)
	s.OnEvict = func(ids []string) {
		select {
		case evicted <- ids:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	select {
	case ids := <-evicted:
		if !reflect.DeepEqual(ids, []string{"old"}) {
			t.Errorf("evicted = %v", ids)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper never evicted")
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Serve returned %v", err)
	}
}
