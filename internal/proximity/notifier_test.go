package proximity

import (
	"context"
	"strings"
	"testing"
	"time"

	"wastetrack/internal/geo"
	"wastetrack/internal/notify"
	"wastetrack/internal/tracking"
)

var home = geo.Point{Latitude: 13.4549, Longitude: -16.5790}

func collectorAt(id string, meters float64) tracking.CollectorState {
	p := geo.Destination(home, 90, meters)
	return tracking.CollectorState{CollectorID: id, Position: &p, VehicleLabel: "GMB-" + id, Online: true}
}

func newNotifier(rec *notify.Recorder, now *time.Time) *Notifier {
	n := New(rec, rec, 0, 0)
	n.now = func() time.Time { return *now }
	n.SetSelf(home)
	n.SetEnabled(true)
	return n
}

func TestFiresWithinRadiusOnly(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rec := &notify.Recorder{Perm: notify.PermissionGranted}
	n := newNotifier(rec, &now)

	fired := n.Evaluate([]tracking.CollectorState{collectorAt("near", 400), collectorAt("far", 600)})
	if len(fired) != 1 || fired[0].CollectorID != "near" {
		t.Fatalf("fired = %+v, want only near", fired)
	}
	if fired[0].Meters != 400 {
		t.Errorf("meters = %d, want 400", fired[0].Meters)
	}

	toasts, notes := rec.Snapshot()
	if len(toasts) != 1 || toasts[0] != "Collector nearby: GMB-near (400 m)" {
		t.Errorf("toasts = %q", toasts)
	}
	if len(notes) != 1 || !strings.Contains(notes[0], "GMB-near is 400 m away") {
		t.Errorf("notifications = %q", notes)
	}
}

func TestCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rec := &notify.Recorder{Perm: notify.PermissionDenied}
	n := newNotifier(rec, &now)
	near := []tracking.CollectorState{collectorAt("a", 400)}

	if len(n.Evaluate(near)) != 1 {
		t.Fatal("first evaluation should fire")
	}
	now = now.Add(4 * time.Minute)
	if len(n.Evaluate(near)) != 0 {
		t.Error("repeat within cooldown fired")
	}
	now = now.Add(time.Minute)
	if len(n.Evaluate(near)) != 0 {
		t.Error("repeat at exactly the cooldown fired")
	}
	now = now.Add(time.Second)
	if len(n.Evaluate(near)) != 1 {
		t.Error("repeat after cooldown did not fire")
	}

	toasts, notes := rec.Snapshot()
	if len(toasts) != 2 {
		t.Errorf("toasts = %d, want 2", len(toasts))
	}
	if len(notes) != 0 {
		t.Errorf("denied permission still notified: %q", notes)
	}
}

func TestDisabledOrNoSelf(t *testing.T) {
	rec := &notify.Recorder{}
	n := New(rec, nil, 0, 0)
	markers := []tracking.CollectorState{collectorAt("a", 10)}

	n.SetSelf(home)
	if len(n.Evaluate(markers)) != 0 {
		t.Error("disabled notifier fired")
	}

	n2 := New(rec, nil, 0, 0)
	n2.SetEnabled(true)
	if len(n2.Evaluate(markers)) != 0 {
		t.Error("notifier without self location fired")
	}
}

func TestRequestsPermissionWhenUndecided(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rec := &notify.Recorder{Perm: notify.PermissionDefault, PermAfterRequest: notify.PermissionGranted}
	n := newNotifier(rec, &now)

	n.Evaluate([]tracking.CollectorState{collectorAt("a", 100)})
	n.Wait()

	toasts, notes := rec.Snapshot()
	if len(toasts) != 1 {
		t.Errorf("toast should be shown regardless of permission, got %q", toasts)
	}
	if rec.Requests != 1 || len(notes) != 1 {
		t.Errorf("requests=%d notes=%q, want one request then one notification", rec.Requests, notes)
	}
}

type fixedLocator struct{ p geo.Point }

func (f fixedLocator) Current(context.Context, geo.Options) (geo.Sample, error) {
	return geo.Sample{Point: f.p}, nil
}

func TestRefreshSelf(t *testing.T) {
	n := New(&notify.Recorder{}, nil, 0, 0)
	if err := n.RefreshSelf(context.Background(), fixedLocator{home}); err != nil {
		t.Fatal(err)
	}
	if p, ok := n.Self(); !ok || p != home {
		t.Errorf("Self = %v %v", p, ok)
	}
}
