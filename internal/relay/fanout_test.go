package relay

import (
	"context"
	"testing"
	"time"

	"wastetrack/internal/geo"
	"wastetrack/internal/wire"
)

func TestNATSFanoutSharesReports(t *testing.T) {
	ns, err := StartEmbeddedNATS(-1)
	if err != nil {
		t.Fatal(err)
	}
	defer ns.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := func() *Relay {
		f, err := NewNATSFanout(ns.ClientURL(), "wastetrack.test")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = f.Close() })
		r := New(Options{Fanout: f})
		go func() { _ = NewFanoutReceiver(r, f).Serve(ctx) }()
		return r
	}
	a, b := start(), start()
	// Core NATS drops messages published before the subscription exists.
	time.Sleep(200 * time.Millisecond)

	rep := wire.NewReport("c1", geo.Sample{Point: banjul, Timestamp: time.Now()})
	if err := a.Accept(ctx, "c1", rep); err != nil {
		t.Fatal(err)
	}

	eventually(t, "report on the second relay", func() bool {
		st, ok := b.Registry().Get("c1")
		return ok && st.Position != nil && *st.Position == banjul
	})
	if a.Registry().Len() != 1 {
		t.Errorf("origin relay holds %d collectors", a.Registry().Len())
	}

	if err := b.Accept(ctx, "c1", wire.OfflineReport("c1")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "offline on the first relay", func() bool {
		_, ok := a.Registry().Get("c1")
		return !ok
	})
}
