package bus

import (
	"context"
	"testing"
	"time"
)

func TestNotifyReachesEverySubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := b.Subscribe(ctx, TopicCollectorUpdated)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Subscribe(ctx, TopicCollectorUpdated)
	if err != nil {
		t.Fatal(err)
	}
	other, err := b.Subscribe(ctx, TopicRegistryChanged)
	if err != nil {
		t.Fatal(err)
	}

	type payload struct {
		CollectorID string `json:"collectorId"`
	}
	if err := b.Notify(TopicCollectorUpdated, payload{CollectorID: "c1"}); err != nil {
		t.Fatal(err)
	}

	for _, ch := range []<-chan Notification{first, second} {
		select {
		case n := <-ch:
			var p payload
			if err := n.Decode(&p); err != nil || p.CollectorID != "c1" {
				t.Errorf("payload = %s (%v)", n.Payload, err)
			}
			if n.ID == "" || n.Topic != TopicCollectorUpdated {
				t.Errorf("notification = %+v", n)
			}
		case <-time.After(time.Second):
			t.Fatal("notification not delivered")
		}
	}

	select {
	case n := <-other:
		t.Errorf("unrelated topic received %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, TopicRegistryChanged)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription did not close")
	}
}

func TestNotifyWithoutPayload(t *testing.T) {
	b := New()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx, TopicRegistryChanged)
	if err := b.Notify(TopicRegistryChanged, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-ch:
		if len(n.Payload) != 0 {
			t.Errorf("payload = %q", n.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("not delivered")
	}
}
