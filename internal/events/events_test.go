package events

import "testing"

func TestSubscribePublishReceive(t *testing.T) {
	e := New()
	ch, unsub := e.Subscribe(4)
	defer unsub()

	e.Publish(Event{Kind: KindStateChange, Tenant: "alpha"})

	select {
	case ev := <-ch:
		if ev.Tenant != "alpha" || ev.Kind != KindStateChange {
			t.Fatalf("got %+v", ev)
		}
	default:
		t.Fatal("expected event to be delivered")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	e := New()
	ch, unsub := e.Subscribe(1)
	defer unsub()

	e.Publish(Event{Kind: KindSpawned, Tenant: "a"})
	e.Publish(Event{Kind: KindSpawned, Tenant: "b"}) // should drop, not block

	ev := <-ch
	if ev.Tenant != "a" {
		t.Fatalf("expected first event to survive, got %+v", ev)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected no second event, got %+v", extra)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	e := New()
	ch, unsub := e.Subscribe(1)
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}
