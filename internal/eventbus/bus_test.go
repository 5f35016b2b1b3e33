package eventbus

import "testing"

func TestSubscribeFiltersTypes(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	fired, unsubFired := b.Subscribe(4, TypeCalendarFired)
	defer unsubAll()
	defer unsubFired()

	b.Publish(Event{Type: TypeNotifySent})
	b.Publish(Event{Type: TypeCalendarFired, Data: "e1"})

	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber got %d events", len(all))
	}
	if len(fired) != 1 {
		t.Fatalf("filtered subscriber got %d events", len(fired))
	}
	if e := <-fired; e.Data != "e1" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
