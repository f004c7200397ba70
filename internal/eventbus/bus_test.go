package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeFailed, Data: Item{Kind: "reminder", ID: "r1"}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != TypeFailed || ev.Time.IsZero() {
				t.Fatalf("unexpected event %+v", ev)
			}
			if it, ok := ev.Data.(Item); !ok || it.ID != "r1" {
				t.Fatalf("unexpected payload %#v", ev.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeTick})
	b.Publish(Event{Type: TypeTick}) // dropped, must not block

	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(Event{Type: TypeTick})
}
