package bus

import (
	"testing"
)

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case evt := <-sub.C:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe("a")
	c := b.Subscribe("c")

	b.Broadcast(Event{Name: "chat"})

	if got := drain(a); len(got) != 1 || got[0].Name != "chat" {
		t.Fatalf("subscriber a got %v", got)
	}
	if got := drain(c); len(got) != 1 {
		t.Fatalf("subscriber c got %v", got)
	}
}

func TestBroadcastDropsOldestWhenFull(t *testing.T) {
	b := NewWithBuffer(2)
	sub := b.Subscribe("slow")

	b.Broadcast(Event{Name: "e1"})
	b.Broadcast(Event{Name: "e2"})
	b.Broadcast(Event{Name: "e3"}) // evicts e1

	got := drain(sub)
	if len(got) != 2 {
		t.Fatalf("expected 2 buffered events, got %d", len(got))
	}
	if got[0].Name != "e2" || got[1].Name != "e3" {
		t.Fatalf("expected [e2 e3], got [%s %s]", got[0].Name, got[1].Name)
	}
	if gap := sub.Gap(); gap != 1 {
		t.Fatalf("expected gap 1, got %d", gap)
	}
	if gap := sub.Gap(); gap != 0 {
		t.Fatalf("gap counter should reset, got %d", gap)
	}
}

func TestBroadcastDoesNotBlockPublisher(t *testing.T) {
	b := NewWithBuffer(1)
	b.Subscribe("never-read")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Broadcast(Event{Name: "tick"})
		}
		close(done)
	}()
	<-done
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("a")
	b.Unsubscribe("a")

	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}

	// Broadcasting after unsubscribe must not panic.
	b.Broadcast(Event{Name: "chat"})
}
