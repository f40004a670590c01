package callctl

import "testing"

func TestBroker_FanOut(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(4)
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Type: EventCallStarted, SessionID: "s1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != EventCallStarted || ev.SessionID != "s1" {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestBroker_SlowSubscriberDrops(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	_, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{Type: EventCallStarted})
	b.Publish(Event{Type: EventCallEnded}) // buffer full, dropped

	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestBroker_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	ch, cancel := b.Subscribe(1)
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}

	// Publishing to no subscribers must not panic or count drops.
	b.Publish(Event{Type: EventCallStarted})
	if b.Dropped() != 0 {
		t.Errorf("Dropped = %d after unsubscribe, want 0", b.Dropped())
	}
}

func TestBroker_CloseStopsPublish(t *testing.T) {
	b := NewBroker(nil)
	ch, _ := b.Subscribe(1)
	b.Close()

	b.Publish(Event{Type: EventCallStarted})
	if _, open := <-ch; open {
		t.Error("subscriber channel open after Close")
	}
}
