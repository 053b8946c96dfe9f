package events

import (
	"testing"
	"time"
)

func TestSubscribePublishDelivers(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe("sess-1", 4)
	defer cancel()

	ev := NewMessageEvent("sess-1", "cmsg_a", "agt_a", "alice", "hi", false, false, 0)
	bus.Publish(ev)

	select {
	case got := <-ch:
		if got.EventType() != TypeMessage {
			t.Fatalf("expected %q, got %q", TypeMessage, got.EventType())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func TestPublishOnlyReachesMatchingSession(t *testing.T) {
	bus := NewEventBus()
	chA, cancelA := bus.Subscribe("sess-a", 4)
	defer cancelA()
	chB, cancelB := bus.Subscribe("sess-b", 4)
	defer cancelB()

	bus.Publish(NewMessageEvent("sess-a", "cmsg_a", "agt_a", "alice", "hi", false, false, 0))

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("expected event on sess-a subscriber")
	}

	select {
	case <-chB:
		t.Fatal("sess-b subscriber should not have received sess-a's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsOnFullChannelWithoutBlocking(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe("sess-1", 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(NewMessageEvent("sess-1", "cmsg_a", "agt_a", "alice", "hi", false, false, 0))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}

	<-ch // drain the one event that made it through
}

func TestCancelUnsubscribesAndClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe("sess-1", 4)

	if got := bus.SubscriberCount("sess-1"); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}

	cancel()

	if got := bus.SubscriberCount("sess-1"); got != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", got)
	}

	if _, open := <-ch; open {
		t.Fatal("expected channel to be closed after cancel")
	}

	// cancel is idempotent
	cancel()
}

func TestPublishNilEventIsNoop(t *testing.T) {
	bus := NewEventBus()
	_, cancel := bus.Subscribe("sess-1", 4)
	defer cancel()

	bus.Publish(nil)
}
