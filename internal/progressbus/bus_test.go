package progressbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe_Delivery(t *testing.T) {
	bus := New(8)
	sub := bus.Subscribe()

	bus.Publish(Event{Kind: JobStarted, FilePath: "/a.txt"})

	ev, ok := sub.Next()
	if !ok {
		t.Fatal("expected an event, got closed subscription")
	}
	if ev.Kind != JobStarted || ev.FilePath != "/a.txt" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestPublish_PreservesPerSubscriberOrder(t *testing.T) {
	bus := New(8)
	sub := bus.Subscribe()

	bus.Publish(Event{Kind: JobStarted, JobID: 1})
	bus.Publish(Event{Kind: JobCompleted, JobID: 1})

	first, _ := sub.Next()
	second, _ := sub.Next()
	if first.Kind != JobStarted || second.Kind != JobCompleted {
		t.Errorf("expected per-subscriber order preserved, got %v then %v", first.Kind, second.Kind)
	}
}

func TestPublish_SlowSubscriberDropsOldest(t *testing.T) {
	bus := New(2)
	sub := bus.Subscribe()

	bus.Publish(Event{Kind: JobStarted, JobID: 1})
	bus.Publish(Event{Kind: JobStarted, JobID: 2})
	bus.Publish(Event{Kind: JobStarted, JobID: 3}) // should drop JobID: 1

	first, _ := sub.Next()
	second, _ := sub.Next()
	if first.JobID != 2 || second.JobID != 3 {
		t.Errorf("expected the oldest event to be dropped, got JobIDs %d then %d", first.JobID, second.JobID)
	}
}

func TestPublish_NeverBlocksOnUndrainedSubscriber(t *testing.T) {
	bus := New(1)
	bus.Subscribe() // never drains

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Kind: JobStarted, JobID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a subscriber that never drains")
	}
}

func TestUnsubscribe_WakesBlockedNext(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe()

	done := make(chan bool, 1)
	go func() {
		_, ok := sub.Next()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Unsubscribe()

	select {
	case ok := <-done:
		if ok {
			t.Errorf("expected Next to return ok=false after Unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("Next never returned after Unsubscribe")
	}
}

func TestMultipleSubscribersEachGetEvents(t *testing.T) {
	bus := New(4)
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(Event{Kind: BatchStarted})

	if _, ok := a.Next(); !ok {
		t.Error("subscriber a did not receive the event")
	}
	if _, ok := b.Next(); !ok {
		t.Error("subscriber b did not receive the event")
	}
}
