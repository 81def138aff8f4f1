package eventbus

import (
	"testing"
	"time"
)

func mkEvent(i int) Event {
	return Event{TS: time.Now(), Type: TypeLogRalph, Level: LevelInfo, TaskID: itoaTest(i)}
}

func itoaTest(i int) string {
	digits := []byte{}
	if i == 0 {
		return "0"
	}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func TestPublishReplayBoundary(t *testing.T) {
	bus := New(4)
	for i := 0; i < 10; i++ {
		bus.Publish(mkEvent(i))
	}
	got := bus.GetRecent(100)
	if len(got) != 4 {
		t.Fatalf("want 4 (ring size), got %d", len(got))
	}
	// Should be the last 4 published: 6,7,8,9
	want := []string{"6", "7", "8", "9"}
	for i, e := range got {
		if e.TaskID != want[i] {
			t.Fatalf("at %d: want %s got %s", i, want[i], e.TaskID)
		}
	}
}

func TestSubscribeReplaysBeforeLive(t *testing.T) {
	bus := New(10)
	for i := 0; i < 3; i++ {
		bus.Publish(mkEvent(i))
	}

	var received []string
	unsub := bus.Subscribe(func(e Event) {
		received = append(received, e.TaskID)
	}, 2)
	defer unsub()

	bus.Publish(mkEvent(3))

	want := []string{"1", "2", "3"}
	if len(received) != len(want) {
		t.Fatalf("want %d events got %d: %v", len(want), len(received), received)
	}
	for i, v := range want {
		if received[i] != v {
			t.Fatalf("at %d want %s got %s", i, v, received[i])
		}
	}
}

func TestSubscribeIndependentReplay(t *testing.T) {
	bus := New(10)
	bus.Publish(mkEvent(1))

	var a, b []string
	unsubA := bus.Subscribe(func(e Event) { a = append(a, e.TaskID) }, 1)
	defer unsubA()

	bus.Publish(mkEvent(2))

	unsubB := bus.Subscribe(func(e Event) { b = append(b, e.TaskID) }, 1)
	defer unsubB()

	if len(a) != 2 || a[0] != "1" || a[1] != "2" {
		t.Fatalf("subscriber a got %v", a)
	}
	if len(b) != 1 || b[0] != "2" {
		t.Fatalf("subscriber b got %v", b)
	}
}

func TestBadSubscriberDoesNotKillBus(t *testing.T) {
	bus := New(10)
	bus.Subscribe(func(e Event) { panic("boom") }, 0)

	var ok bool
	bus.Subscribe(func(e Event) { ok = true }, 0)

	bus.Publish(mkEvent(1))
	if !ok {
		t.Fatalf("second subscriber should still receive events after first panics")
	}
}
