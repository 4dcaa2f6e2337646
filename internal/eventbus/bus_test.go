package eventbus

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeAll(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.Subscribe()
	b.PublishType(MentorReady, nil)
	b.PublishType(AuthRefreshed, map[string]any{"tenant": "main"})

	if e := recv(t, ch); e.Type != MentorReady {
		t.Fatalf("first event = %q", e.Type)
	}
	e := recv(t, ch)
	if e.Type != AuthRefreshed {
		t.Fatalf("second event = %q", e.Type)
	}
	if len(e.Data) == 0 {
		t.Fatal("data not marshaled")
	}
	if e.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestSubscribeFiltered(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.Subscribe(PopupOpened, PopupClosed)
	b.PublishType(MentorReady, nil)
	b.PublishType(PopupOpened, nil)

	if e := recv(t, ch); e.Type != PopupOpened {
		t.Fatalf("event = %q, filter leaked", e.Type)
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.Subscribe()
	for i := 0; i < 200; i++ {
		b.PublishType(ContextPushed, nil)
	}
	// Publish must not have blocked; the buffer holds at most 64.
	if n := len(ch); n > 64 {
		t.Fatalf("buffered %d events", n)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	// Publishing after unsubscribe must not panic.
	b.PublishType(MentorReady, nil)
}
