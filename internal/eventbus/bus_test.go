package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(2)
	defer unsub()

	b.Publish(Event{Type: TypeDecision, Data: map[string]any{"chat_id": int64(1)}})
	select {
	case e := <-ch:
		if e.Type != TypeDecision {
			t.Fatalf("type = %q, want %q", e.Type, TypeDecision)
		}
		if e.Time.IsZero() {
			t.Fatal("publish did not stamp the time")
		}
	default:
		t.Fatal("event not delivered")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeAdmission})
	b.Publish(Event{Type: TypeActionSent}) // buffer full: dropped, never blocks

	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	b.Publish(Event{Type: TypeActionFailed}) // closed subscriber must not panic
}
