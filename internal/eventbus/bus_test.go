package eventbus

import "testing"

func TestSubscribeFiltersTypes(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	done, unsubDone := b.Subscribe(4, JobFinished, JobFailed)
	defer unsubDone()

	b.Publish(Event{Type: JobProgress})
	b.Publish(Event{Type: JobFinished, Data: "x"})

	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber got %d events", len(all))
	}
	if len(done) != 1 {
		t.Fatalf("filtered subscriber got %d events", len(done))
	}
	e := <-done
	if e.Type != JobFinished || e.Data != "x" || e.Time.IsZero() {
		t.Fatalf("event=%+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: JobProgress})
	b.Publish(Event{Type: JobProgress})
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	b.Publish(Event{Type: JobProgress})
}
