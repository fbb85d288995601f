package conversation

import (
	"reflect"
	"sync"
	"testing"

	"github.com/toolshed/toolshed/pkg/models"
)

func in(text, from string) models.Message {
	return models.Message{Text: text, SenderID: from, Direction: models.Incoming}
}

func out(text, from string) models.Message {
	return models.Message{Text: text, SenderID: from, Direction: models.Outgoing}
}

func TestGetAbsentIsEmpty(t *testing.T) {
	s := NewStore()
	got := s.Get("nobody")
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestCounterpartyIsolation(t *testing.T) {
	s := NewStore()
	s.AppendIncoming("a", "hi", "a")
	s.AppendOutgoing("b", "yo", "me")
	s.ReplaceConversation("c", []models.Message{in("old", "c")})
	s.AppendIncoming("a", "again", "a")
	s.ReplaceConversation("b", []models.Message{in("fresh", "b")})

	if got := s.Get("a"); !reflect.DeepEqual(got, []models.Message{in("hi", "a"), in("again", "a")}) {
		t.Fatalf("a log disturbed: %#v", got)
	}
	if got := s.Get("b"); !reflect.DeepEqual(got, []models.Message{in("fresh", "b")}) {
		t.Fatalf("b log wrong: %#v", got)
	}
	if got := s.Get("c"); !reflect.DeepEqual(got, []models.Message{in("old", "c")}) {
		t.Fatalf("c log disturbed: %#v", got)
	}
}

func TestReplaceIsExact(t *testing.T) {
	s := NewStore()
	s.AppendIncoming("u2", "live", "u2")
	want := []models.Message{in("one", "u2"), out("two", "u1")}
	s.ReplaceConversation("u2", want)
	if got := s.Get("u2"); !reflect.DeepEqual(got, want) {
		t.Fatalf("replace should not merge: %#v", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.AppendIncoming("u2", "hi", "u2")
	got := s.Get("u2")
	got[0].Text = "mutated"
	if s.Get("u2")[0].Text != "hi" {
		t.Fatalf("caller mutation leaked into store")
	}
}

func TestReconcileKeepsLateLiveAppends(t *testing.T) {
	s := NewStore()
	mark := s.Revision()
	s.AppendIncoming("u2", "live", "u2")

	fetched := []models.Message{in("hi", "u2"), out("ok", "u1")}
	got := s.Reconcile("u2", fetched, mark)

	want := []models.Message{in("hi", "u2"), out("ok", "u1"), in("live", "u2")}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("reconcile = %#v", got)
	}
	if !reflect.DeepEqual(s.Get("u2"), want) {
		t.Fatalf("store not updated: %#v", s.Get("u2"))
	}
}

func TestReconcileDropsPersistedOverlap(t *testing.T) {
	s := NewStore()
	s.AppendIncoming("u2", "before", "u2")
	mark := s.Revision()
	s.AppendOutgoing("u2", "ok", "u1")
	s.AppendIncoming("u2", "new", "u2")

	// The server already persisted "ok" but not "new".
	fetched := []models.Message{in("before", "u2"), out("ok", "u1")}
	got := s.Reconcile("u2", fetched, mark)

	want := []models.Message{in("before", "u2"), out("ok", "u1"), in("new", "u2")}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("reconcile = %#v", got)
	}
}

func TestReconcileKeepsRepeatedText(t *testing.T) {
	s := NewStore()
	s.ReplaceConversation("u2", []models.Message{out("ok", "u1")})
	mark := s.Revision()
	s.AppendOutgoing("u2", "ok", "u1")

	// Only the first "ok" is persisted so far.
	got := s.Reconcile("u2", []models.Message{out("ok", "u1")}, mark)

	want := []models.Message{out("ok", "u1"), out("ok", "u1")}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("second ok lost: %#v", got)
	}
}

func TestReconcileDoesNotRepeatPersistedLive(t *testing.T) {
	s := NewStore()
	mark := s.Revision()
	s.AppendIncoming("u2", "hi", "u2")

	// The server stored "hi" and another line after it.
	fetched := []models.Message{in("hi", "u2"), in("there", "u2")}
	got := s.Reconcile("u2", fetched, mark)

	if !reflect.DeepEqual(got, fetched) {
		t.Fatalf("reconcile = %#v", got)
	}
}

func TestReconcileCountsEachConfirmationOnce(t *testing.T) {
	s := NewStore()
	s.ReplaceConversation("u2", []models.Message{out("ok", "u1")})
	mark := s.Revision()
	s.AppendOutgoing("u2", "ok", "u1")
	s.AppendOutgoing("u2", "ok", "u1")

	// One of the two new lines reached the server.
	fetched := []models.Message{out("ok", "u1"), in("sure", "u2"), out("ok", "u1")}
	got := s.Reconcile("u2", fetched, mark)

	want := append(append([]models.Message{}, fetched...), out("ok", "u1"))
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("reconcile = %#v", got)
	}
}

func TestReconcileWithoutLiveIsReplace(t *testing.T) {
	s := NewStore()
	s.AppendIncoming("u2", "stale", "u2")
	mark := s.Revision()
	fetched := []models.Message{in("hi", "u2")}
	if got := s.Reconcile("u2", fetched, mark); !reflect.DeepEqual(got, fetched) {
		t.Fatalf("expected plain replace, got %#v", got)
	}
}

func TestResetAndCounterparties(t *testing.T) {
	s := NewStore()
	var changed []string
	var mu sync.Mutex
	s.Subscribe(func(id string) {
		mu.Lock()
		changed = append(changed, id)
		mu.Unlock()
	})
	s.AppendIncoming("b", "x", "b")
	s.AppendIncoming("a", "y", "a")
	if got := s.Counterparties(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("counterparties = %v", got)
	}
	s.Reset()
	if len(s.Counterparties()) != 0 {
		t.Fatalf("reset should clear everything")
	}
	if len(changed) != 4 {
		t.Fatalf("expected 4 change notifications, got %v", changed)
	}
}

func TestConcurrentAppends(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); s.AppendIncoming("u2", "x", "u2") }()
		go func() { defer wg.Done(); _ = s.Get("u2") }()
	}
	wg.Wait()
	if n := len(s.Get("u2")); n != 50 {
		t.Fatalf("expected 50 messages, got %d", n)
	}
}
