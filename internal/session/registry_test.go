package session

import (
	"testing"
	"time"
)

func TestAdmitAndGet(t *testing.T) {
	r := NewRegistry(10, time.Minute)
	s, err := r.Admit()
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if s.ID == "" {
		t.Fatalf("session has no ID")
	}
	if s.State != StateIdle {
		t.Fatalf("new session state = %q, want idle", s.State)
	}

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != s.ID {
		t.Fatalf("Get returned wrong session")
	}
}

func TestAdmitCapacity(t *testing.T) {
	r := NewRegistry(2, time.Minute)
	if _, err := r.Admit(); err != nil {
		t.Fatalf("Admit 1: %v", err)
	}
	s2, err := r.Admit()
	if err != nil {
		t.Fatalf("Admit 2: %v", err)
	}
	if _, err := r.Admit(); err != ErrCapacityExceeded {
		t.Fatalf("Admit over capacity: err = %v, want ErrCapacityExceeded", err)
	}

	// A slot frees on removal.
	r.Remove(s2.ID)
	if _, err := r.Admit(); err != nil {
		t.Fatalf("Admit after Remove: %v", err)
	}
}

func TestStateAndCounters(t *testing.T) {
	r := NewRegistry(10, time.Minute)
	s, _ := r.Admit()

	if err := r.SetState(s.ID, StateListening); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := r.RecordUtterance(s.ID); err != nil {
		t.Fatalf("RecordUtterance: %v", err)
	}
	if err := r.RecordBargeIn(s.ID); err != nil {
		t.Fatalf("RecordBargeIn: %v", err)
	}

	got, _ := r.Get(s.ID)
	if got.State != StateListening || got.Utterances != 1 || got.BargeIns != 1 {
		t.Fatalf("session = %+v", got)
	}

	if err := r.SetState("missing", StateIdle); err != ErrNotFound {
		t.Fatalf("SetState missing: err = %v, want ErrNotFound", err)
	}
}

func TestExpireIdle(t *testing.T) {
	r := NewRegistry(10, 10*time.Millisecond)
	s, _ := r.Admit()

	var expired []string
	r.SetExpireHook(func(s *Session) { expired = append(expired, s.ID) })

	time.Sleep(20 * time.Millisecond)
	r.expireIdle()

	if len(expired) != 1 || expired[0] != s.ID {
		t.Fatalf("expired = %v, want [%s]", expired, s.ID)
	}
	if _, err := r.Get(s.ID); err != ErrNotFound {
		t.Fatalf("expired session still present")
	}
	if r.Count() != 0 {
		t.Fatalf("Count = %d after eviction", r.Count())
	}
}

func TestTouchDefersEviction(t *testing.T) {
	r := NewRegistry(10, 50*time.Millisecond)
	s, _ := r.Admit()

	time.Sleep(30 * time.Millisecond)
	if err := r.Touch(s.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	r.expireIdle()

	if _, err := r.Get(s.ID); err != nil {
		t.Fatalf("touched session was evicted: %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry(10, time.Minute)
	r.Admit()
	r.Admit()
	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot len = %d, want 2", len(snap))
	}
	// Mutating the snapshot must not touch registry state.
	snap[0].State = StateSpeaking
	got, _ := r.Get(snap[0].ID)
	if got.State != StateIdle {
		t.Fatalf("snapshot mutation leaked into registry")
	}
}
