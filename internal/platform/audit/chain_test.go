package audit

import (
	"testing"
	"time"
)

func event(id, action string) Event {
	return Event{
		AuditID:    id,
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		RecordedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ActorID:    "acct-1",
		ActorRole:  "user",
		ObjectType: "account",
		ObjectID:   "acct-1",
		Action:     action,
		Before:     []byte(`{"balance":0}`),
		After:      []byte(`{"balance":90000}`),
		Result:     ResultSuccess,
	}
}

func TestChainLinksEvents(t *testing.T) {
	s := NewInMemoryStore()

	first, err := s.Append(event("a-1", "deposit"))
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.HashPrev != "GENESIS" {
		t.Fatalf("first event prev hash = %q, want GENESIS", first.HashPrev)
	}

	second, err := s.Append(event("a-2", "withdraw"))
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.HashPrev != first.HashCurr {
		t.Fatalf("second event prev hash = %q, want %q", second.HashPrev, first.HashCurr)
	}
	if err := s.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestChainDetectsTampering(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Append(event("a-1", "deposit")); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.events[0].After = []byte(`{"balance":999999}`)

	if _, err := s.Append(event("a-2", "withdraw")); err != ErrCorruptChain {
		t.Fatalf("append after tamper err = %v, want ErrCorruptChain", err)
	}
	if err := s.Verify(); err != ErrCorruptChain {
		t.Fatalf("verify after tamper err = %v, want ErrCorruptChain", err)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a := ComputeHash("GENESIS", event("a-1", "deposit"))
	b := ComputeHash("GENESIS", event("a-1", "withdraw"))
	if a == b {
		t.Fatal("hash should differ when the action differs")
	}
}
