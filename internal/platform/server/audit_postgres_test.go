package server

import (
	"bytes"
	"testing"

	"github.com/cryptowin/cryptowin-go/internal/platform/audit"
)

func TestNormalizeAuditJSON(t *testing.T) {
	if got := normalizeAuditJSON(nil); !bytes.Equal(got, []byte(`{}`)) {
		t.Fatalf("nil = %s, want {}", got)
	}
	if got := normalizeAuditJSON([]byte(`not json`)); !bytes.Equal(got, []byte(`{}`)) {
		t.Fatalf("garbage = %s, want {}", got)
	}
	valid := []byte(`{"balance":90000}`)
	if got := normalizeAuditJSON(valid); !bytes.Equal(got, valid) {
		t.Fatalf("valid = %s, want passthrough", got)
	}
}

func TestAppendAuditReturnsChainedEvent(t *testing.T) {
	s := newTestLedger()

	mustDeposit(t, s, "acct-1", 100000, "dep-1")
	ev, err := s.appendAudit(testMeta("acct-1", RoleUser, ""), "account", "acct-1", "deposit", []byte(`{}`), []byte(`{}`), audit.ResultSuccess, "")
	if err != nil {
		t.Fatalf("append audit: %v", err)
	}
	// The returned event carries the chain hashes, so the row mirrored into
	// the durable store is the same link the in-memory chain holds.
	if ev.HashPrev == "" || ev.HashCurr == "" {
		t.Fatalf("hashes missing: %+v", ev)
	}
	events := s.AuditEvents()
	last := events[len(events)-1]
	if last.HashCurr != ev.HashCurr || last.HashPrev != ev.HashPrev {
		t.Fatalf("returned event not the chain tail: %q vs %q", ev.HashCurr, last.HashCurr)
	}
	if ev.HashPrev != events[len(events)-2].HashCurr {
		t.Fatalf("chain link broken: prev %q", ev.HashPrev)
	}
}
