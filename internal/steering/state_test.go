package steering

import (
	"testing"
	"time"
)

func TestBackoffBlocksSecondActionWithinWindow(t *testing.T) {
	s := New()
	backoff := 300 * time.Second
	t0 := time.Unix(1000, 0)

	if ok := s.RegisterIfBackoffExpired("ap1", "mac1", t0, backoff, false); !ok {
		t.Fatal("expected first action to be registered")
	}

	t1 := t0.Add(1 * time.Second)
	if ok := s.RegisterIfBackoffExpired("ap1", "mac1", t1, backoff, false); ok {
		t.Fatal("expected second action within backoff window to be rejected")
	}

	t2 := t0.Add(301 * time.Second)
	if ok := s.RegisterIfBackoffExpired("ap1", "mac1", t2, backoff, false); !ok {
		t.Fatal("expected action after backoff window to be accepted")
	}
}

func TestDryRunNeverMutates(t *testing.T) {
	s := New()
	backoff := 300 * time.Second
	t0 := time.Unix(1000, 0)

	if ok := s.RegisterIfBackoffExpired("ap1", "mac1", t0, backoff, true); !ok {
		t.Fatal("expected dry-run query on empty state to report true")
	}
	if _, ok := s.LastAction("ap1", "mac1"); ok {
		t.Fatal("dry-run must not have recorded a last-action timestamp")
	}

	// Now record a real action, then confirm a dry-run query inside the
	// back-off window correctly reports false without changing the record.
	s.RegisterIfBackoffExpired("ap1", "mac1", t0, backoff, false)
	before, _ := s.LastAction("ap1", "mac1")

	t1 := t0.Add(1 * time.Second)
	if ok := s.RegisterIfBackoffExpired("ap1", "mac1", t1, backoff, true); ok {
		t.Fatal("expected dry-run query within backoff window to report false")
	}
	after, _ := s.LastAction("ap1", "mac1")
	if !before.Equal(after) {
		t.Fatalf("dry-run mutated last action: before=%v after=%v", before, after)
	}
}

func TestIndependentKeysDoNotInteract(t *testing.T) {
	s := New()
	backoff := 10 * time.Second
	now := time.Unix(1, 0)

	s.RegisterIfBackoffExpired("ap1", "mac1", now, backoff, false)
	if ok := s.RegisterIfBackoffExpired("ap1", "mac2", now, backoff, false); !ok {
		t.Fatal("expected a different client on the same AP to be unaffected")
	}
	if ok := s.RegisterIfBackoffExpired("ap2", "mac1", now, backoff, false); !ok {
		t.Fatal("expected the same client on a different AP to be unaffected")
	}
}
