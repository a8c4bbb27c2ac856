package echo

import (
	"testing"
	"time"
)

func TestHistory_MostRecentFirst(t *testing.T) {
	h := NewHistory(3, 12*time.Second)

	h.Add("first")
	h.Add("second")
	h.Add("third")

	recent := h.Recent()
	if len(recent) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(recent))
	}
	if recent[0] != "third" || recent[1] != "second" || recent[2] != "first" {
		t.Errorf("Expected most-recent-first ordering, got %v", recent)
	}
	if h.Last() != "third" {
		t.Errorf("Expected last %q, got %q", "third", h.Last())
	}
}

func TestHistory_BoundedSize(t *testing.T) {
	h := NewHistory(3, 12*time.Second)

	h.Add("one")
	h.Add("two")
	h.Add("three")
	h.Add("four")

	recent := h.Recent()
	if len(recent) != 3 {
		t.Fatalf("Expected history bounded to 3, got %d", len(recent))
	}
	if recent[2] == "one" {
		t.Error("Expected oldest entry to be evicted")
	}
}

func TestHistory_ExpiresAfterGrace(t *testing.T) {
	current := time.Now()
	h := NewHistory(3, 12*time.Second)
	h.now = func() time.Time { return current }

	h.Add("answer")
	if len(h.Recent()) != 1 {
		t.Fatal("Expected entry before expiry")
	}

	current = current.Add(12*time.Second + time.Millisecond)
	if len(h.Recent()) != 0 {
		t.Error("Expected history to expire after grace period")
	}
	if h.Last() != "" {
		t.Errorf("Expected empty last after expiry, got %q", h.Last())
	}
}

func TestHistory_ExtendGraceRestartsCountdown(t *testing.T) {
	current := time.Now()
	h := NewHistory(3, 12*time.Second)
	h.now = func() time.Time { return current }

	h.Add("answer")

	// Just before expiry the countdown restarts, as at end of playback
	current = current.Add(11 * time.Second)
	h.ExtendGrace()

	current = current.Add(11 * time.Second)
	if len(h.Recent()) != 1 {
		t.Error("Expected entry to survive after grace extension")
	}

	current = current.Add(2 * time.Second)
	if len(h.Recent()) != 0 {
		t.Error("Expected entry to expire after extended grace elapsed")
	}
}

func TestHistory_IgnoresEmpty(t *testing.T) {
	h := NewHistory(3, 12*time.Second)
	h.Add("")
	if len(h.Recent()) != 0 {
		t.Error("Expected empty answer to be ignored")
	}
}

func TestHistory_Clear(t *testing.T) {
	h := NewHistory(3, 12*time.Second)
	h.Add("answer")
	h.Clear()
	if len(h.Recent()) != 0 {
		t.Error("Expected empty history after Clear")
	}
}
