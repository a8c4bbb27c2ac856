package transcript

import (
	"testing"
)

func TestLog_InterimUpdatedInPlace(t *testing.T) {
	log := NewLog()

	first := log.UpdateUser("how do", false)
	second := log.UpdateUser("how do I reset", false)

	if log.Len() != 1 {
		t.Fatalf("Expected 1 entry while interim, got %d", log.Len())
	}
	if first.ID != second.ID {
		t.Error("Expected interim revision to keep the same entry ID")
	}
	if second.Text != "how do I reset" {
		t.Errorf("Expected updated text, got %q", second.Text)
	}
	if second.Final {
		t.Error("Expected entry to remain interim")
	}
}

func TestLog_FinalFreezesEntry(t *testing.T) {
	log := NewLog()

	log.UpdateUser("how do I reset", false)
	final := log.UpdateUser("how do I reset my password", true)
	if !final.Final {
		t.Error("Expected entry to be final")
	}

	// A new utterance after a final entry appends
	next := log.UpdateUser("thanks", false)
	if log.Len() != 2 {
		t.Fatalf("Expected 2 entries, got %d", log.Len())
	}
	if next.ID == final.ID {
		t.Error("Expected a fresh entry after a final one")
	}
}

func TestLog_AppendAssistant(t *testing.T) {
	log := NewLog()

	log.UpdateUser("question", true)
	entry := log.AppendAssistant("answer")

	if entry.Role != RoleAssistant {
		t.Errorf("Expected assistant role, got %q", entry.Role)
	}
	if !entry.Final {
		t.Error("Expected assistant entry to be final")
	}

	entries := log.Entries()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Role != RoleUser || entries[1].Role != RoleAssistant {
		t.Error("Expected user then assistant ordering")
	}
}

func TestLog_DropInterim(t *testing.T) {
	log := NewLog()

	log.UpdateUser("kept", true)
	log.UpdateUser("echo fragment", false)
	log.DropInterim()

	if log.Len() != 1 {
		t.Fatalf("Expected 1 entry after drop, got %d", log.Len())
	}
	if log.Entries()[0].Text != "kept" {
		t.Errorf("Expected final entry to survive, got %q", log.Entries()[0].Text)
	}

	// Dropping with no interim entry is a no-op
	log.DropInterim()
	if log.Len() != 1 {
		t.Errorf("Expected drop on final entry to be a no-op, got %d entries", log.Len())
	}
}

func TestLog_EntriesReturnsCopy(t *testing.T) {
	log := NewLog()
	log.UpdateUser("original", true)

	entries := log.Entries()
	entries[0].Text = "mutated"

	if log.Entries()[0].Text != "original" {
		t.Error("Expected Entries to return a copy")
	}
}
