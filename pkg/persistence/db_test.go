package persistence

import (
	"path/filepath"
	"testing"
)

func TestSingletonLifecycle(t *testing.T) {
	if err := Reset(); err != nil {
		t.Fatalf("Failed to reset singleton: %v", err)
	}
	t.Cleanup(func() { _ = Reset() })

	if IsInitialized() {
		t.Fatal("Expected uninitialized singleton after reset")
	}

	dbPath := filepath.Join(t.TempDir(), "singleton.db")
	if err := Initialize(dbPath, "sess-1"); err != nil {
		t.Fatalf("Failed to initialize singleton: %v", err)
	}

	if !IsInitialized() {
		t.Error("Expected initialized singleton")
	}
	if GetSessionID() != "sess-1" {
		t.Errorf("Expected session 'sess-1', got %q", GetSessionID())
	}

	// Second Initialize is a no-op.
	if err := Initialize(filepath.Join(t.TempDir(), "other.db"), "sess-2"); err != nil {
		t.Fatalf("Expected no-op re-initialize, got %v", err)
	}
	if GetSessionID() != "sess-1" {
		t.Errorf("Expected session unchanged after no-op init, got %q", GetSessionID())
	}

	SetSessionID("sess-3")
	if GetSessionID() != "sess-3" {
		t.Errorf("Expected session 'sess-3', got %q", GetSessionID())
	}

	ops := Ops()
	if ops == nil {
		t.Fatal("Expected non-nil operations")
	}
	if ops.sessionID != "sess-3" {
		t.Errorf("Expected ops stamped with current session, got %q", ops.sessionID)
	}

	if err := Close(); err != nil {
		t.Fatalf("Failed to close singleton: %v", err)
	}
	if IsInitialized() {
		t.Error("Expected uninitialized singleton after close")
	}
}
