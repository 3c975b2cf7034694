package dupe

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stlalpha/ftnd/internal/message"
)

func TestAddAndIsDuplicate(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "dupe.db"))
	if err != nil {
		t.Fatal(err)
	}

	msg := &message.Message{MsgID: "1:1/100 1a2b3c4d"}

	if db.IsDuplicate(msg) {
		t.Fatal("fresh MSGID reported as duplicate")
	}
	if !db.Add(msg) {
		t.Fatal("Add of fresh MSGID returned false")
	}
	if !db.IsDuplicate(msg) {
		t.Fatal("MSGID not recognized as duplicate after Add")
	}
	if db.Add(msg) {
		t.Fatal("second Add of same MSGID returned true")
	}
}

func TestAddIgnoresEmptyMsgID(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "dupe.db"))
	if err != nil {
		t.Fatal(err)
	}
	msg := &message.Message{}
	if db.Add(msg) {
		t.Fatal("Add of empty MSGID returned true")
	}
	if db.IsDuplicate(msg) {
		t.Fatal("empty MSGID reported as duplicate")
	}
	if db.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", db.Count())
	}
}

func TestDuplicateDetectionIsNormalized(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "dupe.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.Add(&message.Message{MsgID: "1:1/100@FidoNet 1a2b3c4d"})
	if !db.IsDuplicate(&message.Message{MsgID: "1:1/100@fidonet 1a2b3c4d"}) {
		t.Fatal("expected domain-case variant to be recognized as duplicate")
	}
}

func TestSaveAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dupe.db")

	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	db.AddAt(&message.Message{MsgID: "1:1/100 1a2b3c4d"}, now)
	db.AddAt(&message.Message{MsgID: "1:1/101 deadbeef"}, now)
	if err := db.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Count() != 2 {
		t.Fatalf("reopened Count() = %d, want 2", reopened.Count())
	}
	if !reopened.IsDuplicate(&message.Message{MsgID: "1:1/100 1a2b3c4d"}) {
		t.Fatal("reopened db lost entry")
	}
}

func TestCleanupRemovesOldEntries(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "dupe.db"))
	if err != nil {
		t.Fatal(err)
	}
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db.AddAt(&message.Message{MsgID: "1:1/100 1a2b3c4d"}, old)
	db.AddAt(&message.Message{MsgID: "1:1/101 deadbeef"}, recent)

	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	removed := db.Cleanup(cutoff)
	if removed != 1 {
		t.Fatalf("Cleanup removed %d entries, want 1", removed)
	}
	if db.Count() != 1 {
		t.Fatalf("Count() after cleanup = %d, want 1", db.Count())
	}
	if db.IsDuplicate(&message.Message{MsgID: "1:1/100 1a2b3c4d"}) {
		t.Fatal("old entry survived Cleanup")
	}
	if !db.IsDuplicate(&message.Message{MsgID: "1:1/101 deadbeef"}) {
		t.Fatal("recent entry was wrongly removed by Cleanup")
	}
}

func TestSaveIfDirtySkipsCleanWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dupe.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveIfDirty(); err != nil {
		t.Fatalf("SaveIfDirty on empty db: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("SaveIfDirty on a clean db wrote %s (stat err = %v)", path, err)
	}
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "does-not-exist.db"))
	if err != nil {
		t.Fatal(err)
	}
	if db.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", db.Count())
	}
}
