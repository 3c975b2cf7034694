package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stlalpha/ftnd/internal/message"
)

func TestMailStoreDeliverCreatesMaildirLayout(t *testing.T) {
	root := t.TempDir()
	store := NewMailStore(filepath.Join(root, "%NETWORK%", "%USER%"))

	msg := &message.Message{
		ToUser:    "Sysop",
		FromUser:  "Jane Doe",
		Subject:   "hello",
		Body:      "test message body",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		MsgID:     "1:1/100 12345678",
	}

	dirPath, err := store.Deliver(msg, "fidonet")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	wantDir := filepath.Join(root, "fidonet", "sysop")
	if dirPath != wantDir {
		t.Errorf("delivered dir = %q, want %q", dirPath, wantDir)
	}

	for _, sub := range []string{"tmp", "new", "cur"} {
		if info, err := os.Stat(filepath.Join(dirPath, sub)); err != nil || !info.IsDir() {
			t.Errorf("expected %s/%s to exist as a directory", dirPath, sub)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dirPath, "new"))
	if err != nil {
		t.Fatalf("read new/: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("new/ has %d entries, want 1", len(entries))
	}

	body, err := os.ReadFile(filepath.Join(dirPath, "new", entries[0].Name()))
	if err != nil {
		t.Fatalf("read delivered message: %v", err)
	}
	if !strings.Contains(string(body), "test message body") {
		t.Error("delivered message missing body text")
	}
	if !strings.Contains(string(body), "Subject: hello") {
		t.Error("delivered message missing Subject header")
	}
}

func TestMailStoreDeliverRejectsUnsafeUser(t *testing.T) {
	store := NewMailStore(filepath.Join(t.TempDir(), "%NETWORK%", "%USER%"))
	msg := &message.Message{ToUser: "../../etc/passwd"}
	if _, err := store.Deliver(msg, "fidonet"); err == nil {
		t.Error("expected error delivering message with unsafe user")
	}
}
