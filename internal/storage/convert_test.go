package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stlalpha/ftnd/internal/message"
)

func TestRFC822IncludesEnvelopeAndBody(t *testing.T) {
	msg := &message.Message{
		FromUser:  "Jane Doe",
		ToUser:    "Sysop",
		Subject:   "hello",
		Body:      "line one\nline two",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		MsgID:     "1:1/100 12345678",
	}
	body, err := RFC822(msg)
	if err != nil {
		t.Fatalf("RFC822: %v", err)
	}
	text := string(body)
	for _, want := range []string{"From: Jane Doe", "To: Sysop", "Subject: hello", "line one\nline two"} {
		if !strings.Contains(text, want) {
			t.Errorf("RFC822 output missing %q:\n%s", want, text)
		}
	}
	if !strings.Contains(text, "Message-Id: <1:1/100.12345678>") {
		t.Errorf("RFC822 output missing folded Message-Id:\n%s", text)
	}
}

func TestRFC1036IncludesNewsgroupsHeader(t *testing.T) {
	msg := &message.Message{
		FromUser:  "Jane Doe",
		Subject:   "hello",
		Body:      "article body",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Path:      []string{"node1", "node2"},
	}
	body, err := RFC1036(msg, "fidonet.general")
	if err != nil {
		t.Fatalf("RFC1036: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "Newsgroups: fidonet.general") {
		t.Errorf("RFC1036 output missing Newsgroups header:\n%s", text)
	}
	if !strings.Contains(text, "Path: node1!node2") {
		t.Errorf("RFC1036 output missing Path header:\n%s", text)
	}
}

func TestDefaultNewsgroupMapperLowercases(t *testing.T) {
	if got := DefaultNewsgroupMapper("FIDONET.GENERAL"); got != "fidonet.general" {
		t.Errorf("DefaultNewsgroupMapper = %q, want fidonet.general", got)
	}
}
