package config

import (
	"strings"
	"testing"
)

func TestParseINIBasic(t *testing.T) {
	src := `
# comment
[node]
address = 1:1/100
system_name = Test Node

[fidonet]
address = 1:1/100
hub = 1:1/1
`
	doc, err := parseINI(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parseINI: %v", err)
	}
	node := doc.section("NODE")
	if v, ok := node.get("Address"); !ok || v != "1:1/100" {
		t.Errorf("node.address = %q, %v, want 1:1/100, true", v, ok)
	}
	fido := doc.section("fidonet")
	if v, ok := fido.get("hub"); !ok || v != "1:1/1" {
		t.Errorf("fidonet.hub = %q, %v, want 1:1/1, true", v, ok)
	}
}

func TestParseINIMalformedSection(t *testing.T) {
	if _, err := parseINI(strings.NewReader("[node\naddress=1:1/100")); err == nil {
		t.Error("expected error for malformed section header")
	}
}

func TestParseINIMalformedLine(t *testing.T) {
	if _, err := parseINI(strings.NewReader("[node]\njust some text with no separator")); err == nil {
		t.Error("expected error for line with no key/value separator")
	}
}

func TestParseINISemicolonComments(t *testing.T) {
	doc, err := parseINI(strings.NewReader("[node]\n; this is a comment\naddress = 1:1/100\n"))
	if err != nil {
		t.Fatalf("parseINI: %v", err)
	}
	if v, _ := doc.section("node").get("address"); v != "1:1/100" {
		t.Errorf("address = %q, want 1:1/100", v)
	}
}
