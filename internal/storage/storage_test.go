package storage

import "testing"

func TestValidateComponentRejectsTraversal(t *testing.T) {
	cases := []string{"..", "../etc", "foo/../bar", "/absolute", "null\x00byte"}
	for _, c := range cases {
		if err := validateComponent(c); err == nil {
			t.Errorf("validateComponent(%q) = nil, want error", c)
		}
	}
}

func TestValidateComponentAcceptsNormal(t *testing.T) {
	cases := []string{"sysop", "fidonet", "general.chat"}
	for _, c := range cases {
		if err := validateComponent(c); err != nil {
			t.Errorf("validateComponent(%q) = %v, want nil", c, err)
		}
	}
}

func TestSanitizeComponentReplacesHostileChars(t *testing.T) {
	got := sanitizeComponent(`john/doe:*?"<>| smith`)
	want := "john_doe________smith"
	if got != want {
		t.Errorf("sanitizeComponent = %q, want %q", got, want)
	}
}

func TestExpandTemplate(t *testing.T) {
	got := expandTemplate("/var/mail/%NETWORK%/%USER%", "sysop", "fidonet")
	want := "/var/mail/fidonet/sysop"
	if got != want {
		t.Errorf("expandTemplate = %q, want %q", got, want)
	}
}
