package dupe

import "testing"

func TestNormalizeIdempotent(t *testing.T) {
	cases := []string{
		"1:1/100 1a2b3c4d",
		"  1:1/100   1a2b3c4d  ",
		"1:1/100@fidonet 1a2b3c4d",
		"1:1/100@FidoNet 1A2B3C4D",
	}
	for _, c := range cases {
		once := Normalize(c)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize(%q) = %q, Normalize of that = %q, want idempotent", c, once, twice)
		}
	}
}

func TestNormalizeFoldsDomainCaseOnly(t *testing.T) {
	upper := "1:1/100@FIDONET.ORG 1a2b3c4d"
	lower := "1:1/100@fidonet.org 1a2b3c4d"
	if got, want := Normalize(upper), Normalize(lower); got != want {
		t.Errorf("Normalize(%q) = %q, Normalize(%q) = %q, want equal", upper, got, lower, want)
	}
}

func TestNormalizePreservesSerialCase(t *testing.T) {
	// The hex serial itself is not case-folded: two MSGIDs differing only in
	// serial case are distinct messages, not duplicates.
	a := Normalize("1:1/100 1A2B3C4D")
	b := Normalize("1:1/100 1a2b3c4d")
	if a == b {
		t.Errorf("Normalize should not fold serial case: got %q == %q", a, b)
	}
}

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	got := Normalize("1:1/100     1a2b3c4d")
	want := "1:1/100 1a2b3c4d"
	if got != want {
		t.Errorf("Normalize collapsed whitespace = %q, want %q", got, want)
	}
}

func TestNormalizeTrims(t *testing.T) {
	got := Normalize("  1:1/100 1a2b3c4d  ")
	want := "1:1/100 1a2b3c4d"
	if got != want {
		t.Errorf("Normalize trim = %q, want %q", got, want)
	}
}

func TestNormalizeNoDomainUnaffected(t *testing.T) {
	got := Normalize("1:1/100 1a2b3c4d")
	want := "1:1/100 1a2b3c4d"
	if got != want {
		t.Errorf("Normalize(no-domain) = %q, want %q", got, want)
	}
}
