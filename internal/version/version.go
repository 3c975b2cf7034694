// Package version holds build-time identifying information, referenced
// by cmd/ftntoss and cmd/ftnmailer's --version output.
package version

// Number, Commit and BuildDate are overridden at build time via
// -ldflags "-X github.com/stlalpha/ftnd/internal/version.Number=...".
var (
	Number    = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the full version line.
func String() string {
	return Number + " (commit " + Commit + ", built " + BuildDate + ")"
}
