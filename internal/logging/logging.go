// Package logging provides debug logging utilities shared across the
// binkp session engine, tosser pipeline, and mailer.
package logging

import "log"

// DebugEnabled controls whether Debug() produces output.
// Set by the -v flag of cmd/ftntoss and cmd/ftnmailer and toggled at
// runtime by SIGUSR2.
var DebugEnabled bool

// Debug logs a message only when DebugEnabled is true.
func Debug(format string, args ...any) {
	if DebugEnabled {
		log.Printf("DEBUG: "+format, args...)
	}
}
