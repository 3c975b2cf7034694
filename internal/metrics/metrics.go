// Package metrics collects counters and gauges for the tosser and mailer
// daemons and exposes them over HTTP for Prometheus scraping.
package metrics

import "time"

// Collector records observations from the tosser and mailer. RecordPoll
// satisfies internal/mailer.Metrics structurally; no import of this
// package from internal/mailer is required.
type Collector interface {
	// RecordPoll records the outcome of one mailer poll attempt.
	RecordPoll(network string, success bool, duration time.Duration)

	// RecordImport records one inbound packet import pass.
	RecordImport(network string, packetsProcessed, messagesImported, messagesExported, dupesSkipped int)

	// RecordDeliveryError records a failed local delivery (Maildir or
	// news spool write).
	RecordDeliveryError(network, kind string)

	// SetQueueDepth reports how many messages are waiting in a
	// network's outbound forward queue.
	SetQueueDepth(network string, depth int)
}

// NoopCollector discards every observation. Used when metrics are
// disabled in configuration.
type NoopCollector struct{}

func (NoopCollector) RecordPoll(string, bool, time.Duration)  {}
func (NoopCollector) RecordImport(string, int, int, int, int) {}
func (NoopCollector) RecordDeliveryError(string, string)      {}
func (NoopCollector) SetQueueDepth(string, int)               {}
