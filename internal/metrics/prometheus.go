package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector using Prometheus client
// metrics, grounded on infodancer-pop3d's PrometheusCollector shape: one
// struct field per metric, all registered up front in the constructor.
type PrometheusCollector struct {
	pollsTotal   *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec

	packetsProcessedTotal *prometheus.CounterVec
	messagesImportedTotal *prometheus.CounterVec
	messagesExportedTotal *prometheus.CounterVec
	dupesSkippedTotal     *prometheus.CounterVec
	deliveryErrorsTotal   *prometheus.CounterVec
	forwardQueueDepth     *prometheus.GaugeVec
}

// NewPrometheusCollector creates a PrometheusCollector with all metrics
// registered against reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftnd_mailer_polls_total",
			Help: "Total number of outbound poll attempts, by network and result.",
		}, []string{"network", "result"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ftnd_mailer_poll_duration_seconds",
			Help:    "Duration of outbound poll attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"network"}),

		packetsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftnd_tosser_packets_processed_total",
			Help: "Total number of inbound packets processed.",
		}, []string{"network"}),
		messagesImportedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftnd_tosser_messages_imported_total",
			Help: "Total number of messages delivered or queued for forward.",
		}, []string{"network"}),
		messagesExportedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftnd_tosser_messages_exported_total",
			Help: "Total number of messages packed into outbound packets.",
		}, []string{"network"}),
		dupesSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftnd_tosser_dupes_skipped_total",
			Help: "Total number of duplicate MSGIDs skipped on import.",
		}, []string{"network"}),
		deliveryErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftnd_tosser_delivery_errors_total",
			Help: "Total number of failed local deliveries, by kind (mail, news).",
		}, []string{"network", "kind"}),
		forwardQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ftnd_tosser_forward_queue_depth",
			Help: "Number of messages currently queued for outbound forward.",
		}, []string{"network"}),
	}

	reg.MustRegister(
		c.pollsTotal,
		c.pollDuration,
		c.packetsProcessedTotal,
		c.messagesImportedTotal,
		c.messagesExportedTotal,
		c.dupesSkippedTotal,
		c.deliveryErrorsTotal,
		c.forwardQueueDepth,
	)
	return c
}

func (c *PrometheusCollector) RecordPoll(network string, success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	c.pollsTotal.WithLabelValues(network, result).Inc()
	c.pollDuration.WithLabelValues(network).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordImport(network string, packetsProcessed, messagesImported, messagesExported, dupesSkipped int) {
	c.packetsProcessedTotal.WithLabelValues(network).Add(float64(packetsProcessed))
	c.messagesImportedTotal.WithLabelValues(network).Add(float64(messagesImported))
	c.messagesExportedTotal.WithLabelValues(network).Add(float64(messagesExported))
	c.dupesSkippedTotal.WithLabelValues(network).Add(float64(dupesSkipped))
}

func (c *PrometheusCollector) RecordDeliveryError(network, kind string) {
	c.deliveryErrorsTotal.WithLabelValues(network, kind).Inc()
}

func (c *PrometheusCollector) SetQueueDepth(network string, depth int) {
	c.forwardQueueDepth.WithLabelValues(network).Set(float64(depth))
}
