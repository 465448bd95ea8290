// Package stats provides a Prometheus-backed smtpd.StatisticsCollector,
// a ready-made implementation for embedders that already scrape
// Prometheus metrics from their process.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postwarden/smtpd/internal/session"
)

// Collector implements smtpd.StatisticsCollector by recording onto a
// set of Prometheus metrics. The zero value is not usable; build one
// with New.
type Collector struct {
	sessions       prometheus.Counter
	messages       prometheus.Counter
	messageBytes   prometheus.Counter
	messageErrors  prometheus.Counter
	recipientCount prometheus.Histogram
}

// New creates a Collector and registers its metrics with reg. Passing
// prometheus.DefaultRegisterer is the usual choice for a process that
// exposes /metrics via promhttp.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smtpd",
			Name:      "sessions_total",
			Help:      "Number of SMTP sessions accepted.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smtpd",
			Name:      "messages_total",
			Help:      "Number of messages accepted and stored.",
		}),
		messageBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smtpd",
			Name:      "message_bytes_total",
			Help:      "Total size, in bytes, of accepted messages.",
		}),
		messageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smtpd",
			Name:      "errors_total",
			Help:      "Number of session-level errors recorded.",
		}),
		recipientCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "smtpd",
			Name:      "message_recipients",
			Help:      "Number of recipients per accepted message.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
	}

	reg.MustRegister(c.sessions, c.messages, c.messageBytes, c.messageErrors, c.recipientCount)
	return c
}

// RecordSession implements smtpd.StatisticsCollector.
func (c *Collector) RecordSession() {
	c.sessions.Inc()
}

// RecordMessage implements smtpd.StatisticsCollector.
func (c *Collector) RecordMessage(msg *session.Message) {
	c.messages.Inc()
	c.messageBytes.Add(float64(msg.Size))
	c.recipientCount.Observe(float64(len(msg.To)))
}

// RecordError implements smtpd.StatisticsCollector.
func (c *Collector) RecordError(err error) {
	c.messageErrors.Inc()
}
