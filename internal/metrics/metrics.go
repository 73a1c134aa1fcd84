// Package metrics exposes Prometheus counters and gauges for ingress,
// egress, and the relay scheduler, in the style infodancer-pop3d and
// foxcpp-maddy expose alongside their protocol servers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epistula",
		Subsystem: "ingress",
		Name:      "messages_received_total",
		Help:      "Messages accepted by the SMTP ingress and submission listeners.",
	}, []string{"listener"})

	RecipientsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epistula",
		Subsystem: "ingress",
		Name:      "recipients_rejected_total",
		Help:      "Recipients rejected during an SMTP transaction, by reason.",
	}, []string{"reason"})

	RelayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epistula",
		Subsystem: "relay",
		Name:      "delivery_attempts_total",
		Help:      "Outbound delivery attempts, by result.",
	}, []string{"result"})

	RelayQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "epistula",
		Subsystem: "relay",
		Name:      "queue_depth",
		Help:      "Recipients currently awaiting outbound delivery.",
	})

	POP3Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "epistula",
		Subsystem: "pop3",
		Name:      "active_sessions",
		Help:      "POP3 sessions currently open.",
	})

	POP3AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "epistula",
		Subsystem: "pop3",
		Name:      "auth_failures_total",
		Help:      "POP3 USER/PASS authentication failures.",
	})

	BouncesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "epistula",
		Subsystem: "relay",
		Name:      "bounces_generated_total",
		Help:      "Delivery-failure reports synthesized by the bounce generator.",
	})
)

// Handler returns the HTTP handler to serve metrics from, typically
// mounted on the process's debug listener alongside pprof.
func Handler() http.Handler {
	return promhttp.Handler()
}
