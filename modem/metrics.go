package modem

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation of a Modem. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Exchanges        *prometheus.CounterVec
	ExchangeDuration prometheus.Histogram
	Notifications    *prometheus.CounterVec
	SocketBytes      *prometheus.CounterVec
	ModuleResets     prometheus.Counter
}

// NewMetrics creates the driver metrics and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "nbgw"
	}
	f := promauto.With(reg)

	return &Metrics{
		Exchanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "modem",
				Name:      "exchanges_total",
				Help:      "Command/response exchanges by outcome",
			},
			[]string{"outcome"},
		),
		ExchangeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "modem",
				Name:      "exchange_duration_seconds",
				Help:      "Time spent waiting for a terminator",
				Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 75},
			},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "modem",
				Name:      "notifications_total",
				Help:      "Unsolicited notifications dispatched by kind",
			},
			[]string{"kind"},
		),
		SocketBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "modem",
				Name:      "socket_bytes_total",
				Help:      "Payload bytes confirmed by the module",
			},
			[]string{"direction", "secure"},
		),
		ModuleResets: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "modem",
				Name:      "resets_total",
				Help:      "Unexpected module reboots recovered from",
			},
		),
	}
}

var outcomes = [...]string{"timeout", "ok", "error", "cme_error", "cms_error", "custom"}

func (m *Metrics) observeExchange(idx int, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "failed"
	if err == nil && idx >= 0 && idx < len(outcomes) {
		outcome = outcomes[idx]
	}
	m.Exchanges.WithLabelValues(outcome).Inc()
	m.ExchangeDuration.Observe(d.Seconds())
}

func (m *Metrics) observeNotification(kind string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeBytes(direction string, secure bool, n int) {
	if m == nil || n <= 0 {
		return
	}
	s := "false"
	if secure {
		s = "true"
	}
	m.SocketBytes.WithLabelValues(direction, s).Add(float64(n))
}

func (m *Metrics) observeReset() {
	if m == nil {
		return
	}
	m.ModuleResets.Inc()
}
