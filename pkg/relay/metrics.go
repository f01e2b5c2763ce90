package relay

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "strate_relay"

type metrics struct {
	registry *prometheus.Registry
	clients  prometheus.Gauge
	ops      *prometheus.CounterVec
	backups  prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "clients",
			Help:      "Connected sockets",
		}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ops_total",
			Help:      "Operations handled, by result",
		}, []string{"result"}),
		backups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "backups_total",
			Help:      "Document rows written to the database",
		}),
	}
	bootTime := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "boot_time",
		Help:      "Relay startup time",
	})
	bootTime.Set(float64(time.Now().UnixMilli()))
	m.registry.MustRegister(m.clients, m.ops, m.backups, bootTime)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
