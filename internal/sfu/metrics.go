package sfu

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is the per-manager instrumentation set. Metric names carry the
// media mode so the audio and video managers register side by side.
type metrics struct {
	sessions prometheus.GaugeFunc
	requests prometheus.Counter
	errors   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, mode MediaMode, sessionCount func() float64) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	prefix := "sfu_" + string(mode)
	return &metrics{
		sessions: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: prefix + "_sessions",
			Help: "Number of live " + string(mode) + " sessions.",
		}, sessionCount),
		requests: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_reqs_total",
			Help: "Total inbound " + string(mode) + " requests.",
		}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_errors_total",
			Help: "Total " + string(mode) + " errors by method and code.",
		}, []string{"method", "errorCode"}),
	}
}

func (m *metrics) observeError(method string, code int) {
	m.errors.WithLabelValues(method, strconv.Itoa(code)).Inc()
}
