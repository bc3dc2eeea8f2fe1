package gateway

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics lives in its own registry so several services can coexist in one
// process, as they do in tests.
type metrics struct {
	reg      *prometheus.Registry
	requests *prometheus.CounterVec
	reloads  *prometheus.CounterVec
}

func newMetrics(s *Service) *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zipgate",
			Name:      "requests_total",
			Help:      "Content requests by serving path and status code.",
		}, []string{"source", "code"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zipgate",
			Name:      "manifest_reloads_total",
			Help:      "Forced manifest reloads by result.",
		}, []string{"result"}),
	}

	cache := s.cache
	m.reg.MustRegister(
		m.requests,
		m.reloads,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "zipgate",
			Name:      "archive_downloads_total",
			Help:      "Archives downloaded and opened.",
		}, func() float64 { return float64(cache.Stats().Downloads) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "zipgate",
			Name:      "archive_revalidations_total",
			Help:      "Archive metadata revalidations attempted.",
		}, func() float64 { return float64(cache.Stats().Revalidations) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "zipgate",
			Name:      "archive_revalidation_failures_total",
			Help:      "Archive metadata revalidations that failed.",
		}, func() float64 { return float64(cache.Stats().RevalidationFailures) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "zipgate",
			Name:      "archive_open",
			Help:      "1 when an archive is open locally (warm), 0 when lazy.",
		}, func() float64 {
			if cache.Status().Open {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "zipgate",
			Name:      "archive_bytes",
			Help:      "Size of the open archive.",
		}, func() float64 { return float64(cache.Status().Size) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "zipgate",
			Name:      "manifest_loads_total",
			Help:      "Manifest fetches.",
		}, func() float64 { return float64(s.loader.Loads()) }),
	)
	if s.assets != nil {
		assets := s.assets
		m.reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "zipgate",
				Name:      "asset_cache_bytes",
				Help:      "Bytes held by the multi-mode asset cache.",
			}, func() float64 { return float64(assets.TotalSize()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "zipgate",
				Name:      "asset_cache_entries",
				Help:      "Entries held by the multi-mode asset cache.",
			}, func() float64 { return float64(assets.Len()) }),
		)
	}
	return m
}

func (m *metrics) observe(source string, code int) {
	m.requests.WithLabelValues(source, strconv.Itoa(code)).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
