package metrics

import (
	"awgateway/pkg/mux"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "awgateway"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	FetchRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_requests_total",
		Help:      "Total number of content fetches by source and result.",
	}, []string{"source", "result"})

	FetchDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "The duration to fetch content from the network.",
	}, []string{"result"})

	ResolveDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "resolve_duration_seconds",
		Help:      "The duration for router to resolve a peer.",
	}, []string{"router"})

	CacheRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_requests_total",
		Help:      "Total number of content cache lookups.",
	}, []string{"cache"})

	ServedRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "served_requests_total",
		Help:      "Total number of fetch protocol requests served to other peers.",
	}, []string{"result"})

	ConnectAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_attempts_total",
		Help:      "Total number of attempts to connect to the network.",
	}, []string{"result"})

	AdvertisedKeys = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "advertised_keys",
		Help:      "Number of keys advertised to be available.",
	}, []string{"store"})
)

func Register() {
	DefaultRegisterer.MustRegister(FetchRequestsTotal)
	DefaultRegisterer.MustRegister(FetchDurHistogram)
	DefaultRegisterer.MustRegister(ResolveDurHistogram)
	DefaultRegisterer.MustRegister(CacheRequestsTotal)
	DefaultRegisterer.MustRegister(ServedRequestsTotal)
	DefaultRegisterer.MustRegister(ConnectAttemptsTotal)
	DefaultRegisterer.MustRegister(AdvertisedKeys)
	mux.RegisterMetrics(DefaultRegisterer)
}
