package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the ingestion collectors. A nil *Recorder records nothing,
// so components can take one optionally.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal         *prometheus.CounterVec
	runDuration       prometheus.Histogram
	runProgress       prometheus.Gauge
	listingsTotal     *prometheus.CounterVec
	captchaTotal      *prometheus.CounterVec
	detailFailures    prometheus.Counter
	vpnRotationsTotal *prometheus.CounterVec
}

func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_runs_total",
			Help: "Finished ingestion runs by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_run_duration_seconds",
			Help:    "Wall time of finished ingestion runs.",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 2400, 3600},
		}),
		runProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_run_progress",
			Help: "Progress of the active run, 0 to 1.",
		}),
		listingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_listings_total",
			Help: "Reconciled listings by outcome.",
		}, []string{"outcome"}), // created, updated, skipped
		captchaTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_captcha_challenges_total",
			Help: "Bot challenges by outcome.",
		}, []string{"outcome"}), // detected, resolved, rejected, abandoned
		detailFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_detail_failures_total",
			Help: "Detail pages that failed and were dropped.",
		}),
		vpnRotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_vpn_rotations_total",
			Help: "Egress rotation attempts by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(r.runsTotal)
	registry.MustRegister(r.runDuration)
	registry.MustRegister(r.runProgress)
	registry.MustRegister(r.listingsTotal)
	registry.MustRegister(r.captchaTotal)
	registry.MustRegister(r.detailFailures)
	registry.MustRegister(r.vpnRotationsTotal)

	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) RunFinished(status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.runsTotal.WithLabelValues(status).Inc()
	r.runDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) RunProgress(p float64) {
	if r == nil {
		return
	}
	r.runProgress.Set(p)
}

func (r *Recorder) Listings(outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.listingsTotal.WithLabelValues(outcome).Add(float64(n))
}

func (r *Recorder) Captcha(outcome string) {
	if r == nil {
		return
	}
	r.captchaTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) DetailFailed() {
	if r == nil {
		return
	}
	r.detailFailures.Inc()
}

func (r *Recorder) VPNRotation(result string) {
	if r == nil {
		return
	}
	r.vpnRotationsTotal.WithLabelValues(result).Inc()
}
