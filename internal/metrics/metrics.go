// Package metrics exposes Prometheus collectors for the scraper service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal              *prometheus.CounterVec
	jobsRunning            prometheus.Gauge
	queueDepth             prometheus.Gauge
	productsProcessedTotal prometheus.Counter
	imagesStoredTotal      *prometheus.CounterVec
	sessionRestartsTotal   *prometheus.CounterVec
	extractionRetriesTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_total",
				Help: "Total number of finished scrape jobs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		jobsRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_jobs_running",
				Help: "Number of jobs currently holding a scheduler slot.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_queue_depth",
				Help: "Number of jobs waiting for a free scheduler slot.",
			},
		)

		productsProcessedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_products_processed_total",
				Help: "Total number of product pages processed across all jobs.",
			},
		)

		imagesStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_images_stored_total",
				Help: "Total image records stored, labeled by converted=true|false.",
			},
			[]string{"converted"},
		)

		sessionRestartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_session_restarts_total",
				Help: "Browser session restarts, labeled by reason (rotation|recovery).",
			},
			[]string{"reason"},
		)

		extractionRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_extraction_retries_total",
				Help: "Extraction retries, labeled by failure class (empty|error|session).",
			},
			[]string{"class"},
		)
	})
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// JobFinished records a terminal job outcome.
func JobFinished(outcome string) {
	Init()
	jobsTotal.WithLabelValues(outcome).Inc()
}

// SetJobsRunning updates the running-slot gauge.
func SetJobsRunning(n int) {
	Init()
	jobsRunning.Set(float64(n))
}

// SetQueueDepth updates the waiting-queue gauge.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// ProductProcessed counts one finished product iteration.
func ProductProcessed() {
	Init()
	productsProcessedTotal.Inc()
}

// ImageStored counts one stored image record.
func ImageStored(converted bool) {
	Init()
	if converted {
		imagesStoredTotal.WithLabelValues("true").Inc()
	} else {
		imagesStoredTotal.WithLabelValues("false").Inc()
	}
}

// SessionRestarted counts one browser restart.
func SessionRestarted(reason string) {
	Init()
	sessionRestartsTotal.WithLabelValues(reason).Inc()
}

// ExtractionRetry counts one retry of the given failure class.
func ExtractionRetry(class string) {
	Init()
	extractionRetriesTotal.WithLabelValues(class).Inc()
}
