package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	global *Metrics
	once   sync.Once
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	CyclesTotal        *prometheus.CounterVec
	CyclesSkipped      prometheus.Counter
	RecordsExtracted   *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
	CompletionRetries  prometheus.Counter
	ExtractionFailures *prometheus.CounterVec
	CursorLag          *prometheus.GaugeVec
}

// Get returns the process-wide collectors, registering them on first use.
//
// Metrics:
//   - slackcal_cycles_total{result} - ingest/notify cycles by outcome
//   - slackcal_cycles_skipped_total - ticks dropped while a cycle was running
//   - slackcal_records_extracted_total{kind} - records persisted per kind
//   - slackcal_notifications_total{outcome} - sent, suppressed, failed, expired
//   - slackcal_completion_retries_total - retried completion calls
//   - slackcal_extraction_failures_total{kind} - batches dropped after a failed extraction
//   - slackcal_cursor_lag_seconds{channel} - age of the channel watermark
func Get() *Metrics {
	once.Do(func() {
		global = &Metrics{
			CyclesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "slackcal_cycles_total",
					Help: "Total number of cycles by result",
				},
				[]string{"result"}, // "ok", "error"
			),
			CyclesSkipped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "slackcal_cycles_skipped_total",
				Help: "Total number of ticks skipped because a cycle was in progress",
			}),
			RecordsExtracted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "slackcal_records_extracted_total",
					Help: "Total number of extracted records persisted",
				},
				[]string{"kind"},
			),
			Notifications: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "slackcal_notifications_total",
					Help: "Total number of reminder decisions by outcome",
				},
				[]string{"outcome"},
			),
			CompletionRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "slackcal_completion_retries_total",
				Help: "Total number of retried completion calls",
			}),
			ExtractionFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "slackcal_extraction_failures_total",
					Help: "Total number of batches treated as empty after a failed extraction",
				},
				[]string{"kind"},
			),
			CursorLag: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "slackcal_cursor_lag_seconds",
					Help: "Seconds between now and the channel watermark after a cycle",
				},
				[]string{"channel"},
			),
		}
	})
	return global
}

// Handler serves the default registry.
func Handler() http.Handler {
	Get()
	return promhttp.Handler()
}
