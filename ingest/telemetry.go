package ingest

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const telemetryNamespace = "wx_ingest"

// Telemetry holds the Prometheus collectors of one process. A nil *Telemetry
// is valid and records nothing.
type Telemetry struct {
	Batches       *prometheus.CounterVec
	Records       *prometheus.CounterVec
	Retries       prometheus.Counter
	Files         *prometheus.CounterVec
	Duplicates    prometheus.Counter
	BatchDuration prometheus.Histogram
}

// NewTelemetry registers the collectors on reg. Registering twice on the
// same registry panics, as with promauto.
func NewTelemetry(reg prometheus.Registerer) *Telemetry {
	f := promauto.With(reg)
	return &Telemetry{
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetryNamespace,
			Name:      "batches_total",
			Help:      "Write batches by final result",
		}, []string{"result"}),
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetryNamespace,
			Name:      "records_total",
			Help:      "Records handed to the batch writer by final result",
		}, []string{"result"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: telemetryNamespace,
			Name:      "batch_retries_total",
			Help:      "Batch insert attempts after the first",
		}),
		Files: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetryNamespace,
			Name:      "files_total",
			Help:      "Input files by outcome",
		}, []string{"status"}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: telemetryNamespace,
			Name:      "duplicate_records_total",
			Help:      "Candidates dropped as already ingested",
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: telemetryNamespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one batch including retries",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}
}

func (t *Telemetry) observeBatch(ok bool, records int, d time.Duration) {
	if t == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	t.Batches.WithLabelValues(result).Inc()
	t.Records.WithLabelValues(result).Add(float64(records))
	t.BatchDuration.Observe(d.Seconds())
}

func (t *Telemetry) observeRetry() {
	if t == nil {
		return
	}
	t.Retries.Inc()
}

func (t *Telemetry) observeFile(status string, duplicates int) {
	if t == nil {
		return
	}
	t.Files.WithLabelValues(status).Inc()
	if duplicates > 0 {
		t.Duplicates.Add(float64(duplicates))
	}
}

// ServeMetrics exposes g on addr under /metrics until the returned server is
// shut down.
func ServeMetrics(addr string, g prometheus.Gatherer, errs chan<- error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errs != nil {
			errs <- err
		}
	}()
	return srv
}
