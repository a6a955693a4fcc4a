package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "logchurn"

var (
	// Registry is a dedicated Prometheus registry for all logchurn metrics.
	Registry = prometheus.NewRegistry()

	// OpsTotal counts churn operations by type and outcome.
	OpsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_total",
			Help:      "Total number of churn operations",
		},
		[]string{"op", "outcome"}, // applied | skipped | error
	)

	// OpDuration measures time spent applying a single operation.
	OpDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_duration_ms",
			Help:      "Duration of churn operations in milliseconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100},
		},
		[]string{"op"},
	)

	// FilesLive reports the size of the most recent file-set snapshot.
	FilesLive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "files_live",
			Help:      "Number of conforming files seen in the latest snapshot",
		},
	)

	// FinalMarkersTotal counts final marker lines appended.
	FinalMarkersTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "final_markers_total",
			Help:      "Total number of final marker lines appended",
		},
	)

	// ArchivedBytesTotal accumulates rotated content kept in the archive.
	ArchivedBytesTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_bytes_total",
			Help:      "Bytes of rotated content written to the archive after compression",
		},
	)

	// ExtractMatchesTotal counts marker lines found by the extractor.
	ExtractMatchesTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extract_matches_total",
			Help:      "Total number of final marker lines matched by the extractor",
		},
	)

	// ObservedEventsTotal counts file-system events seen by the observer.
	ObservedEventsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observed_events_total",
			Help:      "File-system events observed in the working directory",
		},
		[]string{"op"}, // create | write | remove | rename | chmod
	)

	// Up is a liveness gauge for the generator.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 if the generator is running",
		},
	)
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
	Up.Set(1)
}

// ObserveOp records timing and outcome for one churn operation.
func ObserveOp(start time.Time, op, outcome string) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	OpDuration.WithLabelValues(op).Observe(elapsed)
	OpsTotal.WithLabelValues(op, outcome).Inc()
}

// SetFilesLive reports the number of live files.
func SetFilesLive(count int) {
	if count < 0 {
		count = 0
	}
	FilesLive.Set(float64(count))
}

// AddFinalMarkers increments the final marker counter.
func AddFinalMarkers(count int) {
	if count <= 0 {
		return
	}
	FinalMarkersTotal.Add(float64(count))
}

// AddArchivedBytes accumulates archived byte counts.
func AddArchivedBytes(n int) {
	if n <= 0 {
		return
	}
	ArchivedBytesTotal.Add(float64(n))
}

// AddExtractMatches increments the extractor match counter.
func AddExtractMatches(count int) {
	if count <= 0 {
		return
	}
	ExtractMatchesTotal.Add(float64(count))
}

// ObserveEvent counts one observed file-system event.
func ObserveEvent(op string) {
	ObservedEventsTotal.WithLabelValues(op).Inc()
}

// SetUp toggles the liveness gauge.
func SetUp(healthy bool) {
	if healthy {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

// Handler returns the /metrics handler for Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve starts the /metrics HTTP endpoint on the provided address.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.Info("prometheus endpoint listening", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}

	return err
}
