package metrics

import (
	"cmp"
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canflux_frames_received_total",
			Help: "Total number of bus payloads received by topic",
		},
		[]string{"topic"},
	)

	DecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canflux_decode_failures_total",
			Help: "Total number of payloads dropped during decode by stage",
		},
		[]string{"stage"},
	)

	DuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canflux_duplicates_dropped_total",
			Help: "Total number of payloads dropped as replays",
		},
	)

	SamplesDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canflux_samples_decoded_total",
			Help: "Total number of decoded samples by CAN message",
		},
		[]string{"message"},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canflux_anomalies_detected_total",
			Help: "Total number of anomalies detected by type and severity",
		},
		[]string{"type", "severity"},
	)

	AnomaliesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canflux_anomalies_suppressed_total",
			Help: "Total number of anomalies dropped by rate limiting, by type",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canflux_events_dropped_total",
			Help: "Total number of events dropped on full pipeline channels",
		},
		[]string{"pipeline", "sink"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canflux_publish_errors_total",
			Help: "Total number of publish errors by sink",
		},
		[]string{"sink"},
	)

	ProcessedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canflux_processed_events_total",
			Help: "Total number of processed events by pipeline",
		},
		[]string{"pipeline", "source", "sink"},
	)

	TransformationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canflux_transformation_errors_total",
			Help: "Total number of transformation errors by stage",
		},
		[]string{"stage", "pipeline", "source", "sink"},
	)

	PointsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canflux_points_written_total",
			Help: "Total number of points handed to the time-series store by measurement",
		},
		[]string{"measurement"},
	)

	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canflux_event_processing_duration_seconds",
			Help:    "Duration of event processing",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline", "source", "sink"},
	)

	DecodeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canflux_decode_duration_seconds",
			Help:    "Duration of the payload decode chain",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
		},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds

	// Extra handlers mounted on the same mux, keyed by path. Used for
	// health probes and the live event stream.
	Extra map[string]http.Handler
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options
// The server gracefully shutdown when the provided context is canceled
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	// merge with defaults
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		effectiveOpts.Extra = opts.Extra
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	for path, handler := range effectiveOpts.Extra {
		mux.Handle(path, handler)
	}
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	// Increment wait group
	wg.Add(1)

	// Start server
	go func() {
		defer wg.Done()
		log.Printf("Starting Prometheus metrics server on %s", effectiveOpts.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
		close(serverClosed)
	}()

	// Monitor context cancellation in a separate goroutine
	go func() {
		<-ctx.Done()

		// Create a timeout context for shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		// Attempt graceful shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down metrics server: %v", err)
		}

		// Wait for server to close or timeout
		select {
		case <-serverClosed:
			log.Println("Metrics server shutdown complete")
		case <-shutdownCtx.Done():
			log.Println("Metrics server shutdown timed out")
		}
	}()
}

// Healthz is a liveness handler suitable for mounting under Extra.
func Healthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
}
