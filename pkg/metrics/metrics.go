package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsEndpoint = "/metrics"

var (
	StageCheckpoint = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lightsync_stage_checkpoint",
		Help: "Highest block durably completed by each stage",
	}, []string{"stage"})

	ChainHead = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lightsync_chain_head",
		Help: "The latest block number reported by the network",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lightsync_stage_duration_seconds",
		Help:    "Duration of a single stage execution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage"})

	StageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightsync_stage_retries_total",
		Help: "Retries of stage executions after a retryable failure",
	}, []string{"stage"})

	Unwinds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightsync_unwinds_total",
		Help: "Total number of pipeline unwinds",
	})

	SnapshotsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightsync_snapshots_published_total",
		Help: "Snapshots uploaded to the object store",
	})

	SnapshotsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightsync_snapshots_applied_total",
		Help: "Snapshots applied at startup",
	})

	SnapshotsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightsync_snapshots_rejected_total",
		Help: "Remote snapshots rejected because of integrity or conflict checks",
	})
)

// Serve exposes the default registry until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(metricsEndpoint, promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("metrics server shutdown error: %v", err)
		}
	}()

	logger.Infof("serving metrics on %s%s", addr, metricsEndpoint)

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
