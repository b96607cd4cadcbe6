package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"

	"impactos/internal/etl"
	"impactos/internal/logging"
)

const namespace = "impactos"

// Reporter records batch metrics in its own registry and, when a
// Pushgateway URL is configured, pushes them after every run.
type Reporter struct {
	registry *prometheus.Registry
	pushURL  string
	job      string
	log      logrus.FieldLogger

	runsTotal               *prometheus.CounterVec
	rowsRead                prometheus.Gauge
	rowsWritten             prometheus.Gauge
	duplicates              prometheus.Gauge
	lookupMisses            prometheus.Gauge
	unmatchedMunicipalities prometheus.Gauge
	duration                prometheus.Histogram
	lastSuccess             prometheus.Gauge
}

// NewReporter creates a Reporter. pushURL may be empty to keep metrics local.
func NewReporter(pushURL, job string, log logrus.FieldLogger) *Reporter {
	if log == nil {
		log = logging.Discard()
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Reporter{
		registry: reg,
		pushURL:  pushURL,
		job:      job,
		log:      log,
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of batch runs by final status.",
		}, []string{"status"}),
		rowsRead: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rows_read",
			Help:      "Rows read from the input files by the last run.",
		}),
		rowsWritten: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rows_written",
			Help:      "Rows inserted into the warehouse by the last run.",
		}),
		duplicates: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "duplicate_rows",
			Help:      "Exact-duplicate rows dropped by the last run.",
		}),
		lookupMisses: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lookup_misses",
			Help:      "Category labels without a surrogate key in the last run.",
		}),
		unmatchedMunicipalities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unmatched_municipalities",
			Help:      "Rows whose municipality was not found in the last run.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of batch runs.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
	}
}

// Registry exposes the registry, mainly for tests.
func (r *Reporter) Registry() *prometheus.Registry { return r.registry }

// RunFinished records the result of a run and pushes the registry.
// A failed push is logged, never returned: metrics must not fail a batch.
func (r *Reporter) RunFinished(ctx context.Context, res *etl.SyncResult) {
	if res == nil {
		return
	}
	r.runsTotal.WithLabelValues(res.Status).Inc()
	r.duration.Observe(res.Duration.Seconds())
	r.rowsRead.Set(float64(res.RowsRead))
	r.rowsWritten.Set(float64(res.RowsWritten))
	r.duplicates.Set(float64(res.Duplicates))
	r.lookupMisses.Set(float64(res.LookupMisses))
	r.unmatchedMunicipalities.Set(float64(res.UnmatchedMunicipalities))
	if res.Status == etl.StatusSuccess {
		r.lastSuccess.Set(float64(time.Now().Unix()))
	}

	if err := r.Push(ctx); err != nil {
		r.log.WithError(err).Warn("push metrics")
	}
}

// Push sends the registry to the Pushgateway. Without a URL it does nothing.
func (r *Reporter) Push(ctx context.Context) error {
	if r.pushURL == "" {
		return nil
	}
	if err := push.New(r.pushURL, r.job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push to %s: %w", r.pushURL, err)
	}
	return nil
}
