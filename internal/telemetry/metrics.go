package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const metricsNamespace = "segaug"

// Recorder counts pipeline steps and times samples. A nil *Recorder is a
// valid no-op.
type Recorder struct {
	// StepsTotal counts step evaluations.
	// Labels: variant, step, applied (true, false)
	StepsTotal *prometheus.CounterVec

	// SampleSeconds measures one full pipeline invocation.
	// Labels: variant
	SampleSeconds *prometheus.HistogramVec
}

// NewRecorder registers the pipeline metrics on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "steps_total",
			Help:      "Augmentation steps evaluated, by whether they fired",
		}, []string{"variant", "step", "applied"}),
		SampleSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sample_seconds",
			Help:      "Time to augment one sample",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"variant"}),
	}
}

func (r *Recorder) ObserveStep(variant, step string, applied bool) {
	if r == nil {
		return
	}
	r.StepsTotal.WithLabelValues(variant, step, strconv.FormatBool(applied)).Inc()
}

func (r *Recorder) ObserveSample(variant string, d time.Duration) {
	if r == nil {
		return
	}
	r.SampleSeconds.WithLabelValues(variant).Observe(d.Seconds())
}

// Expose serves /metrics for g on addr in the background. The returned
// server is shut down by the caller.
func Expose(addr string, g prometheus.Gatherer, logger logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}
