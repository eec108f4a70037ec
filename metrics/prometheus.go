package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder on a prometheus registry.
type PrometheusRecorder struct {
	admissions  *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	webhooks    *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	checkouts   prometheus.Gauge
}

// NewPrometheusRecorder registers the collectors with reg (the default
// registerer when nil). It panics on registration conflicts, which indicate
// a wiring bug.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &PrometheusRecorder{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shotmill_admission_decisions_total",
			Help: "Submission attempts by admission outcome.",
		}, []string{"outcome"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shotmill_jobs_finished_total",
			Help: "Finished job attempts by type and outcome.",
		}, []string{"type", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shotmill_job_processing_seconds",
			Help:    "Wall clock processing time of finished job attempts.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"type"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shotmill_webhook_attempts_total",
			Help: "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shotmill_queue_depth",
			Help: "Jobs currently in the ready queue.",
		}),
		checkouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shotmill_browser_checkouts",
			Help: "Renderers currently checked out of the pool.",
		}),
	}

	for _, c := range []prometheus.Collector{
		r.admissions, r.jobs, r.jobDuration, r.webhooks, r.queueDepth, r.checkouts,
	} {
		if err := reg.Register(c); err != nil {
			panic("metrics: failed to register collector: " + err.Error())
		}
	}
	return r
}

func (r *PrometheusRecorder) AdmissionDecision(outcome string) {
	r.admissions.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) JobFinished(jobType, outcome string, d time.Duration) {
	r.jobs.WithLabelValues(jobType, outcome).Inc()
	r.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (r *PrometheusRecorder) WebhookAttempt(outcome string) {
	r.webhooks.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) QueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

func (r *PrometheusRecorder) BrowserCheckouts(n int) {
	r.checkouts.Set(float64(n))
}
