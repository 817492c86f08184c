package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters and histograms for the versioning core.
type Metrics interface {
	IncCommitsCreated(branch string)
	IncPromotions(targetBranch, status string)
	IncRollbacks(branch, status string)
	IncConflictsDetected(kind string)
	IncValidationSkipped(operation string)
	ObserveDiffDuration(durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncCommitsCreated(string)     {}
func (Noop) IncPromotions(string, string) {}
func (Noop) IncRollbacks(string, string)  {}
func (Noop) IncConflictsDetected(string)  {}
func (Noop) IncValidationSkipped(string)  {}
func (Noop) ObserveDiffDuration(float64)  {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	commitsCreated    *prometheus.CounterVec
	promotions        *prometheus.CounterVec
	rollbacks         *prometheus.CounterVec
	conflicts         *prometheus.CounterVec
	validationSkipped *prometheus.CounterVec
	diffDuration      prometheus.Histogram
	once              sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		commitsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_created_total",
			Help:      "Policy commits created by branch",
		}, []string{"branch"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Promotions by target branch and status",
		}, []string{"target_branch", "status"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollbacks by branch and status",
		}, []string{"branch", "status"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_conflicts_total",
			Help:      "Merge conflicts detected by kind",
		}, []string{"kind"}),
		validationSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_skipped_total",
			Help:      "Operations that used the skip-validation escape hatch",
		}, []string{"operation"}),
		diffDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "diff_duration_seconds",
			Help:      "Structural diff computation latency",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.commitsCreated, p.promotions, p.rollbacks, p.conflicts, p.validationSkipped, p.diffDuration)
	})
}

func (p *Prom) IncCommitsCreated(branch string) {
	p.commitsCreated.WithLabelValues(branch).Inc()
}

func (p *Prom) IncPromotions(targetBranch, status string) {
	p.promotions.WithLabelValues(targetBranch, status).Inc()
}

func (p *Prom) IncRollbacks(branch, status string) {
	p.rollbacks.WithLabelValues(branch, status).Inc()
}

func (p *Prom) IncConflictsDetected(kind string) {
	p.conflicts.WithLabelValues(kind).Inc()
}

func (p *Prom) IncValidationSkipped(operation string) {
	p.validationSkipped.WithLabelValues(operation).Inc()
}

func (p *Prom) ObserveDiffDuration(durationSeconds float64) {
	p.diffDuration.Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
