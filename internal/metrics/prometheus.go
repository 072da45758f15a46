package metrics

import (
	"sync"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Collector backed by Prometheus. Metrics register
// lazily on first use.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	assignments *prometheus.CounterVec
	transitions *prometheus.CounterVec
	selection   prometheus.Histogram
	utilization *prometheus.GaugeVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus creates a collector. A nil reg uses the default registerer;
// an empty namespace defaults to "educhat".
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "educhat"
	}
	return &Prometheus{reg: reg, namespace: namespace}
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.assignments = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "assignment",
			Name:      "assignments_total",
			Help:      "Assignment attempts by method and outcome.",
		}, []string{"method", "outcome"})

		p.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "assignment",
			Name:      "handoff_transitions_total",
			Help:      "Handoff state transitions by target status.",
		}, []string{"to"})

		p.selection = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "assignment",
			Name:      "selection_duration_seconds",
			Help:      "Time spent routing and selecting an agent.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		})

		p.utilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "assignment",
			Name:      "team_utilization",
			Help:      "Last observed utilization rate per team.",
		}, []string{"team"})

		p.reg.MustRegister(p.assignments)
		p.reg.MustRegister(p.transitions)
		p.reg.MustRegister(p.selection)
		p.reg.MustRegister(p.utilization)
	})
}

func (p *Prometheus) RecordAssignment(method models.AssignmentMethod, outcome string) {
	p.ensureRegistered()
	m := string(method)
	if m == "" {
		m = "none"
	}
	p.assignments.WithLabelValues(m, outcome).Inc()
}

func (p *Prometheus) RecordHandoffTransition(to models.HandoffStatus) {
	p.ensureRegistered()
	p.transitions.WithLabelValues(string(to)).Inc()
}

func (p *Prometheus) ObserveSelection(d time.Duration) {
	p.ensureRegistered()
	p.selection.Observe(d.Seconds())
}

func (p *Prometheus) SetTeamUtilization(team string, rate float64) {
	p.ensureRegistered()
	p.utilization.WithLabelValues(team).Set(rate)
}
