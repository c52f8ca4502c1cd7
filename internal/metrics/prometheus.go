// Package metrics exposes job lifecycle metrics in the Prometheus format.
//
// Instruments:
//   - automation_jobs_total (counter): completed jobs by action and terminal status
//   - automation_job_duration_seconds (histogram): execution time by action
//   - automation_job_queue_depth (gauge): jobs currently PENDING
package metrics

import (
	"bytes"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/example/automation-gateway/internal/model"
)

// Prometheus owns a private registry; nothing is registered globally.
type Prometheus struct {
	registry   *prometheus.Registry
	jobs       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDepth prometheus.Gauge
}

type Option func(*Prometheus)

// WithRuntimeCollectors adds the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(p *Prometheus) {
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
}

func NewPrometheus(opts ...Option) *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_jobs_total",
			Help: "Total automation jobs completed",
		}, []string{"action", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automation_job_duration_seconds",
			Help:    "Duration of automation jobs in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "automation_job_queue_depth",
			Help: "Number of jobs currently in PENDING state",
		}),
	}
	p.registry.MustRegister(p.jobs, p.duration, p.queueDepth)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Prometheus) IncCompletion(action model.Action, status model.JobStatus) {
	p.jobs.WithLabelValues(string(action), string(status)).Inc()
}

func (p *Prometheus) ObserveDuration(action model.Action, seconds float64) {
	p.duration.WithLabelValues(string(action)).Observe(seconds)
}

func (p *Prometheus) SetPending(n int) {
	p.queueDepth.Set(float64(n))
}

// Completions returns the completion counter for action and status.
func (p *Prometheus) Completions(action model.Action, status model.JobStatus) float64 {
	return p.sample("automation_jobs_total", map[string]string{"action": string(action), "status": string(status)})
}

// Observations returns how many durations were recorded for action.
func (p *Prometheus) Observations(action model.Action) uint64 {
	families, err := p.registry.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != "automation_job_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m.GetLabel(), map[string]string{"action": string(action)}) {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

// Pending returns the current queue depth gauge.
func (p *Prometheus) Pending() float64 {
	return p.sample("automation_job_queue_depth", nil)
}

func (p *Prometheus) sample(name string, labels map[string]string) float64 {
	families, err := p.registry.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m.GetLabel(), labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, lp := range pairs {
		if v, ok := want[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Export renders every metric family in the Prometheus text format, sorted by name.
func (p *Prometheus) Export() ([]byte, error) {
	families, err := p.registry.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
