package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/attendance"
	"qrattend/internal/reconcile"
)

// Metrics holds the station's collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	Scans               *prometheus.CounterVec
	Cycles              *prometheus.CounterVec
	PushRecords         *prometheus.CounterVec
	PullRecords         *prometheus.CounterVec
	QueueSize           prometheus.Gauge
	ConsecutiveFailures prometheus.Gauge
	CycleSeconds        prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_scans_total",
			Help: "Scans processed, by outcome.",
		}, []string{"outcome"}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_sync_cycles_total",
			Help: "Sync cycles, by outcome.",
		}, []string{"outcome"}),
		PushRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_push_records_total",
			Help: "Records pushed to the authority, by result.",
		}, []string{"result"}),
		PullRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_pull_records_total",
			Help: "Records pulled from the authority, by merge action.",
		}, []string{"action"}),
		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendance_offline_queue_size",
			Help: "Records waiting in the offline queue.",
		}),
		ConsecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendance_sync_consecutive_failures",
			Help: "Sync cycles failed in a row.",
		}),
		CycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendance_sync_cycle_seconds",
			Help:    "Duration of sync cycles that ran.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
	m.reg.MustRegister(
		m.Scans, m.Cycles, m.PushRecords, m.PullRecords,
		m.QueueSize, m.ConsecutiveFailures, m.CycleSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveScan counts an accepted scan by action and a rejected one by error kind.
func (m *Metrics) ObserveScan(out attendance.Outcome) {
	label := string(out.Action)
	if !out.Accepted {
		label = "rejected"
		if out.Kind != "" {
			label = strings.ToLower(string(out.Kind))
		}
	}
	m.Scans.WithLabelValues(label).Inc()
}

// ObserveCycle records a finished or skipped cycle.
func (m *Metrics) ObserveCycle(rep reconcile.Report, failures int) {
	m.Cycles.WithLabelValues(string(rep.Outcome)).Inc()
	m.ConsecutiveFailures.Set(float64(failures))
	switch rep.Outcome {
	case reconcile.OutcomeOK, reconcile.OutcomeFailed:
	default:
		return
	}
	m.CycleSeconds.Observe(rep.Duration.Seconds())
	m.PushRecords.WithLabelValues("acked").Add(float64(rep.Pushed))
	m.PushRecords.WithLabelValues("rejected").Add(float64(rep.Rejected))
	m.PushRecords.WithLabelValues("parked").Add(float64(rep.Parked))
	m.PullRecords.WithLabelValues("added").Add(float64(rep.Pull.Added))
	m.PullRecords.WithLabelValues("updated").Add(float64(rep.Pull.Updated))
	m.PullRecords.WithLabelValues("kept").Add(float64(rep.Pull.Kept))
	m.PullRecords.WithLabelValues("deferred").Add(float64(rep.Pull.Deferred))
	m.PullRecords.WithLabelValues("invalid").Add(float64(rep.Pull.Invalid))
}

func (m *Metrics) SetQueueSize(n int) { m.QueueSize.Set(float64(n)) }
