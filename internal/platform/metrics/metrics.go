// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RunsStarted    *prometheus.CounterVec
	RunsFinished   *prometheus.CounterVec
	JobsFinished   *prometheus.CounterVec
	AppliesByPath  *prometheus.CounterVec
	CommentUpserts *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	m := &Registry{
		reg: reg,
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonepilot",
			Name:      "runs_started_total",
			Help:      "Pipeline runs started, by trigger kind.",
		}, []string{"trigger"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonepilot",
			Name:      "runs_finished_total",
			Help:      "Pipeline runs finished, by terminal status.",
		}, []string{"status"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonepilot",
			Name:      "jobs_finished_total",
			Help:      "Pipeline jobs finished, by job name and status.",
		}, []string{"job", "status"}),
		AppliesByPath: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonepilot",
			Name:      "applies_total",
			Help:      "Apply executions, by path taken (exact or auto).",
		}, []string{"path"}),
		CommentUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonepilot",
			Name:      "comment_upserts_total",
			Help:      "Status comment upserts, by category and action.",
		}, []string{"category", "action"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zonepilot",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a pipeline run from dispatch to finish.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"trigger"}),
	}

	reg.MustRegister(
		m.RunsStarted,
		m.RunsFinished,
		m.JobsFinished,
		m.AppliesByPath,
		m.CommentUpserts,
		m.RunDuration,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
