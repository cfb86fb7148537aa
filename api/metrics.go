package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	registrations   *prometheus.CounterVec
	authAttempts    *prometheus.CounterVec
	taskOperations  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasker_registrations_total",
			Help: "User registrations by result.",
		}, []string{"result"}),
		authAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasker_auth_attempts_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		taskOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasker_task_operations_total",
			Help: "Task operations by kind and result.",
		}, []string{"operation", "result"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tasker_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
}
