package email

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process results.
const (
	resultOK             = "ok"
	resultBodyNotFound   = "body_not_found"
	resultProcessorError = "processor_error"
)

var (
	metricProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replyd_records_processed_total",
			Help: "Inbound records processed, by result.",
		},
		[]string{"result"},
	)
	metricCutoffRule = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replyd_cutoff_rule_total",
			Help: "Bodies truncated, by the cutoff rule that fired.",
		},
		[]string{"rule"},
	)
)
