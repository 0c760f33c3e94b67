// Package metrics holds the Prometheus collectors shared by the pipeline
// packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mediacore"

var (
	DroppedSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "dropped_samples_total",
		Help:      "Samples discarded by a bridge reader because its buffer was full.",
	}, []string{"kind"})

	PublishedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publish",
		Name:      "frames_total",
		Help:      "Frames handed to the session successfully.",
	}, []string{"kind"})

	PublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publish",
		Name:      "retries_total",
		Help:      "Transient send failures that were retried.",
	}, []string{"kind"})

	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publish",
		Name:      "errors_total",
		Help:      "Frames that could not be sent, by reason.",
	}, []string{"kind", "reason"})

	PipelineTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "transitions_total",
		Help:      "Pipeline state transitions, by target state.",
	}, []string{"state"})
)
