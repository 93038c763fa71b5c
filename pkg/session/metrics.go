package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics. Label cardinality stays bounded: no session or
// artifact ids in labels.
var (
	metricSessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framelink_sessions_opened_total",
		Help: "Total number of sessions successfully negotiated.",
	})

	metricNegotiationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framelink_negotiation_failures_total",
		Help: "Total number of failed offer/answer exchanges.",
	})

	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "framelink_sessions_active",
		Help: "Current number of registered live sessions.",
	})

	metricSessionReadySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "framelink_session_ready_seconds",
		Help:    "Time from session open to readiness.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	metricOutboundFrames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "framelink_outbound_frames",
		Help: "Frames written to the outbound track in the current session.",
	})

	metricOutboundBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "framelink_outbound_bytes",
		Help: "Encoded bytes written to the outbound track in the current session.",
	})

	metricRemotePackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "framelink_remote_packets",
		Help: "RTP packets received from the backend in the current session.",
	}, []string{"kind"})

	metricControlMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "framelink_control_messages",
		Help: "Control channel messages in the current session, by direction.",
	}, []string{"direction"})

	metricControlDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framelink_control_dropped_total",
		Help: "Control messages dropped because the channel was unavailable.",
	})

	metricRecordingsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framelink_recordings_started_total",
		Help: "Total number of recordings started.",
	})

	metricArtifactsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framelink_artifacts_stored_total",
		Help: "Total number of recording artifacts persisted.",
	})

	metricRecorderActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "framelink_recorder_active",
		Help: "Whether a recording is currently in progress.",
	})

	metricBackendUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "framelink_backend_up",
		Help: "Whether the last backend liveness probe succeeded.",
	})
)
