package obvcore

import (
	"errors"
	"strconv"

	"github.com/opd-ai/obvcore/channel"
	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/limits"
	"github.com/opd-ai/obvcore/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports engine activity to prometheus. It implements
// protocol.Observer.
type Metrics struct {
	steps       *prometheus.CounterVec
	cancelled   *prometheus.CounterVec
	discarded   *prometheus.CounterVec
	queued      *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	jobLatency  *prometheus.HistogramVec
	maintenance *prometheus.CounterVec
}

var _ protocol.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them on reg. A nil reg
// keeps the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obvcore_protocol_steps_total",
			Help: "Protocol steps executed, by protocol.",
		}, []string{"protocol"}),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obvcore_protocol_cancellations_total",
			Help: "Protocol instances that reached their cancelled state, by protocol.",
		}, []string{"protocol"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obvcore_messages_discarded_total",
			Help: "Inbound messages dropped by the engine, by reason.",
		}, []string{"reason"}),
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obvcore_outbox_queued_total",
			Help: "Outgoing messages written to the outbox, by transport.",
		}, []string{"transport"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obvcore_deliveries_total",
			Help: "Outbox messages handed to the network or identity server, by result.",
		}, []string{"transport", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obvcore_worker_queue_depth",
			Help: "Jobs waiting for an identity worker.",
		}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "obvcore_job_latency_seconds",
			Help:    "Time spent running one worker job, outbox pumping included.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"job"}),
		maintenance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obvcore_maintenance_removed_total",
			Help: "Records removed by periodic maintenance, by kind.",
		}, []string{"kind"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.steps, m.cancelled, m.discarded, m.queued,
		m.deliveries, m.queueDepth, m.jobLatency, m.maintenance,
	}
}

// StepExecuted implements protocol.Observer.
func (m *Metrics) StepExecuted(p protocol.ProtocolID, _, _ protocol.StateID) {
	m.steps.WithLabelValues(protocolLabel(p)).Inc()
}

// InstanceCancelled implements protocol.Observer.
func (m *Metrics) InstanceCancelled(p protocol.ProtocolID) {
	m.cancelled.WithLabelValues(protocolLabel(p)).Inc()
}

// MessageDiscarded implements protocol.Observer.
func (m *Metrics) MessageDiscarded(reason error) {
	m.discarded.WithLabelValues(discardReason(reason)).Inc()
}

// MessageQueued implements protocol.Observer.
func (m *Metrics) MessageQueued(t protocol.Transport) {
	m.queued.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) delivered(t protocol.Transport, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.deliveries.WithLabelValues(t.String(), result).Inc()
}

func (m *Metrics) expired(t protocol.Transport) {
	m.deliveries.WithLabelValues(t.String(), "expired").Inc()
}

func (m *Metrics) maintained(r MaintenanceReport) {
	m.maintenance.WithLabelValues("terminal_instances").Add(float64(r.GC.Terminal))
	m.maintenance.WithLabelValues("abandoned_instances").Add(float64(r.GC.Abandoned))
	m.maintenance.WithLabelValues("expired_messages").Add(float64(r.GC.ExpiredMessages))
	m.maintenance.WithLabelValues("dangling_links").Add(float64(r.GC.DanglingLinks))
	m.maintenance.WithLabelValues("receive_keys").Add(float64(r.ExpiredKeys))
}

func protocolLabel(p protocol.ProtocolID) string {
	return strconv.FormatInt(int64(p), 10)
}

// discardReason maps a discard reason to a bounded label set.
func discardReason(err error) string {
	switch {
	case errors.Is(err, crypto.ErrAuthenticationFailure):
		return "authentication"
	case errors.Is(err, encoder.ErrDecoding):
		return "decoding"
	case errors.Is(err, limits.ErrMessageTooLarge):
		return "too_large"
	case errors.Is(err, protocol.ErrOrphanMessage):
		return "orphan"
	case errors.Is(err, protocol.ErrInstanceTerminated):
		return "terminated"
	case errors.Is(err, protocol.ErrUnexpectedReception):
		return "reception"
	case errors.Is(err, protocol.ErrUnknownProtocol):
		return "unknown_protocol"
	case errors.Is(err, channel.ErrChannelNotFound):
		return "no_channel"
	default:
		return "other"
	}
}
