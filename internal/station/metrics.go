package station

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the station's Prometheus collectors. All recorders are
// nil-safe so components can run without metrics in tests.
type Metrics struct {
	SlotEvents        *prometheus.CounterVec
	IdentifierEvents  *prometheus.CounterVec
	Matches           *prometheus.CounterVec
	SessionsClosed    *prometheus.CounterVec
	IndicatorCommands *prometheus.CounterVec
	LineErrors        *prometheus.CounterVec
	PersistDropped    *prometheus.CounterVec
	LinkReconnects    prometheus.Counter

	PendingIdentifiers prometheus.Gauge
	SlotsByClass       *prometheus.GaugeVec
	LinkConnected      prometheus.Gauge
	FirmwareMismatch   prometheus.Gauge

	AckLatency   prometheus.Histogram
	PollDuration prometheus.Histogram
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics registers the collectors with the default registry once.
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			SlotEvents: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "chargebay_slot_events_total",
				Help: "Slot sensor events by reported state",
			}, []string{"state"}),
			IdentifierEvents: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "chargebay_identifier_events_total",
				Help: "Identifier reads by source",
			}, []string{"source"}),
			Matches: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "chargebay_matches_total",
				Help: "PRESENT events by match result",
			}, []string{"result"}),
			SessionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "chargebay_sessions_closed_total",
				Help: "Closed charge sessions by whether they met the minimum duration",
			}, []string{"counted"}),
			IndicatorCommands: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "chargebay_indicator_commands_total",
				Help: "Indicator command outcomes",
			}, []string{"result"}),
			LineErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "chargebay_line_errors_total",
				Help: "Inbound lines dropped by reason",
			}, []string{"reason"}),
			PersistDropped: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "chargebay_persist_dropped_total",
				Help: "Queued writes or sink events dropped because a queue was full",
			}, []string{"queue"}),
			LinkReconnects: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chargebay_link_reconnects_total",
				Help: "Link reconnect attempts",
			}),
			PendingIdentifiers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "chargebay_pending_identifiers",
				Help: "Identifier reads waiting for a slot",
			}),
			SlotsByClass: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "chargebay_slots",
				Help: "Slots by classification at the last poll",
			}, []string{"class"}),
			LinkConnected: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "chargebay_link_connected",
				Help: "1 while the controller link is up",
			}),
			FirmwareMismatch: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "chargebay_firmware_mismatch",
				Help: "1 when the controller firmware is outside the configured range",
			}),
			AckLatency: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "chargebay_ack_latency_seconds",
				Help:    "Time from indicator command write to acknowledgment",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2},
			}),
			PollDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "chargebay_poll_duration_seconds",
				Help:    "Poll cycle execution time",
				Buckets: prometheus.DefBuckets,
			}),
		}
	})
	return globalMetrics
}

func (m *Metrics) RecordSlotEvent(state string) {
	if m == nil {
		return
	}
	m.SlotEvents.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordIdentifier(source string) {
	if m == nil {
		return
	}
	m.IdentifierEvents.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordMatch(result string) {
	if m == nil {
		return
	}
	m.Matches.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSessionClosed(counted bool) {
	if m == nil {
		return
	}
	label := "false"
	if counted {
		label = "true"
	}
	m.SessionsClosed.WithLabelValues(label).Inc()
}

func (m *Metrics) RecordIndicator(result string) {
	if m == nil {
		return
	}
	m.IndicatorCommands.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordLineError(reason string) {
	if m == nil {
		return
	}
	m.LineErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDropped(queue string) {
	if m == nil {
		return
	}
	m.PersistDropped.WithLabelValues(queue).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingIdentifiers.Set(float64(n))
}

func (m *Metrics) SetSlotClasses(counts map[Classification]int) {
	if m == nil {
		return
	}
	for _, class := range []Classification{ClassAvailable, ClassCharging, ClassReady} {
		m.SlotsByClass.WithLabelValues(class.String()).Set(float64(counts[class]))
	}
}

func (m *Metrics) ObserveAck(d time.Duration) {
	if m == nil {
		return
	}
	m.AckLatency.Observe(d.Seconds())
}

func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(d.Seconds())
}

func (m *Metrics) LinkConnectedChanged(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.LinkConnected.Set(1)
	} else {
		m.LinkConnected.Set(0)
	}
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.LinkReconnects.Inc()
}

func (m *Metrics) SetFirmwareMismatch(mismatch bool) {
	if m == nil {
		return
	}
	if mismatch {
		m.FirmwareMismatch.Set(1)
	} else {
		m.FirmwareMismatch.Set(0)
	}
}
