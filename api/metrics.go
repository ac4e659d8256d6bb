package api

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// AlertType identifies the kind of spike detected.
type AlertType string

const (
	AlertCriticalAnomalySpike AlertType = "critical_anomaly_spike"
	AlertCriticalEventSpike   AlertType = "critical_event_spike"
)

// AlertEvent describes a spike that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when a spike is detected.
type AlertFunc func(AlertEvent)

// window is a sliding-window counter that fires once per spike.
type window struct {
	hits      []time.Time
	span      time.Duration
	threshold int
	alert     AlertType
	message   string
}

// metricsCollector tracks sliding window counters of critical findings.
type metricsCollector struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	anomaly  window
	received window
	alertFn  AlertFunc
}

const (
	defaultAnomalyWindow    = 5 * time.Minute
	defaultAnomalyThreshold = 10
	defaultEventWindow      = time.Minute
	defaultEventThreshold   = 25
)

func newMetricsCollector(alertFn AlertFunc, clock clockwork.Clock) *metricsCollector {
	return &metricsCollector{
		clock: clock,
		anomaly: window{
			span:      defaultAnomalyWindow,
			threshold: defaultAnomalyThreshold,
			alert:     AlertCriticalAnomalySpike,
			message:   "critical anomaly verdicts exceed threshold",
		},
		received: window{
			span:      defaultEventWindow,
			threshold: defaultEventThreshold,
			alert:     AlertCriticalEventSpike,
			message:   "critical security events exceed threshold",
		},
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditCriticalAnomaly:
		m.record(&m.anomaly)
	case AuditCriticalEvent:
		m.record(&m.received)
	}
}

func (m *metricsCollector) record(w *window) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	w.hits = append(w.hits, now)
	w.hits = trimWindow(w.hits, now, w.span)

	if len(w.hits) >= w.threshold {
		m.alertFn(AlertEvent{
			Type:      w.alert,
			Message:   w.message,
			Count:     len(w.hits),
			Threshold: w.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		w.hits = w.hits[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
