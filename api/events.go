package api

import (
	"net/http"
	"slices"
	"sync"

	"github.com/brokerportal/sessionguard/internal/uuid"
	"github.com/brokerportal/sessionguard/platform"
)

// maxStoredEvents caps the in-memory event log; the oldest are dropped.
const maxStoredEvents = 5000

type eventLog struct {
	mu     sync.RWMutex
	max    int
	events []StoredEvent
}

func newEventLog(max int) *eventLog {
	return &eventLog{max: max}
}

func (l *eventLog) append(e StoredEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	if len(l.events) > l.max {
		l.events = slices.Delete(l.events, 0, len(l.events)-l.max)
	}
}

// newestFirst returns the events matching severity (all when empty).
func (l *eventLog) newestFirst(severity platform.Severity) []StoredEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]StoredEvent, 0, len(l.events))
	for i := len(l.events) - 1; i >= 0; i-- {
		if severity == "" || l.events[i].Severity == severity {
			out = append(out, l.events[i])
		}
	}
	return out
}

func validSeverity(s platform.Severity) bool {
	switch s {
	case platform.SeverityLow, platform.SeverityMedium, platform.SeverityHigh, platform.SeverityCritical:
		return true
	}
	return false
}

// LogSecurityEvent handles POST /rest/v1/security_events.
func (a *API) LogSecurityEvent(w http.ResponseWriter, r *http.Request) {
	var in platform.SecurityEvent
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if in.Severity == "" {
		in.Severity = platform.SeverityLow
	}
	if !validSeverity(in.Severity) {
		writeError(w, http.StatusBadRequest, "invalid severity")
		return
	}

	stored := StoredEvent{
		ID:            uuid.New(),
		ReceivedAt:    formatTime(a.clock.Now()),
		SecurityEvent: in,
	}
	a.events.append(stored)
	if a.webhook != nil {
		a.webhook.enqueue(stored)
	}

	event := AuditEventReceived
	if in.Severity == platform.SeverityCritical {
		event = AuditCriticalEvent
	}
	a.audit.log(event, r)
	w.WriteHeader(http.StatusAccepted)
}

// ListSecurityEvents handles GET /rest/v1/security_events. It accepts
// severity, limit and offset query parameters.
func (a *API) ListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	severity := platform.Severity(r.URL.Query().Get("severity"))
	if severity != "" && !validSeverity(severity) {
		writeError(w, http.StatusBadRequest, "invalid severity")
		return
	}
	events, meta := slicePage(a.events.newestFirst(severity), pageFromQuery(r.URL.Query()))
	writeJSON(w, http.StatusOK, ListEventsResponse{
		Events:         events,
		PaginationMeta: meta,
	})
}
