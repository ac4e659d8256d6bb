package api

import (
	"time"

	"github.com/brokerportal/sessionguard/platform"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StoredEvent is a security event as recorded by the platform.
type StoredEvent struct {
	ID         string `json:"id"`
	ReceivedAt string `json:"received_at"`
	platform.SecurityEvent
}

// ListEventsResponse is a page of stored events, newest first.
type ListEventsResponse struct {
	Events []StoredEvent `json:"events"`
	PaginationMeta
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
