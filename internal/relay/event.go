package relay

import (
	"time"

	"github.com/dacostaca/WaterQualityMonitoring/internal/session"
)

// EventType enumerates the telemetry events flowing from the hub to
// downstream consumers such as archival workers or dashboards.
type EventType string

const (
	// EventTypeReading represents a single sensor reading received from
	// the monitoring unit during an active download.
	EventTypeReading EventType = "reading"
	// EventTypeDeviceStatus signals the monitoring unit connecting or
	// disconnecting.
	EventTypeDeviceStatus EventType = "device_status"
	// EventTypeSessionSaved signals that a completed download session was
	// closed and persisted.
	EventTypeSessionSaved EventType = "session_saved"
)

// Event is the wire representation forwarded to the telemetry queue.
type Event struct {
	Type       EventType           `json:"type"`
	Reading    *session.Reading    `json:"reading,omitempty"`
	Device     *DeviceStatusEvent  `json:"device,omitempty"`
	Session    *SessionSavedEvent  `json:"session,omitempty"`
	OccurredAt time.Time           `json:"occurredAt"`
}

// DeviceStatusEvent describes a change in the monitoring unit's connectivity.
type DeviceStatusEvent struct {
	DeviceID  string `json:"deviceId"`
	Connected bool   `json:"connected"`
	Remote    string `json:"remote,omitempty"`
}

// SessionSavedEvent summarises a persisted download session.
type SessionSavedEvent struct {
	SessionID     string `json:"sessionId"`
	TotalReadings int    `json:"totalReadings"`
}
