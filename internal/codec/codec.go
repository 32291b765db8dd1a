// Package codec decodes the JSON envelope shared by every relay connection
// and classifies decoded messages by intent. The envelope schema is
// deliberately open ended: firmware revisions add fields over time and the
// relay must keep working without a redeploy.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dacostaca/WaterQualityMonitoring/internal/session"
)

// SensorDeviceID is the device identifier the ESP32 firmware stamps on every
// telemetry sample.
const SensorDeviceID = "ESP32_WaterMonitor"

// Envelope is a decoded wire message. Unknown fields are preserved so the
// relay can forward payloads verbatim.
type Envelope map[string]any

// Intent labels what a decoded message asks the relay to do.
type Intent string

const (
	// IntentCalibration covers calibrate and get_calibration commands from
	// either side of the relay.
	IntentCalibration Intent = "calibration"
	// IntentDownloadStart announces the device is about to replay its
	// buffered readings.
	IntentDownloadStart Intent = "download_start"
	// IntentReading is a telemetry sample from the sensor unit.
	IntentReading Intent = "reading"
	// IntentDownloadComplete ends a bulk replay.
	IntentDownloadComplete Intent = "download_complete"
	// IntentRequestData asks the relay to pull all buffered readings from
	// the device.
	IntentRequestData Intent = "request_data"
	// IntentRequestHistory asks for the recorded session history.
	IntentRequestHistory Intent = "request_history"
	// IntentDeleteSession asks for one session to be removed from history.
	IntentDeleteSession Intent = "delete_session"
	// IntentUnknown is everything else. Unknown messages are ignored, not
	// rejected, so newer peers stay compatible.
	IntentUnknown Intent = "unknown"
)

// Decode parses a raw frame into an Envelope. A decode error never reaches
// the peer: callers log it and keep reading the connection.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if env == nil {
		return nil, fmt.Errorf("decode message: null payload")
	}
	return env, nil
}

// Classify inspects the discriminator fields in priority order. Device-path
// intents win over observer-path type dispatch because the firmware mixes
// action and device_id fields in the same stream.
func Classify(env Envelope) Intent {
	switch env.String("action") {
	case "calibrate", "get_calibration":
		return IntentCalibration
	case "sending_data":
		return IntentDownloadStart
	}
	if env.String("device_id") == SensorDeviceID {
		return IntentReading
	}
	if env.String("action") == "data_complete" {
		return IntentDownloadComplete
	}
	switch env.String("type") {
	case "request_data":
		return IntentRequestData
	case "request_sessions_history":
		return IntentRequestHistory
	case "delete_session":
		return IntentDeleteSession
	}
	return IntentUnknown
}

// String returns the named field as a string, or "" when absent or of a
// different type.
func (e Envelope) String(key string) string {
	if v, ok := e[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the named field as a float64, tolerating the integer forms
// encoding/json produces for whole numbers.
func (e Envelope) Float(key string) float64 {
	switch v := e[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Int returns the named field truncated to int64.
func (e Envelope) Int(key string) int64 {
	return int64(e.Float(key))
}

// Bool returns the named field as a bool, or false when absent.
func (e Envelope) Bool(key string) bool {
	if v, ok := e[key].(bool); ok {
		return v
	}
	return false
}

// Reading builds an immutable telemetry sample from a device envelope. The
// reception timestamp is supplied by the router at the moment the frame
// arrived.
func Reading(env Envelope, receivedAt time.Time) session.Reading {
	return session.Reading{
		ReceivedAt:    receivedAt,
		DeviceID:      env.String("device_id"),
		Timestamp:     env.Int("timestamp"),
		RTCTimestamp:  env.Int("rtc_timestamp"),
		RTCDatetime:   env.String("rtc_datetime"),
		ReadingNumber: env.Int("reading_number"),
		Sequence:      env.Int("sequence"),
		Temperature:   env.Float("temperature"),
		PH:            env.Float("ph"),
		Turbidity:     env.Float("turbidity"),
		TDS:           env.Float("tds"),
		EC:            env.Float("ec"),
		SensorStatus:  env.Int("sensor_status"),
		Valid:         env.Bool("valid"),
		HealthScore:   env.Float("health_score"),
		RSSI:          env.Int("rssi"),
		FreeHeap:      env.Int("free_heap"),
	}
}
