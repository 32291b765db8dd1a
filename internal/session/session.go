// Package session owns the lifecycle of measurement sessions: one session per
// continuous device connection, an ordered buffer of its readings, and the
// summary statistics derived when it closes.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Reading is one telemetry sample. It is immutable once constructed: the
// tracker buffers it and the store persists it, neither mutates it.
type Reading struct {
	ReceivedAt    time.Time `json:"received_at"`
	DeviceID      string    `json:"device_id"`
	Timestamp     int64     `json:"timestamp"`
	RTCTimestamp  int64     `json:"rtc_timestamp,omitempty"`
	RTCDatetime   string    `json:"rtc_datetime,omitempty"`
	ReadingNumber int64     `json:"reading_number"`
	Sequence      int64     `json:"sequence"`
	Temperature   float64   `json:"temperature"`
	PH            float64   `json:"ph"`
	Turbidity     float64   `json:"turbidity"`
	TDS           float64   `json:"tds"`
	EC            float64   `json:"ec"`
	SensorStatus  int64     `json:"sensor_status"`
	Valid         bool      `json:"valid"`
	HealthScore   float64   `json:"health_score"`
	RSSI          int64     `json:"rssi"`
	FreeHeap      int64     `json:"free_heap"`
}

// Stats summarises one measured quantity over a closed session.
type Stats struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Summary holds the per-quantity statistics computed once when a session
// closes.
type Summary struct {
	Temperature Stats `json:"temperature"`
	PH          Stats `json:"ph"`
	Turbidity   Stats `json:"turbidity"`
	TDS         Stats `json:"tds"`
}

// Session is one continuous device-connection lifetime. Data preserves strict
// arrival order and is never reordered.
type Session struct {
	ID            string    `json:"session_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	TotalReadings int       `json:"total_readings"`
	Data          []Reading `json:"data"`
	Summary       Summary   `json:"summary"`
}

// newSessionID derives an identifier from the creation time, with a random
// suffix so rapid reconnects within the same second cannot collide.
func newSessionID(now time.Time) string {
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("session_%d_%04x", now.Unix(), now.Nanosecond()&0xffff)
	}
	return fmt.Sprintf("session_%d_%s", now.Unix(), hex.EncodeToString(buf))
}

// summarize computes min/avg/max per quantity. Temperature counts any
// non-zero value; pH must be strictly positive; turbidity and TDS must be
// non-negative. Quantities with no valid samples report zeros.
func summarize(data []Reading) Summary {
	var temps, phs, turbs, tds []float64
	for _, r := range data {
		if r.Temperature != 0 {
			temps = append(temps, r.Temperature)
		}
		if r.PH > 0 {
			phs = append(phs, r.PH)
		}
		if r.Turbidity >= 0 {
			turbs = append(turbs, r.Turbidity)
		}
		if r.TDS >= 0 {
			tds = append(tds, r.TDS)
		}
	}
	return Summary{
		Temperature: stats(temps),
		PH:          stats(phs),
		Turbidity:   stats(turbs),
		TDS:         stats(tds),
	}
}

func stats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	s := Stats{Min: values[0], Max: values[0]}
	var sum float64
	for _, v := range values {
		sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Avg = sum / float64(len(values))
	return s
}
