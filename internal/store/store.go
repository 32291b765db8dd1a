// Package store persists telemetry durably: an append-only CSV log of every
// reading and a full-rewrite snapshot of the session history. Alternative
// backends keep the same contract behind the Store interface so the relay
// core never knows which driver is active.
package store

import (
	"time"

	"github.com/dacostaca/WaterQualityMonitoring/internal/session"
)

// Store is the persistence contract the relay depends on. AppendReading must
// be safe to call many times per second; SaveHistory must complete a full
// durable rewrite before returning so callers can acknowledge mutations.
type Store interface {
	AppendReading(r session.Reading) error
	LoadHistory() ([]session.Session, error)
	SaveHistory(sessions []session.Session) error
}

// rtcEpochFloor is 2021-01-01T00:00:00Z. RTC timestamps at or below it come
// from devices whose clock never synced and are not trusted.
const rtcEpochFloor = 1609459200

// rtcWallClock renders a plausible RTC timestamp as a wall-clock string. The
// firmware reports seconds already expressed in local time, so the value is
// formatted directly with no timezone shift applied. Implausible timestamps
// yield the empty string.
func rtcWallClock(ts int64) string {
	if ts <= rtcEpochFloor {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05")
}
