package session

import (
	"errors"
	"sync"
	"time"
)

// recentCapacity bounds the quick-glance diagnostics buffer. It is a separate
// container from the active session buffer, which grows without limit for the
// lifetime of the device connection.
const recentCapacity = 1000

// ErrSessionOpen is returned when Open is called while a session is already
// active. At most one device connection exists, so hitting this indicates a
// router bug rather than a runtime condition.
var ErrSessionOpen = errors.New("session already open")

// ErrNoSession is returned when Append is called with no open session.
var ErrNoSession = errors.New("no open session")

// Tracker owns the single active session plus a bounded ring of the most
// recent readings used for diagnostics.
type Tracker struct {
	mu      sync.Mutex
	current *Session
	recent  []Reading
	total   uint64
}

// NewTracker returns an empty tracker with no open session.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Open starts a new session with a fresh identifier and start timestamp. It
// fails if a session is already open.
func (t *Tracker) Open() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		return "", ErrSessionOpen
	}
	now := time.Now()
	t.current = &Session{
		ID:        newSessionID(now),
		StartTime: now,
	}
	return t.current.ID, nil
}

// Append adds a reading to the active session buffer and the diagnostics
// ring. Appends are O(1) and the session buffer has no upper bound.
func (t *Tracker) Append(r Reading) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	if len(t.recent) == recentCapacity {
		copy(t.recent, t.recent[1:])
		t.recent[len(t.recent)-1] = r
	} else {
		t.recent = append(t.recent, r)
	}
	if t.current == nil {
		return ErrNoSession
	}
	t.current.Data = append(t.current.Data, r)
	return nil
}

// Close finalises the active session: it computes the summary, sets the end
// timestamp, and clears the tracker. A session with zero readings is
// discarded and Close returns nil; callers must not persist a nil result.
func (t *Tracker) Close() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.current
	t.current = nil
	if s == nil || len(s.Data) == 0 {
		return nil
	}
	s.EndTime = time.Now()
	s.TotalReadings = len(s.Data)
	s.Summary = summarize(s.Data)
	return s
}

// Active reports whether a session is currently open.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

// Recent returns a copy of the bounded diagnostics buffer, oldest first.
func (t *Tracker) Recent() []Reading {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Reading, len(t.recent))
	copy(out, t.recent)
	return out
}

// TotalReceived reports how many readings have been appended since startup,
// including those that have scrolled out of the diagnostics ring.
func (t *Tracker) TotalReceived() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
