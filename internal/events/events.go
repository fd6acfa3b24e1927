// Package events publishes violation session lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
)

// Kind names a session lifecycle event.
type Kind string

const (
	SessionCreated  Kind = "session.created"
	SessionExtended Kind = "session.extended"
	SessionVerified Kind = "session.verified"
	SessionClosed   Kind = "session.closed"
)

// Event is one published message.
type Event struct {
	ID   string    `json:"event_id"`
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	SessionID       string              `json:"session_id,omitempty"`
	Site            string              `json:"site"`
	Camera          string              `json:"camera_id"`
	TrackID         int                 `json:"track_id"`
	ViolationType   model.ViolationType `json:"violation_type,omitempty"`
	DecisionPath    model.DecisionPath  `json:"decision_path,omitempty"`
	OccurrenceCount int                 `json:"occurrence_count,omitempty"`

	// Set on session.verified.
	JobID      string           `json:"job_id,omitempty"`
	Correction model.Correction `json:"correction,omitempty"`

	// Set on session.closed.
	Closed int    `json:"closed,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

// Key partitions events so a camera's events stay ordered.
func (e Event) Key() string {
	return e.Site + "/" + e.Camera
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// FromSession builds a created or extended event for a session row.
func FromSession(kind Kind, s model.ViolationSession, at time.Time) Event {
	return Event{
		ID:              uuid.NewString(),
		Kind:            kind,
		At:              at.UTC(),
		SessionID:       s.ID,
		Site:            s.Site,
		Camera:          s.Camera,
		TrackID:         s.TrackID,
		ViolationType:   s.ViolationType,
		DecisionPath:    s.DecisionPath,
		OccurrenceCount: s.OccurrenceCount,
	}
}

// Publisher sends events. Publish must not block on the broker.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close does nothing.
func (Nop) Close() {}

// Memory keeps published events in memory.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends e.
func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Close does nothing.
func (m *Memory) Close() {}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfKind returns the published events of one kind.
func (m *Memory) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
