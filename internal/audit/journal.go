// Package audit records job lifecycle events. Recording is best effort:
// a journal never blocks or fails the orchestration that feeds it.
package audit

import (
	"context"
	"slices"
	"sync"
	"time"

	"genjobs/internal/domain"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventSubmitted       EventType = "submitted"
	EventTransitioned    EventType = "transitioned"
	EventCancelRequested EventType = "cancel_requested"
	EventRetried         EventType = "retried"
	EventDeleted         EventType = "deleted"
	EventCleared         EventType = "cleared"
)

// Event is one journal entry.
type Event struct {
	Type    EventType        `json:"type"`
	JobID   string           `json:"job_id"`
	JobKind domain.JobKind   `json:"kind,omitempty"`
	From    domain.JobStatus `json:"from,omitempty"`
	To      domain.JobStatus `json:"to,omitempty"`
	Detail  string           `json:"detail,omitempty"`
	CycleID string           `json:"cycle_id,omitempty"`
	At      time.Time        `json:"at"`
}

// Journal accepts lifecycle events.
type Journal interface {
	Record(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// Memory keeps events in process. Used when no database is configured and
// in tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemory keeps at most limit events; zero means unbounded.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (m *Memory) Record(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = slices.Clone(m.events[len(m.events)-m.limit:])
	}
}

// Events returns a copy of the recorded events, oldest first.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// History returns the newest events for one job, newest first.
func (m *Memory) History(_ context.Context, jobID string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].JobID != jobID {
			continue
		}
		out = append(out, m.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// OrNop returns j, or a Nop journal when j is nil.
func OrNop(j Journal) Journal {
	if j == nil {
		return Nop{}
	}
	return j
}
