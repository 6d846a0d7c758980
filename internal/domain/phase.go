package domain

import "time"

// Phase is the visible stage of an announcement.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBell
	PhaseCalling
	PhaseClosing
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBell:
		return "bell"
	case PhaseCalling:
		return "calling"
	case PhaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Snapshot is what the presentation layer renders: the current phase and
// the request being announced (nil when idle).
type Snapshot struct {
	Phase   Phase
	Request *CallRequest
	Since   time.Time
}
