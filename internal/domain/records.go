package domain

import "time"

// Resource names as published by the remote store.
const (
	ResourceQueue        = "queue_entries"
	ResourceAppointments = "appointments"
)

// StatusCalling is the record status that triggers an announcement.
const StatusCalling = "calling"

// EventType is the kind of row change carried by a ChangeEvent.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is one row change on a named resource. New and Old hold the
// raw column values; Old may be nil when the feed does not send it.
type ChangeEvent struct {
	Resource string
	Type     EventType
	New      map[string]any
	Old      map[string]any
	At       time.Time
}

// QueueEntry is a citizen waiting in the walk-in line.
type QueueEntry struct {
	ID             string `mapstructure:"id"`
	Name           string `mapstructure:"name"`
	SequenceNumber int    `mapstructure:"sequence_number"`
	ServiceID      string `mapstructure:"service_id"`
	Priority       bool   `mapstructure:"priority"`
	Status         string `mapstructure:"status"`
}

// Appointment is a citizen with a scheduled identity-document slot.
type Appointment struct {
	ID           string `mapstructure:"id"`
	Name         string `mapstructure:"name"`
	Service      string `mapstructure:"service"`
	Priority     bool   `mapstructure:"priority"`
	Status       string `mapstructure:"status"`
	ScheduledFor string `mapstructure:"scheduled_for"`
}

// Service is a front-desk service the queue entries point at.
type Service struct {
	ID   string
	Name string
}
