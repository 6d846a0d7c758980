package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallKind selects how a call is phrased and displayed.
type CallKind int

const (
	KindQueue CallKind = iota
	KindAppointment
)

// String returns a human-readable call kind.
func (k CallKind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindAppointment:
		return "appointment"
	default:
		return "unknown"
	}
}

// CallRequest is one "call this person now" instruction. It is built once
// by the intake adapter and only ever read afterwards; pass it by value.
type CallRequest struct {
	ID             string
	SubjectName    string
	SequenceNumber int // meaningful only for KindQueue
	ServiceLabel   string
	Kind           CallKind
	Priority       bool
	RecordID       string // id of the queue entry / appointment that triggered it
	ReceivedAt     time.Time
}

// NewQueueCall builds a walk-in queue call.
func NewQueueCall(name string, number int, service string, priority bool) (CallRequest, error) {
	return newCall(KindQueue, name, number, service, priority)
}

// NewAppointmentCall builds a scheduled-appointment call. Appointments
// carry no sequence number.
func NewAppointmentCall(name, service string, priority bool) (CallRequest, error) {
	return newCall(KindAppointment, name, 0, service, priority)
}

func newCall(kind CallKind, name string, number int, service string, priority bool) (CallRequest, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return CallRequest{}, fmt.Errorf("%w: subject name is required", ErrInvalidRequest)
	}
	return CallRequest{
		ID:             uuid.NewString(),
		SubjectName:    name,
		SequenceNumber: number,
		ServiceLabel:   strings.TrimSpace(service),
		Kind:           kind,
		Priority:       priority,
		ReceivedAt:     time.Now(),
	}, nil
}

// WithRecord returns a copy tagged with the originating record id.
func (r CallRequest) WithRecord(id string) CallRequest {
	r.RecordID = id
	return r
}

// Validate reports whether the request can be announced.
func (r CallRequest) Validate() error {
	if strings.TrimSpace(r.SubjectName) == "" {
		return fmt.Errorf("%w: subject name is required", ErrInvalidRequest)
	}
	return nil
}

// CallRecord is one finished announcement, as kept in the call history.
type CallRecord struct {
	ID             string
	Kind           CallKind
	SubjectName    string
	SequenceNumber int
	ServiceLabel   string
	Priority       bool
	RecordID       string
	ReceivedAt     time.Time
	CompletedAt    time.Time
}

// RecordOf converts a completed request into a history entry.
func RecordOf(req CallRequest, completedAt time.Time) CallRecord {
	return CallRecord{
		ID:             req.ID,
		Kind:           req.Kind,
		SubjectName:    req.SubjectName,
		SequenceNumber: req.SequenceNumber,
		ServiceLabel:   req.ServiceLabel,
		Priority:       req.Priority,
		RecordID:       req.RecordID,
		ReceivedAt:     req.ReceivedAt,
		CompletedAt:    completedAt,
	}
}
