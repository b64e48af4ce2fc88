package storage

import (
	"time"

	"github.com/google/uuid"
)

// EventWriter is the audit sink.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *Event)
	Close()
}

// EventType names the kind of audit event.
type EventType string

const (
	EventCompilation EventType = "compilation_attempt"
	EventExecution   EventType = "execution_attempt"
	EventViolation   EventType = "security_violation"
	EventImport      EventType = "import_attempt"
)

// Event is one audit record. Only the fields relevant to Type are set.
type Event struct {
	EventID     string
	Type        EventType
	Timestamp   time.Time
	RequestID   string
	TenantID    string
	ToolID      string
	ContentHash string

	// compilation_attempt, execution_attempt
	Success bool
	// execution_attempt
	Outcome    string
	ErrorKind  string
	Limit      string
	DurationMs float32
	Mode       string

	// compilation_attempt, execution_attempt, security_violation
	Message        string
	ViolationKinds []string
	Details        []string

	// import_attempt
	Module  string
	Allowed bool
}

// NewEvent stamps an event of type t with a fresh id and the current time.
func NewEvent(t EventType, tenantID, toolID string) *Event {
	return &Event{
		EventID:   uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		ToolID:    toolID,
	}
}

// MultiWriter fans every event out to several writers.
type MultiWriter []EventWriter

func (m MultiWriter) Write(event *Event) {
	for _, w := range m {
		w.Write(event)
	}
}

func (m MultiWriter) Close() {
	for _, w := range m {
		w.Close()
	}
}
