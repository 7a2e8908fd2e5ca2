package models

import (
	"time"

	"github.com/google/uuid"
)

type Server struct {
	ID           int64
	PublicID     uuid.UUID
	Domain       string
	APIURL       string
	APIKey       string
	Active       bool
	WarmupDay    int
	DailyLimit   int
	SentCount    int64
	SuccessCount int64
	ErrorCount   int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type RecipientClass struct {
	Key     string
	Active  bool
	Domains []string
}

// ClassStat is the per server × recipient class warmup state.
type ClassStat struct {
	ServerID       int64
	ClassKey       string
	WarmupDay      int
	SentToday      int
	DeliveredToday int
	FailsToday     int
	Score          int
	LastUpdated    time.Time
}

// ClassDayUpdate is what the warmup loop writes back for one class.
type ClassDayUpdate struct {
	OldDay int
	NewDay int
}

type EventType string

const (
	EventSent      EventType = "sent"
	EventDelivered EventType = "delivered"
	EventFailed    EventType = "failed"
	EventBounced   EventType = "bounced"
	EventOpened    EventType = "opened"
	EventClicked   EventType = "clicked"
	EventDNSError  EventType = "dns_error"
)

// Valid reports whether t belongs to the closed set of history event types.
func (t EventType) Valid() bool {
	switch t {
	case EventSent, EventDelivered, EventFailed, EventBounced, EventOpened, EventClicked, EventDNSError:
		return true
	}
	return false
}

// Failure reports whether the event counts against a server's success rate.
func (t EventType) Failure() bool {
	return t == EventFailed || t == EventBounced || t == EventDNSError
}

// EventMeta is the JSON blob stored alongside history events.
type EventMeta struct {
	TemplateName string `json:"template_name,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	ThreadDepth  int    `json:"thread_depth,omitempty"`
	BaseName     string `json:"base_name,omitempty"`
	Tag          string `json:"tag,omitempty"`
}

type HistoryEvent struct {
	ID         int64
	ServerID   int64
	TemplateID *int64
	MessageID  *string
	EmailFrom  string
	EventType  EventType
	Timestamp  time.Time
	Meta       EventMeta
}

type HistoryEventCreateParams struct {
	ServerID   int64
	TemplateID *int64
	MessageID  string
	EmailFrom  string
	EventType  EventType
	Meta       EventMeta
}

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobSent       JobStatus = "sent"
	JobFailed     JobStatus = "failed"
)

// JobMeta travels with a queued delivery job.
type JobMeta struct {
	Domain            string `json:"domain,omitempty"`
	Prefix            string `json:"prefix,omitempty"`
	TemplateID        *int64 `json:"template_id,omitempty"`
	TemplateName      string `json:"template_name,omitempty"`
	OriginalMessageID string `json:"original_message_id,omitempty"`
	ThreadID          string `json:"thread_id,omitempty"`
	ThreadDepth       int    `json:"thread_depth,omitempty"`
	BaseName          string `json:"base_name,omitempty"`
	Tag               string `json:"tag,omitempty"`
}

type QueueJob struct {
	ID          int64
	PublicID    uuid.UUID
	ServerID    int64
	To          string
	From        string
	Subject     string
	Meta        JobMeta
	Attempts    int
	Status      JobStatus
	ScheduledAt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DoneAt      *time.Time
}

type QueueJobCreateParams struct {
	ServerID    int64
	To          string
	From        string
	Subject     string
	Meta        JobMeta
	Attempts    int
	ScheduledAt time.Time
}

type Template struct {
	ID        int64
	Name      string
	Subjects  []string
	TextBody  string
	HTMLBody  string
	FromName  string
	ReplyTo   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ServerStat struct {
	ServerID        int64
	Date            time.Time
	Hour            int
	SentCount       int
	SuccessCount    int
	ErrorCount      int
	AvgResponseTime float64
}

type ThreadStats struct {
	RepliesToday  int
	ActiveThreads int
}
