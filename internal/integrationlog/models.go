// Package integrationlog records every synchronization attempt and keeps the
// bounded retry queue for failed outbound calls.
package integrationlog

import (
	"encoding/json"
	"errors"
	"time"
)

// Predefined errors.
var (
	// ErrNotFound is returned when a sync error does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotDeadLettered is returned when requeueing an item that is not dead-lettered.
	ErrNotDeadLettered = errors.New("sync error is not dead-lettered")
)

// EventType classifies a log entry.
type EventType string

// Log entry types.
const (
	TypeCreate            EventType = "create"
	TypeUpdate            EventType = "update"
	TypeDelete            EventType = "delete"
	TypeInboundFirstSeen  EventType = "inbound.first_seen"
	TypeInboundMerge      EventType = "inbound.merge"
	TypeInboundUnchanged  EventType = "inbound.unchanged"
	TypeInboundDropped    EventType = "inbound.dropped"
	TypeBroadcast         EventType = "broadcast"
	TypeSyncError         EventType = "sync.error"
	TypeReconcile         EventType = "reconcile.completed"
	TypeRetrySucceeded    EventType = "retry.succeeded"
	TypeDeadLetter        EventType = "retry.dead_letter"
	TypeWebhookRegister   EventType = "webhook.register"
	TypeWebhookDeregister EventType = "webhook.deregister"
	TypeNotify            EventType = "notify"
)

// Entry is an immutable record of one synchronization attempt.
type Entry struct {
	ID           string                 `json:"id"`
	Seq          int64                  `json:"seq"`
	TenantID     string                 `json:"tenantId"`
	EventType    EventType              `json:"eventType"`
	ResourceType string                 `json:"resourceType,omitempty"`
	ResourceID   string                 `json:"resourceId,omitempty"`
	System       string                 `json:"system,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// EntryFilter narrows a log listing.
type EntryFilter struct {
	TenantID   string
	ResourceID string
	EventType  EventType
	AfterSeq   int64
	// Limit caps the result. Zero means no limit.
	Limit int
}

// Status is the state of a queued sync error.
type Status string

// Sync error states.
const (
	StatusPending    Status = "pending"
	StatusDeadLetter Status = "dead_letter"
	StatusSucceeded  Status = "succeeded"
)

// Operation is the outbound call that failed.
type Operation string

// Outbound operations.
const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// SyncError is a failed outbound attempt waiting for retry.
type SyncError struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId"`
	EventType    string          `json:"eventType"`
	System       string          `json:"system"`
	Operation    Operation       `json:"operation"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	ExternalID   string          `json:"externalId,omitempty"`
	Error        string          `json:"error"`
	EventData    json.RawMessage `json:"eventData,omitempty"`

	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"maxAttempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	Status        Status    `json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy.
func (s *SyncError) Clone() *SyncError {
	if s == nil {
		return nil
	}
	out := *s
	if s.EventData != nil {
		out.EventData = append(json.RawMessage(nil), s.EventData...)
	}
	return &out
}

// SyncErrorFilter narrows a sync error listing.
type SyncErrorFilter struct {
	TenantID string
	Status   Status
	// DueBefore restricts the result to items whose next attempt is not after it.
	DueBefore time.Time
	Limit     int
}
