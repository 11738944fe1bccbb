// Package bridge wires the event router, the conflict resolvers and the
// external system adapters into the synchronization engine.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// Predefined errors.
var (
	// ErrMalformedPayload is returned by webhook decoders for payloads that
	// cannot be parsed or lack an external id.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnsupported is returned when an adapter is asked for a kind it does not handle.
	ErrUnsupported = errors.New("unsupported resource kind")

	// ErrUnknownSystem is returned when no adapter is registered for a system.
	ErrUnknownSystem = errors.New("unknown external system")

	// ErrMissingTenant is returned when a first-seen entity carries no tenant.
	ErrMissingTenant = errors.New("first-seen entity has no tenant")
)

// Adapter translates canonical resources to one external system's API.
type Adapter interface {
	System() monitoring.System
	Supports(kind monitoring.Kind) bool

	// CreateRemote registers the resource and returns the id the external
	// system assigned to it.
	CreateRemote(ctx context.Context, r monitoring.Resource) (string, error)
	UpdateRemote(ctx context.Context, externalID string, r monitoring.Resource) error
	DeleteRemote(ctx context.Context, kind monitoring.Kind, externalID string) error
}

// RemoteReader is implemented by adapters that can fetch the current external
// version of a resource for reconciliation.
type RemoteReader interface {
	FetchRemote(ctx context.Context, kind monitoring.Kind, externalID string) (monitoring.Resource, error)
}

// WebhookRegistrar is implemented by adapters whose system pushes changes to
// a callback URL.
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, callbackURL string) (string, error)
	DeregisterWebhook(ctx context.Context, webhookID string) error
}

// WebhookDecoder is implemented by adapters that accept inbound payloads.
type WebhookDecoder interface {
	DecodeWebhook(raw []byte) (*InboundChange, error)
}

// OnCallResolver is implemented by adapters that know who is on call for an
// externally registered schedule.
type OnCallResolver interface {
	OnCall(ctx context.Context, externalScheduleID string, at time.Time) ([]string, error)
}

// Action names what an inbound payload reports.
type Action string

// Inbound actions.
const (
	ActionCheck        Action = "check"
	ActionCreated      Action = "created"
	ActionUpdated      Action = "updated"
	ActionAcknowledged Action = "acknowledged"
	ActionResolved     Action = "resolved"
	ActionReopened     Action = "reopened"
)

// InboundChange is a decoded webhook payload: the external version of one
// resource as the external system sees it.
type InboundChange struct {
	Kind       monitoring.Kind
	ExternalID string

	// TenantID is only present when the external system knows it. It is
	// required to create a first-seen entity.
	TenantID string

	// Resource is the external version. Its ExternalIDs carry ExternalID
	// under the sending system.
	Resource monitoring.Resource

	Action Action

	// Reopen marks an explicit reopen of a resolved alert.
	Reopen bool

	OccurredAt time.Time
}

// IncompleteCreateError is returned by CreateRemote when the entity was
// created remotely but a follow-up call carrying the rest of its state
// failed. The bridge links ExternalID and queues an update.
type IncompleteCreateError struct {
	ExternalID string
	Err        error
}

func (e *IncompleteCreateError) Error() string {
	return "created " + e.ExternalID + " with partial state: " + e.Err.Error()
}

func (e *IncompleteCreateError) Unwrap() error {
	return e.Err
}

// SyncFailure is returned by outbound handlers. It names the one system and
// operation that failed so the retry queue can replay exactly that call.
type SyncFailure struct {
	System     monitoring.System
	Operation  integrationlog.Operation
	Kind       monitoring.Kind
	ResourceID string
	ExternalID string
	Err        error
}

func (f *SyncFailure) Error() string {
	return fmt.Sprintf("%s %s %s %s: %v", f.System, f.Operation, f.Kind, f.ResourceID, f.Err)
}

func (f *SyncFailure) Unwrap() error {
	return f.Err
}

// FailedSystem returns the name of the system that failed.
func (f *SyncFailure) FailedSystem() string {
	return string(f.System)
}
