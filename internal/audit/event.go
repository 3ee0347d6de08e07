// Package audit defines the events the authorization engine emits and the sinks that receive them.
// Storage of audit history is owned by an external collaborator; this package only shapes and
// forwards events.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType names an emitted event.
type EventType string

const (
	RoleAssigned          EventType = "role_assigned"
	RoleRevoked           EventType = "role_revoked"
	PermissionCheckDenied EventType = "permission_check_denied"
)

// Event is a single audit record. Target is the user the event is about; Rationale carries the
// decision detail (matching role, ancestor, revoke reason, ...).
type Event struct {
	ID             string            `json:"id"`
	Type           EventType         `json:"type"`
	OccurredAt     time.Time         `json:"ts"`
	Actor          string            `json:"actor"`
	Target         string            `json:"target"`
	OrganizationID string            `json:"organization_id"`
	RoleID         string            `json:"role_id,omitempty"`
	AssignmentID   string            `json:"assignment_id,omitempty"`
	RequestID      string            `json:"request_id,omitempty"`
	Rationale      map[string]string `json:"rationale,omitempty"`
}

// NewEvent stamps a fresh id and timestamp.
func NewEvent(typ EventType, actor, target, organizationID string, at time.Time) Event {
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		ID:             uuid.NewString(),
		Type:           typ,
		OccurredAt:     at.UTC(),
		Actor:          actor,
		Target:         target,
		OrganizationID: organizationID,
		Rationale:      map[string]string{},
	}
}

// Validate rejects events that a sink could not interpret.
func (e Event) Validate() error {
	if strings.TrimSpace(string(e.Type)) == "" {
		return errors.New("event type is required")
	}
	if e.ID == "" {
		return errors.New("event id is required")
	}
	return nil
}

// Emitter receives audit events.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, evt Event) error

func (f EmitterFunc) Emit(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Multi fans an event out to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, evt Event) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, Event) error { return nil })

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
