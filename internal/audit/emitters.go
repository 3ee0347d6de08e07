package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tenantguard.org/internal/obs"
)

// LogEmitter writes events as structured log lines.
type LogEmitter struct {
	logger *logrus.Logger
}

// NewLogEmitter uses the shared logger when l is nil.
func NewLogEmitter(l *logrus.Logger) *LogEmitter {
	if l == nil {
		l = obs.Logger()
	}
	return &LogEmitter{logger: l}
}

func (e *LogEmitter) Emit(ctx context.Context, evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if evt.RequestID == "" {
		evt.RequestID = RequestIDFromContext(ctx)
	}
	fields := logrus.Fields{
		"type":            "audit",
		"event":           string(evt.Type),
		"event_id":        evt.ID,
		"occurred_at":     evt.OccurredAt.Format(time.RFC3339Nano),
		"actor":           evt.Actor,
		"target":          evt.Target,
		"organization_id": evt.OrganizationID,
	}
	if evt.RoleID != "" {
		fields["role_id"] = evt.RoleID
	}
	if evt.AssignmentID != "" {
		fields["assignment_id"] = evt.AssignmentID
	}
	if evt.RequestID != "" {
		fields["request_id"] = evt.RequestID
	}
	rationale := make(map[string]string, len(evt.Rationale))
	for k, v := range evt.Rationale {
		rationale[k] = v
	}
	fields["rationale"] = rationale
	e.logger.WithFields(fields).Info("audit")
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(_ context.Context, evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events.
func (r *Recorder) OfType(typ EventType) []Event {
	var out []Event
	for _, evt := range r.Events() {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}
