package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/group-allocator/group-registry/internal/db/models"
	"github.com/group-allocator/group-registry/internal/safego"
	"github.com/group-allocator/group-registry/internal/telemetry"
)

// EventStore persists audit events. *repositories.AuditRepository satisfies it.
type EventStore interface {
	CreateAuditEvent(ctx context.Context, ev *models.AuditEvent) error
}

// DatabaseShipper writes entries into the audit_events table.
type DatabaseShipper struct {
	store EventStore
}

// NewDatabaseShipper creates a shipper backed by store.
func NewDatabaseShipper(store EventStore) *DatabaseShipper {
	return &DatabaseShipper{store: store}
}

// Ship inserts entry as one audit_events row.
func (d *DatabaseShipper) Ship(ctx context.Context, entry *LogEntry) error {
	return d.store.CreateAuditEvent(ctx, toEvent(entry))
}

// Close is a no-op; the connection pool belongs to the caller.
func (d *DatabaseShipper) Close() error { return nil }

func toEvent(e *LogEntry) *models.AuditEvent {
	ev := &models.AuditEvent{
		Action:       e.Action,
		Principal:    optional(e.Principal),
		GroupID:      optional(e.GroupID),
		ResourceType: optional(e.ResourceType),
		ResourceID:   optional(e.ResourceID),
		IPAddress:    optional(e.IPAddress),
		AuthMethod:   optional(e.AuthMethod),
		RequestID:    optional(e.RequestID),
		Metadata:     e.Metadata,
		CreatedAt:    e.Timestamp,
	}
	if e.StatusCode != 0 {
		code := e.StatusCode
		ev.StatusCode = &code
	}
	return ev
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Recorder stamps entries and hands them to a Shipper off the request path.
// A nil *Recorder records nothing.
type Recorder struct {
	shipper     Shipper
	logRejected bool
	timeout     time.Duration

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewRecorder creates a recorder. When logRejected is false, entries whose
// status code is 4xx are dropped.
func NewRecorder(shipper Shipper, logRejected bool) *Recorder {
	return &Recorder{shipper: shipper, logRejected: logRejected, timeout: 10 * time.Second}
}

// Record assigns an id and timestamp if missing and ships the entry in the
// background. It never blocks on the destination.
func (r *Recorder) Record(entry LogEntry) {
	if r == nil || r.shipper == nil {
		return
	}
	if !r.logRejected && entry.StatusCode >= 400 && entry.StatusCode < 500 {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		slog.Warn("audit entry recorded after close", "action", entry.Action, "id", entry.ID)
		return
	}
	r.inflight.Add(1)
	safego.Go("audit-ship", func() {
		defer r.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.shipper.Ship(ctx, &entry); err != nil {
			telemetry.AuditEventsShippedTotal.WithLabelValues("error").Inc()
			slog.Warn("audit entry not shipped", "action", entry.Action, "id", entry.ID, "error", err)
			return
		}
		telemetry.AuditEventsShippedTotal.WithLabelValues("ok").Inc()
	})
}

// Close stops accepting entries, waits for the ones already handed off to
// reach the shipper and then closes it.
func (r *Recorder) Close() error {
	if r == nil || r.shipper == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.inflight.Wait()
	return r.shipper.Close()
}
