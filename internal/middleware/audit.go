package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/group-allocator/group-registry/internal/audit"
)

const auditEventKey = "audit_event"

// auditEvent is what a handler tells the audit middleware about its outcome.
type auditEvent struct {
	action       string
	groupID      string
	resourceType string
	resourceID   string
	metadata     map[string]interface{}
}

// AuditOption adds detail to an audit entry.
type AuditOption func(*auditEvent)

// AuditResource records the resource the action touched beyond the group.
func AuditResource(kind, id string) AuditOption {
	return func(e *auditEvent) {
		e.resourceType = kind
		e.resourceID = id
	}
}

// AuditMetadata attaches free-form key/values to the entry.
func AuditMetadata(kv map[string]interface{}) AuditOption {
	return func(e *auditEvent) { e.metadata = kv }
}

// RecordAudit marks the current request as auditable. The entry is built and
// shipped by AuditMiddleware once the handler has written its response.
func RecordAudit(c *gin.Context, action, groupID string, opts ...AuditOption) {
	ev := &auditEvent{action: action, groupID: groupID}
	for _, opt := range opts {
		opt(ev)
	}
	c.Set(auditEventKey, ev)
}

// AuditMiddleware ships an audit entry for every request whose handler called
// RecordAudit. Requests without an audit event are ignored, so read endpoints
// cost nothing. A nil recorder disables auditing.
func AuditMiddleware(rec *audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if rec == nil {
			return
		}
		v, ok := c.Get(auditEventKey)
		if !ok {
			return
		}
		ev := v.(*auditEvent)

		rec.Record(audit.LogEntry{
			Action:       ev.action,
			Principal:    c.GetString(PrincipalKey),
			GroupID:      ev.groupID,
			ResourceType: ev.resourceType,
			ResourceID:   ev.resourceID,
			IPAddress:    c.ClientIP(),
			AuthMethod:   c.GetString(AuthMethodKey),
			RequestID:    c.GetString(RequestIDKey),
			StatusCode:   c.Writer.Status(),
			Metadata:     ev.metadata,
		})
	}
}
