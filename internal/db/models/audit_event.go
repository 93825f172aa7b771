// Package models holds the row types persisted in PostgreSQL alongside the
// registry key/value table.
package models

import "time"

// AuditEvent is one recorded registry mutation or rejection.
type AuditEvent struct {
	ID           string  `db:"id" json:"id"`
	Action       string  `db:"action" json:"action"` // "group.created", "group.metadata_updated", ...
	Principal    *string `db:"principal" json:"principal,omitempty"`
	GroupID      *string `db:"group_id" json:"group_id,omitempty"` // decimal uint64; NUMERIC(20,0) in the table
	ResourceType *string `db:"resource_type" json:"resource_type,omitempty"`
	ResourceID   *string `db:"resource_id" json:"resource_id,omitempty"`
	IPAddress    *string `db:"ip_address" json:"ip_address,omitempty"`
	AuthMethod   *string `db:"auth_method" json:"auth_method,omitempty"`
	RequestID    *string `db:"request_id" json:"request_id,omitempty"`
	StatusCode   *int    `db:"status_code" json:"status_code,omitempty"`
	// MetadataJSON is the raw JSONB column; Metadata is its decoded form.
	MetadataJSON []byte                 `db:"metadata" json:"-"`
	Metadata     map[string]interface{} `db:"-" json:"metadata,omitempty"`
	CreatedAt    time.Time              `db:"created_at" json:"created_at"`
}
