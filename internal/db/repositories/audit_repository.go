// Package repositories implements PostgreSQL queries for rows that live next
// to the registry key/value table.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/group-allocator/group-registry/internal/db/models"
)

const auditColumns = `id, action, principal, group_id, resource_type, resource_id,
	ip_address, auth_method, request_id, status_code, metadata, created_at`

// AuditRepository handles audit event database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: sqlx.NewDb(db, "postgres")}
}

// AuditFilters narrows ListAuditEvents. Nil fields are ignored.
type AuditFilters struct {
	Principal *string
	GroupID   *string
	Action    *string
	Since     *time.Time
	Until     *time.Time
}

func (f AuditFilters) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(cond, len(args)))
	}
	if f.Principal != nil {
		add("principal = $%d", *f.Principal)
	}
	if f.GroupID != nil {
		add("group_id = $%d", *f.GroupID)
	}
	if f.Action != nil {
		add("action = $%d", *f.Action)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at <= $%d", *f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// CreateAuditEvent inserts ev, assigning its ID and CreatedAt
func (r *AuditRepository) CreateAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	ev.ID = uuid.New().String()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if ev.Metadata != nil {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		ev.MetadataJSON = raw
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO audit_events (`+auditColumns+`)
		VALUES (:id, :action, :principal, :group_id, :resource_type, :resource_id,
			:ip_address, :auth_method, :request_id, :status_code, :metadata, :created_at)
	`, ev)
	return err
}

// ListAuditEvents returns matching events, newest first, and the total count
func (r *AuditRepository) ListAuditEvents(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditEvent, int, error) {
	where, args := filters.where()

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM audit_events`+where, args...); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_events%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		auditColumns, where, len(args)+1, len(args)+2)
	events := make([]*models.AuditEvent, 0)
	if err := r.db.SelectContext(ctx, &events, query, append(args, limit, offset)...); err != nil {
		return nil, 0, err
	}
	for _, ev := range events {
		if err := decodeMetadata(ev); err != nil {
			return nil, 0, err
		}
	}
	return events, total, nil
}

// GetAuditEvent returns the event with id, or nil when none exists
func (r *AuditRepository) GetAuditEvent(ctx context.Context, id string) (*models.AuditEvent, error) {
	ev := &models.AuditEvent{}
	err := r.db.GetContext(ctx, ev, `SELECT `+auditColumns+` FROM audit_events WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, decodeMetadata(ev)
}

func decodeMetadata(ev *models.AuditEvent) error {
	if len(ev.MetadataJSON) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.MetadataJSON, &ev.Metadata); err != nil {
		return fmt.Errorf("failed to decode audit metadata for %s: %w", ev.ID, err)
	}
	return nil
}
