// Package admin implements owner-only operational endpoints.
package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/group-allocator/group-registry/internal/db/models"
	"github.com/group-allocator/group-registry/internal/db/repositories"
	"github.com/group-allocator/group-registry/internal/middleware"
	"github.com/group-allocator/group-registry/internal/registry"
)

// AuditLister reads recorded audit events. *repositories.AuditRepository
// implements it.
type AuditLister interface {
	ListAuditEvents(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditEvent, int, error)
	GetAuditEvent(ctx context.Context, id string) (*models.AuditEvent, error)
}

// AuditHandler serves the audit trail to the registry owner
type AuditHandler struct {
	events AuditLister
	owner  registry.Principal
}

// NewAuditHandler creates an audit handler
func NewAuditHandler(events AuditLister, owner registry.Principal) *AuditHandler {
	return &AuditHandler{events: events, owner: owner}
}

// RequireOwner rejects callers other than the registry owner with 403.
func RequireOwner(owner registry.Principal) gin.HandlerFunc {
	return func(c *gin.Context) {
		if registry.Principal(middleware.Principal(c)) != owner {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "owner access required"})
			return
		}
		c.Next()
	}
}

// @Summary      List audit events
// @Description  Returns audit events newest first. Owner only.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        principal  query  string  false  "Filter by principal"
// @Param        group_id   query  string  false  "Filter by group id"
// @Param        action     query  string  false  "Filter by action, e.g. group.created"
// @Param        since      query  string  false  "RFC3339 lower bound"
// @Param        until      query  string  false  "RFC3339 upper bound"
// @Param        page       query  int     false  "Page number (default 1)"
// @Param        per_page   query  int     false  "Items per page, max 100 (default 20)"
// @Success      200  {object}  map[string]interface{}  "events, pagination"
// @Failure      400  {object}  map[string]interface{}  "Invalid filter"
// @Failure      403  {object}  map[string]interface{}  "Owner access required"
// @Router       /api/v1/audit [get]
// ListHandler handles GET /api/v1/audit
func (h *AuditHandler) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > 100 {
			perPage = 20
		}

		var filters repositories.AuditFilters
		if v := c.Query("principal"); v != "" {
			filters.Principal = &v
		}
		if v := c.Query("action"); v != "" {
			filters.Action = &v
		}
		if v := c.Query("group_id"); v != "" {
			id, err := registry.ParseGroupID(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "group_id must be a decimal unsigned 64-bit integer"})
				return
			}
			s := id.String()
			filters.GroupID = &s
		}
		for param, dst := range map[string]**time.Time{"since": &filters.Since, "until": &filters.Until} {
			v := c.Query(param)
			if v == "" {
				continue
			}
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": param + " must be an RFC3339 timestamp"})
				return
			}
			*dst = &ts
		}

		events, total, err := h.events.ListAuditEvents(c.Request.Context(), filters, perPage, (page-1)*perPage)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list audit events"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"events": events,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

// GetHandler handles GET /api/v1/audit/:id
func (h *AuditHandler) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid audit event id"})
			return
		}
		ev, err := h.events.GetAuditEvent(c.Request.Context(), id.String())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve audit event"})
			return
		}
		if ev == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Audit event not found"})
			return
		}
		c.JSON(http.StatusOK, ev)
	}
}
