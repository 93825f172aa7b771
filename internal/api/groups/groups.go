// Package groups implements the HTTP handlers of the group registry: group
// creation, metadata updates, pass-through reads and metadata documents.
package groups

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/group-allocator/group-registry/internal/audit"
	"github.com/group-allocator/group-registry/internal/middleware"
	"github.com/group-allocator/group-registry/internal/registry"
)

// maxJSONBody bounds create and update request bodies.
const maxJSONBody = 1 << 20

// Handler serves the group endpoints
type Handler struct {
	reg *registry.Registry
}

// NewHandler creates a group handler over reg
func NewHandler(reg *registry.Registry) *Handler {
	return &Handler{reg: reg}
}

// GroupIDValue is a group id in a JSON body. It accepts a number or a decimal
// string, since ids above 2^53 do not survive JavaScript numbers.
type GroupIDValue struct {
	ID  registry.GroupID
	Set bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *GroupIDValue) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "null" {
		return nil
	}
	id, err := registry.ParseGroupID(s)
	if err != nil {
		return fmt.Errorf("group_id must be a decimal unsigned 64-bit integer")
	}
	g.ID, g.Set = id, true
	return nil
}

// CreateGroupRequest is the body of POST /api/v1/groups and of the
// create_group contract alias.
type CreateGroupRequest struct {
	GroupID GroupIDValue `json:"group_id"`
	// Members are joined with "," into the stored member list
	Members []string `json:"members"`
	// MemberList is stored verbatim; mutually exclusive with Members
	MemberList   *string `json:"member_list"`
	MetadataHash string  `json:"metadata_hash"`
}

// UpdateMetadataRequest is the body of PUT /api/v1/groups/:id/metadata and
// of the update_metadata contract alias (which also carries group_id).
type UpdateMetadataRequest struct {
	GroupID      GroupIDValue `json:"group_id"`
	MetadataHash *string      `json:"metadata_hash"`
}

// GroupView is the JSON shape of a group
type GroupView struct {
	GroupID      uint64   `json:"group_id"`
	Members      []string `json:"members"`
	MemberList   string   `json:"member_list"`
	MetadataHash string   `json:"metadata_hash"`
}

// NewGroupView renders rec for the API
func NewGroupView(rec registry.GroupRecord) GroupView {
	return GroupView{
		GroupID:      uint64(rec.ID),
		Members:      rec.Members.Split(),
		MemberList:   rec.Members.String(),
		MetadataHash: rec.Metadata.String(),
	}
}

func (r *CreateGroupRequest) memberList() (registry.MemberList, error) {
	if r.MemberList != nil && r.Members != nil {
		return registry.MemberList{}, errors.New("members and member_list are mutually exclusive")
	}
	if r.MemberList != nil {
		return registry.NewMemberList([]byte(*r.MemberList)), nil
	}
	for _, m := range r.Members {
		if strings.Contains(m, ",") {
			return registry.MemberList{}, fmt.Errorf("member %q contains a comma", m)
		}
	}
	return registry.JoinMembers(r.Members...), nil
}

// decodeJSON reads a bounded JSON body into dst, rejecting unknown fields.
func decodeJSON(c *gin.Context, dst interface{}) error {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxJSONBody)
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func groupIDParam(c *gin.Context) (registry.GroupID, bool) {
	id, err := registry.ParseGroupID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group id must be a decimal unsigned 64-bit integer"})
		return 0, false
	}
	return id, true
}

// WriteError maps a registry error to its HTTP status
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "group already exists"})
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
	case errors.Is(err, registry.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "only the registry owner can update metadata"})
	default:
		slog.ErrorContext(c.Request.Context(), "registry operation failed",
			"request_id", c.GetString(middleware.RequestIDKey), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// rejected reports whether err is a refusal by the registry rather than a
// failure of it.
func rejected(err error) bool {
	return errors.Is(err, registry.ErrAlreadyExists) ||
		errors.Is(err, registry.ErrNotFound) ||
		errors.Is(err, registry.ErrUnauthorized)
}

// @Summary      Create group
// @Description  Registers a group id with an immutable member list and an initial metadata hash. Anyone may create a group.
// @Tags         Groups
// @Accept       json
// @Produce      json
// @Param        body  body  CreateGroupRequest  true  "group_id, members or member_list, metadata_hash"
// @Success      201  {object}  GroupView
// @Failure      400  {object}  map[string]interface{}  "Invalid request"
// @Failure      409  {object}  map[string]interface{}  "Group already exists"
// @Router       /api/v1/groups [post]
// CreateGroupHandler handles POST /api/v1/groups and /api/v1/contract/create_group
func (h *Handler) CreateGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateGroupRequest
		if err := decodeJSON(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !req.GroupID.Set {
			c.JSON(http.StatusBadRequest, gin.H{"error": "group_id is required"})
			return
		}
		members, err := req.memberList()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		id := req.GroupID.ID
		hash := registry.MetadataHashFromString(req.MetadataHash)
		err = h.reg.CreateGroup(c.Request.Context(), id, members, hash)
		if err != nil {
			if rejected(err) {
				middleware.RecordAudit(c, audit.ActionGroupCreateRejected, id.String(),
					middleware.AuditMetadata(map[string]interface{}{"reason": registry.Outcome(err)}))
			}
			WriteError(c, err)
			return
		}

		middleware.RecordAudit(c, audit.ActionGroupCreated, id.String(),
			middleware.AuditMetadata(map[string]interface{}{
				"member_count":  len(members.Split()),
				"metadata_hash": hash.String(),
			}))
		c.JSON(http.StatusCreated, NewGroupView(registry.GroupRecord{ID: id, Members: members, Metadata: hash}))
	}
}

// @Summary      Update group metadata
// @Description  Replaces the metadata hash of an existing group. Only the registry owner may call it.
// @Tags         Groups
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string                 true  "Group ID"
// @Param        body  body  UpdateMetadataRequest  true  "metadata_hash"
// @Success      200  {object}  map[string]interface{}  "group_id, metadata_hash"
// @Failure      400  {object}  map[string]interface{}  "Invalid request"
// @Failure      401  {object}  map[string]interface{}  "Unauthenticated"
// @Failure      403  {object}  map[string]interface{}  "Caller is not the owner"
// @Failure      404  {object}  map[string]interface{}  "Group not found"
// @Router       /api/v1/groups/{id}/metadata [put]
// UpdateMetadataHandler handles PUT /api/v1/groups/:id/metadata
func (h *Handler) UpdateMetadataHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := groupIDParam(c)
		if !ok {
			return
		}
		var req UpdateMetadataRequest
		if err := decodeJSON(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.GroupID.Set && req.GroupID.ID != id {
			c.JSON(http.StatusBadRequest, gin.H{"error": "group_id in body does not match path"})
			return
		}
		h.updateMetadata(c, id, req.MetadataHash)
	}
}

// ContractUpdateMetadataHandler handles POST /api/v1/contract/update_metadata,
// where the group id travels in the body.
func (h *Handler) ContractUpdateMetadataHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateMetadataRequest
		if err := decodeJSON(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !req.GroupID.Set {
			c.JSON(http.StatusBadRequest, gin.H{"error": "group_id is required"})
			return
		}
		h.updateMetadata(c, req.GroupID.ID, req.MetadataHash)
	}
}

func (h *Handler) updateMetadata(c *gin.Context, id registry.GroupID, raw *string) {
	if raw == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "metadata_hash is required"})
		return
	}
	hash := registry.MetadataHashFromString(*raw)
	caller := registry.Principal(middleware.Principal(c))

	if err := h.reg.UpdateMetadata(c.Request.Context(), caller, id, hash); err != nil {
		if rejected(err) {
			middleware.RecordAudit(c, audit.ActionMetadataUpdateReject, id.String(),
				middleware.AuditMetadata(map[string]interface{}{"reason": registry.Outcome(err)}))
		}
		WriteError(c, err)
		return
	}

	middleware.RecordAudit(c, audit.ActionMetadataUpdated, id.String(),
		middleware.AuditMetadata(map[string]interface{}{"metadata_hash": hash.String()}))
	c.JSON(http.StatusOK, gin.H{
		"group_id":      uint64(id),
		"metadata_hash": hash.String(),
	})
}

// @Summary      Get group
// @Tags         Groups
// @Produce      json
// @Param        id  path  string  true  "Group ID"
// @Success      200  {object}  GroupView
// @Failure      404  {object}  map[string]interface{}  "Group not found"
// @Router       /api/v1/groups/{id} [get]
// GetGroupHandler handles GET /api/v1/groups/:id
func (h *Handler) GetGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := groupIDParam(c)
		if !ok {
			return
		}
		rec, err := h.reg.Group(c.Request.Context(), id)
		if err != nil {
			WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, NewGroupView(rec))
	}
}

// GetMembersHandler handles GET /api/v1/groups/:id/members
func (h *Handler) GetMembersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := groupIDParam(c)
		if !ok {
			return
		}
		members, err := h.reg.Members(c.Request.Context(), id)
		if err != nil {
			WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"group_id":    uint64(id),
			"members":     members.Split(),
			"member_list": members.String(),
		})
	}
}

// GetMetadataHandler handles GET /api/v1/groups/:id/metadata
func (h *Handler) GetMetadataHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := groupIDParam(c)
		if !ok {
			return
		}
		hash, err := h.reg.Metadata(c.Request.Context(), id)
		if err != nil {
			WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"group_id":      uint64(id),
			"metadata_hash": hash.String(),
		})
	}
}

// StatsHandler handles GET /api/v1/stats
func (h *Handler) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		total, err := h.reg.TotalGroups(c.Request.Context())
		if err != nil {
			WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"total_groups": total,
			"owner":        string(h.reg.Owner()),
		})
	}
}
