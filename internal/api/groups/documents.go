package groups

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/group-allocator/group-registry/internal/audit"
	"github.com/group-allocator/group-registry/internal/documents"
	"github.com/group-allocator/group-registry/internal/middleware"
	"github.com/group-allocator/group-registry/internal/registry"
	"github.com/group-allocator/group-registry/internal/validation"
)

// SignatureHeader carries a base64 encoded detached OpenPGP signature when a
// document is uploaded as a raw body.
const SignatureHeader = "X-Document-Signature"

// signatureAllowance is extra body room for the signature part of a
// multipart upload.
const signatureAllowance = 64 << 10

// DocumentHandler serves metadata documents
type DocumentHandler struct {
	reg     *registry.Registry
	docs    *documents.Service
	maxSize int64
}

// NewDocumentHandler creates a document handler. maxSize bounds the request
// body and should match documents.max_size_bytes.
func NewDocumentHandler(reg *registry.Registry, docs *documents.Service, maxSize int64) *DocumentHandler {
	return &DocumentHandler{reg: reg, docs: docs, maxSize: maxSize}
}

// @Summary      Upload group metadata document
// @Description  Stores a metadata document under its SHA-256 digest and sets the group's metadata hash to that digest. Owner only. Send the document as the raw body (signature in X-Document-Signature, base64) or as multipart/form-data with "document" and optional "signature" parts.
// @Tags         Documents
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Group ID"
// @Success      201  {object}  map[string]interface{}  "group_id, metadata_hash, document"
// @Failure      400  {object}  map[string]interface{}  "Empty document or missing signature"
// @Failure      403  {object}  map[string]interface{}  "Caller is not the owner"
// @Failure      404  {object}  map[string]interface{}  "Group not found"
// @Failure      413  {object}  map[string]interface{}  "Document too large"
// @Failure      422  {object}  map[string]interface{}  "Signature does not verify"
// @Router       /api/v1/groups/{id}/documents [post]
// UploadHandler handles POST /api/v1/groups/:id/documents
func (h *DocumentHandler) UploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := groupIDParam(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		caller := registry.Principal(middleware.Principal(c))

		// Refuse before storing anything the caller could not attach.
		if caller != h.reg.Owner() {
			middleware.RecordAudit(c, audit.ActionMetadataUpdateReject, id.String(),
				middleware.AuditMetadata(map[string]interface{}{"reason": "unauthorized", "via": "document"}))
			WriteError(c, registry.ErrUnauthorized)
			return
		}
		if _, err := h.reg.Metadata(ctx, id); err != nil {
			WriteError(c, err)
			return
		}

		data, sig, contentType, err := h.readUpload(c)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "document exceeds maximum size"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		doc, err := h.docs.Put(ctx, data, sig, contentType)
		if err != nil {
			writeDocumentError(c, err)
			return
		}

		hash := registry.MetadataHashFromString(doc.SHA256)
		if err := h.reg.UpdateMetadata(ctx, caller, id, hash); err != nil {
			WriteError(c, err)
			return
		}

		middleware.RecordAudit(c, audit.ActionDocumentUploaded, id.String(),
			middleware.AuditResource("document", doc.SHA256),
			middleware.AuditMetadata(map[string]interface{}{
				"cid":    doc.CID,
				"size":   doc.Size,
				"signer": doc.Signer,
			}))
		c.JSON(http.StatusCreated, gin.H{
			"group_id":      uint64(id),
			"metadata_hash": doc.SHA256,
			"document":      doc,
		})
	}
}

// readUpload returns the document body, its optional signature and content
// type from either a multipart form or a raw body.
func (h *DocumentHandler) readUpload(c *gin.Context) ([]byte, []byte, string, error) {
	limit := h.maxSize + 1
	mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))

	if mediaType == "multipart/form-data" {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+signatureAllowance)
		data, contentType, err := readFormFile(c, "document")
		if err != nil {
			return nil, nil, "", err
		}
		sig, _, err := readFormFile(c, "signature")
		if err != nil && !errors.Is(err, http.ErrMissingFile) {
			return nil, nil, "", err
		}
		return data, sig, contentType, nil
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, nil, "", err
	}
	var sig []byte
	if enc := c.GetHeader(SignatureHeader); enc != "" {
		if sig, err = base64.StdEncoding.DecodeString(enc); err != nil {
			return nil, nil, "", errors.New("signature header is not valid base64")
		}
	}
	return data, sig, c.GetHeader("Content-Type"), nil
}

func readFormFile(c *gin.Context, field string) ([]byte, string, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, "", err
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	return data, fh.Header.Get("Content-Type"), err
}

func writeDocumentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, documents.ErrEmpty), errors.Is(err, documents.ErrSignatureRequired),
		errors.Is(err, documents.ErrInvalidRef):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, documents.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, validation.ErrSignatureInvalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, documents.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
	default:
		slog.ErrorContext(c.Request.Context(), "document operation failed",
			"request_id", c.GetString(middleware.RequestIDKey), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// @Summary      Get metadata document
// @Description  Returns a stored document by SHA-256 hex digest or CIDv1. The body is re-hashed before it is served.
// @Tags         Documents
// @Param        ref  path  string  true  "SHA-256 hex digest or CID"
// @Success      200  {file}    binary
// @Failure      400  {object}  map[string]interface{}  "Malformed reference"
// @Failure      404  {object}  map[string]interface{}  "Document not found"
// @Router       /api/v1/documents/{ref} [get]
// GetHandler handles GET /api/v1/documents/:ref
func (h *DocumentHandler) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		data, doc, err := h.docs.Get(c.Request.Context(), c.Param("ref"))
		if err != nil {
			writeDocumentError(c, err)
			return
		}

		c.Header("ETag", strconv.Quote(doc.SHA256))
		c.Header("X-Content-SHA256", doc.SHA256)
		c.Header("X-Content-CID", doc.CID)
		if doc.Signer != "" {
			c.Header("X-Document-Signer", doc.Signer)
		}
		c.Header("Cache-Control", "public, max-age=31536000, immutable")
		c.Data(http.StatusOK, doc.ContentType, data)
	}
}
