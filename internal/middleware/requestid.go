package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the HTTP header used to propagate the request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request id string.
	RequestIDKey = "request_id"
)

// maxRequestIDLen caps ids supplied by callers so they cannot bloat logs.
const maxRequestIDLen = 128

// RequestIDMiddleware ensures every request carries an X-Request-ID.
//
// An inbound X-Request-ID (from a load balancer or the caller) is reused when it
// is present and no longer than 128 bytes; otherwise a UUID v4 is generated.
// The id is stored under RequestIDKey and echoed in the response header so
// callers can correlate a response with the request log and audit trail:
//
//	id := c.GetString(middleware.RequestIDKey)
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
