package httpmw

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/runloom/runloom/internal/common/logger"
)

// Headers used for cross-service correlation. Every inter-service call
// carries both; middleware generates missing values and echoes them back.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"
)

// RequestContext ensures every request has request and trace ids, stores
// them on the request context for logging, and echoes them in the response.
func RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = uuid.NewString()
		}

		ctx := c.Request.Context()
		ctx = context.WithValue(ctx, logger.RequestIDKey, requestID)
		ctx = context.WithValue(ctx, logger.TraceIDKey, traceID)
		c.Request = c.Request.WithContext(ctx)

		c.Writer.Header().Set(HeaderRequestID, requestID)
		c.Writer.Header().Set(HeaderTraceID, traceID)
		c.Next()
	}
}

// RequestIDFromContext returns the request id stored by RequestContext,
// or "" when the context has none.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(logger.RequestIDKey).(string)
	return id
}

// InjectIDs copies request and trace ids from ctx onto an outbound request,
// generating fresh ones when the context has none.
func InjectIDs(ctx context.Context, req *http.Request) {
	requestID, _ := ctx.Value(logger.RequestIDKey).(string)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	traceID, _ := ctx.Value(logger.TraceIDKey).(string)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	req.Header.Set(HeaderRequestID, requestID)
	req.Header.Set(HeaderTraceID, traceID)
}
