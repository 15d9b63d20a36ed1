// Package correlation resolves the id that ties together the log lines, spans and
// dead-letter records of one exchange.
package correlation

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderCorrelationID  = "Rpcflow-Correlation-Id"
	HeaderXCorrelationID = "X-Correlation-Id"
	HeaderXRequestID     = "X-Request-Id"
	HeaderTraceparent    = "Traceparent"
)

// SourceGenerated marks an id created locally.
const SourceGenerated = "generated"

type ID struct {
	Value  string
	Source string
}

// ExtractOrGenerate extracts the correlation id from headers or generates a new UUID.
// Priority: rpcflow-correlation-id > x-correlation-id > x-request-id > traceparent > new UUID
func ExtractOrGenerate(headers http.Header) ID {
	for _, name := range []string{HeaderCorrelationID, HeaderXCorrelationID, HeaderXRequestID} {
		if id := strings.TrimSpace(headers.Get(name)); id != "" {
			return ID{Value: id, Source: name}
		}
	}
	if tp := headers.Get(HeaderTraceparent); tp != "" {
		if traceID := extractTraceID(tp); traceID != "" {
			return ID{Value: traceID, Source: HeaderTraceparent}
		}
	}
	return ID{Value: uuid.NewString(), Source: SourceGenerated}
}

// extractTraceID parses W3C traceparent format: version-traceid-parentid-flags
func extractTraceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) >= 2 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}

// AddToHeaders sets the correlation header, creating headers if nil.
func AddToHeaders(headers http.Header, id ID) http.Header {
	if headers == nil {
		headers = make(http.Header, 1)
	}
	headers.Set(HeaderCorrelationID, id.Value)
	return headers
}
