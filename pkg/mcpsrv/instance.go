package mcpsrv

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/webbridge/webbridge/pkg/logger"
)

type contextKey string

const instanceIDContextKey contextKey = "webbridge.instance_id"

// HeaderInstanceID is the header clients may use to name their extension
// instance.
const HeaderInstanceID = "X-Instance-Id"

// QueryInstanceID is the query parameter fallback, useful for SSE clients
// that cannot set headers.
const QueryInstanceID = "instanceId"

// Initialize bodies larger than this are not peeked for an instance id.
const maxPeekBytes = 1 << 20

// WithInstanceID stores an instance id candidate on the context.
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, instanceIDContextKey, instanceID)
}

// InstanceIDFromContext returns the instance id candidate, or "".
func InstanceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(instanceIDContextKey).(string); ok {
		return v
	}
	return ""
}

// ExtractInstanceID is HTTP middleware that resolves the instance id a client
// wants its MCP session bound to. Precedence: initialize body
// params.INSTANCE_ID, then the X-Instance-Id header, then the instanceId
// query parameter. The body is restored after peeking so the MCP handler
// reads it untouched.
func ExtractInstanceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instanceID := instanceFromBody(r)
		if instanceID == "" {
			instanceID = r.Header.Get(HeaderInstanceID)
		}
		if instanceID == "" {
			instanceID = r.URL.Query().Get(QueryInstanceID)
		}
		if instanceID != "" {
			r = r.WithContext(WithInstanceID(r.Context(), instanceID))
		}
		next.ServeHTTP(w, r)
	})
}

type readCloser struct {
	io.Reader
	io.Closer
}

func instanceFromBody(r *http.Request) string {
	if r.Method != http.MethodPost || r.Body == nil {
		return ""
	}
	if r.ContentLength > maxPeekBytes {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes+1))
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		logger.Debugw("body peek failed", "error", err)
		return ""
	}
	if int64(len(body)) > maxPeekBytes {
		// Chunked body larger than declared; stitch the read prefix back
		// in front of the unread remainder and skip the peek.
		r.Body = readCloser{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
		return ""
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	parsed := gjson.ParseBytes(body)
	if parsed.Get("method").String() != "initialize" {
		return ""
	}
	return parsed.Get("params.INSTANCE_ID").String()
}
