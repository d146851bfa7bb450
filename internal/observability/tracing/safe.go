package tracing

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

var allowedSpanKeys = map[attribute.Key]struct{}{
	"http.method":             {},
	"http.route":              {},
	"http.status_code":        {},
	"http.server_duration_ms": {},
	"request_id":              {},
	"license.id":              {},
	"validation.outcome":      {},
	"licensehub.surface":      {},
	"principal.role":          {},
	"principal.user_id":       {},
}

// SafeAttributes keeps only attributes that cannot carry license keys or
// caller payloads.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedSpanKeys[attr.Key]; ok {
			out = append(out, attr)
		}
	}
	return out
}

// SafeError reduces an error to its message with anything that looks like a
// license key redacted.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return nil
	}
	fields := strings.Fields(msg)
	for i, f := range fields {
		if looksLikeKey(f) {
			fields[i] = "[redacted]"
		}
	}
	return errors.New(strings.Join(fields, " "))
}

func looksLikeKey(token string) bool {
	token = strings.Trim(token, `"'(),.:;`)
	return strings.Count(token, "-") >= 4 && len(token) >= 24
}
