package attributes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

// TraceIDFromString turns a user-supplied identifier into a trace ID.
// A 32-char hex string is used verbatim; any other non-empty string is
// hashed with SHA-256 so stable inputs yield stable trace IDs. An empty
// string yields the zero trace ID (caller lets the SDK generate one).
func TraceIDFromString(s string) (trace.TraceID, error) {
	if s == "" {
		return trace.TraceID{}, nil
	}

	if len(s) == 32 {
		if traceID, err := trace.TraceIDFromHex(s); err == nil {
			return traceID, nil
		}
	}

	hash := sha256.Sum256([]byte(s))
	traceID, err := trace.TraceIDFromHex(hex.EncodeToString(hash[:16]))
	if err != nil {
		// Unreachable: the hash output is always valid hex.
		return trace.TraceID{}, fmt.Errorf("failed to create trace ID from hash: %w", err)
	}
	return traceID, nil
}
