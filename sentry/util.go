package sentry

import (
	"encoding/hex"
	"unicode/utf8"

	"github.com/google/uuid"
)

func uuid4() [16]byte {
	return uuid.New()
}

// NewEventID returns a random 32 character hex identifier.
func NewEventID() EventID {
	id := uuid4()
	return EventID(hex.EncodeToString(id[:]))
}

// newTraceID returns a random 32 character hex trace identifier.
func newTraceID() string {
	id := uuid4()
	return hex.EncodeToString(id[:])
}

// newSpanID returns a random 16 character hex span identifier.
func newSpanID() string {
	id := uuid4()
	return hex.EncodeToString(id[8:])
}

// truncate cuts s to at most max runes, marking the cut with an ellipsis.
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}

func boolPtr(b bool) *bool {
	return &b
}

// Rate is a helper for the optional rate fields of ClientOptions.
func Rate(v float64) *float64 {
	return &v
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneContexts(m map[string]Context) map[string]Context {
	if m == nil {
		return nil
	}
	out := make(map[string]Context, len(m))
	for k, v := range m {
		out[k] = cloneAnyMap(v)
	}
	return out
}
