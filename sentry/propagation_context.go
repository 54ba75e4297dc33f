package sentry

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// PropagationContext keeps a trace going across scopes even when no span is
// active or tracing is disabled.
type PropagationContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	// Sampled is the upstream decision, nil when none was made.
	Sampled *bool
	// DynamicSamplingContext is set when inherited from an incoming trace and
	// is then frozen.
	DynamicSamplingContext map[string]string
}

// NewPropagationContext starts a fresh trace.
func NewPropagationContext() PropagationContext {
	return PropagationContext{
		TraceID: newTraceID(),
		SpanID:  newSpanID(),
	}
}

func (p PropagationContext) clone() PropagationContext {
	if p.Sampled != nil {
		p.Sampled = boolPtr(*p.Sampled)
	}
	p.DynamicSamplingContext = cloneStringMap(p.DynamicSamplingContext)
	return p
}

// traceContext renders the propagation context as the "trace" event context.
func (p PropagationContext) traceContext() Context {
	ctx := Context{
		"trace_id": p.TraceID,
		"span_id":  p.SpanID,
	}
	if p.ParentSpanID != "" {
		ctx["parent_span_id"] = p.ParentSpanID
	}
	return ctx
}

const (
	// SentryTraceHeader carries trace id, span id and sampling decision.
	SentryTraceHeader = "sentry-trace"
	// BaggageHeader carries the dynamic sampling context.
	BaggageHeader = "baggage"

	baggagePrefix = "sentry-"
)

var sentryTraceRegex = regexp.MustCompile(`^[ \t]*([0-9a-f]{32})?-?([0-9a-f]{16})?-?([01])?[ \t]*$`)

// ContinueFromHeaders builds a propagation context from incoming sentry-trace
// and baggage header values. A malformed or empty sentry-trace starts a new
// trace. The DSC found in baggage is frozen; when sentry-trace is present but
// baggage carries no sentry entries, an empty frozen DSC is kept so downstream
// services do not invent one.
func ContinueFromHeaders(sentryTrace, baggage string) PropagationContext {
	matches := sentryTraceRegex.FindStringSubmatch(sentryTrace)
	if sentryTrace == "" || matches == nil || matches[1] == "" {
		return NewPropagationContext()
	}

	pc := PropagationContext{
		TraceID:      matches[1],
		SpanID:       newSpanID(),
		ParentSpanID: matches[2],
	}
	switch matches[3] {
	case "1":
		pc.Sampled = boolPtr(true)
	case "0":
		pc.Sampled = boolPtr(false)
	}

	pc.DynamicSamplingContext = parseBaggage(baggage)
	if pc.DynamicSamplingContext == nil {
		pc.DynamicSamplingContext = map[string]string{}
	}
	return pc
}

// parseBaggage extracts sentry- prefixed entries from a baggage header.
func parseBaggage(baggage string) map[string]string {
	var dsc map[string]string
	for _, member := range strings.Split(baggage, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(member), "=")
		if !ok || !strings.HasPrefix(key, baggagePrefix) {
			continue
		}
		if dsc == nil {
			dsc = make(map[string]string)
		}
		if unescaped, err := url.PathUnescape(strings.TrimSpace(value)); err == nil {
			value = unescaped
		}
		dsc[strings.TrimPrefix(key, baggagePrefix)] = value
	}
	return dsc
}

// toSentryTrace renders a sentry-trace header value.
func toSentryTrace(traceID, spanID string, sampled *bool) string {
	header := fmt.Sprintf("%s-%s", traceID, spanID)
	if sampled != nil {
		if *sampled {
			header += "-1"
		} else {
			header += "-0"
		}
	}
	return header
}

// toBaggage renders a DSC as a baggage header value with sorted keys.
func toBaggage(dsc map[string]string) string {
	keys := make([]string, 0, len(dsc))
	for k := range dsc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	members := make([]string, 0, len(keys))
	for _, k := range keys {
		members = append(members, baggagePrefix+k+"="+url.PathEscape(dsc[k]))
	}
	return strings.Join(members, ",")
}
