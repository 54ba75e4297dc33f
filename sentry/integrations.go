package sentry

import (
	"context"
	stderrors "errors"
	"regexp"
	"sync"

	"go.uber.org/zap"
)

// Integration extends a client, usually by registering event processors.
type Integration interface {
	Name() string
	Setup(client *Client)
}

// EventPreprocessor is implemented by integrations that adjust an event
// before it is prepared. Preprocessors cannot drop events.
type EventPreprocessor interface {
	PreprocessEvent(event *Event, hint *EventHint, client *Client)
}

func defaultIntegrations() []Integration {
	return []Integration{
		&InboundFilters{},
		&LinkedErrors{},
		&Dedupe{},
	}
}

// resolveIntegrations merges defaults with user integrations. A user
// integration replaces a default one with the same name.
func resolveIntegrations(opts *ClientOptions) []Integration {
	var all []Integration
	if !opts.DisableDefaultIntegrations {
		all = append(all, defaultIntegrations()...)
	}
	all = append(all, opts.Integrations...)

	index := make(map[string]int, len(all))
	out := make([]Integration, 0, len(all))
	for _, integration := range all {
		if integration == nil {
			continue
		}
		if i, ok := index[integration.Name()]; ok {
			out[i] = integration
			continue
		}
		index[integration.Name()] = len(out)
		out = append(out, integration)
	}
	return out
}

// InboundFilters drops errors and transactions matching the IgnoreErrors
// and IgnoreTransactions options.
type InboundFilters struct {
	ignoreErrors       []*regexp.Regexp
	ignoreTransactions []*regexp.Regexp
	logger             *zap.Logger
}

func (f *InboundFilters) Name() string { return "InboundFilters" }

func (f *InboundFilters) Setup(client *Client) {
	f.logger = client.logger
	f.ignoreErrors = compilePatterns(client.options.IgnoreErrors, client.logger)
	f.ignoreTransactions = compilePatterns(client.options.IgnoreTransactions, client.logger)
	if len(f.ignoreErrors) == 0 && len(f.ignoreTransactions) == 0 {
		return
	}
	client.AddEventProcessor(f.process)
}

func (f *InboundFilters) process(_ context.Context, event *Event, _ *EventHint) (*Event, error) {
	if event.isTransaction() {
		if matchesAny(f.ignoreTransactions, event.Transaction) {
			f.logger.Debug("transaction ignored by filter", zap.String("transaction", event.Transaction))
			return nil, nil
		}
		return event, nil
	}

	for _, message := range eventMessages(event) {
		if matchesAny(f.ignoreErrors, message) {
			f.logger.Debug("event ignored by filter", zap.String("message", message))
			return nil, nil
		}
	}
	return event, nil
}

func eventMessages(event *Event) []string {
	messages := make([]string, 0, 1+2*len(event.Exception))
	if event.Message != "" {
		messages = append(messages, event.Message)
	}
	for _, ex := range event.Exception {
		if ex.Value != "" {
			messages = append(messages, ex.Value)
		}
		if ex.Type != "" {
			messages = append(messages, ex.Type+": "+ex.Value)
		}
	}
	return messages
}

func compilePatterns(patterns []string, logger *zap.Logger) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warn("invalid ignore pattern", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		out = append(out, re)
	}
	return out
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	if s == "" {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

const defaultLinkedErrorsLimit = 5

// LinkedErrors expands the captured error into its chain of wrapped causes,
// oldest cause first.
type LinkedErrors struct {
	// Limit bounds the number of causes added. Zero means 5.
	Limit int
}

func (l *LinkedErrors) Name() string { return "LinkedErrors" }

func (l *LinkedErrors) Setup(*Client) {}

func (l *LinkedErrors) PreprocessEvent(event *Event, hint *EventHint, client *Client) {
	if hint == nil || hint.OriginalException == nil || len(event.Exception) != 1 {
		return
	}

	limit := l.Limit
	if limit <= 0 {
		limit = defaultLinkedErrorsLimit
	}

	chain := []Exception{event.Exception[0]}
	err := hint.OriginalException
	for i := 0; i < limit; i++ {
		err = stderrors.Unwrap(err)
		if err == nil {
			break
		}
		ex := client.exceptionFromError(err)
		ex.Mechanism = &Mechanism{Type: "chained", Handled: boolPtr(true)}
		chain = append(chain, ex)
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	event.Exception = chain
}

// Dedupe drops an error event identical to the previously seen one.
type Dedupe struct {
	mu       sync.Mutex
	previous *Event
}

func (d *Dedupe) Name() string { return "Dedupe" }

func (d *Dedupe) Setup(client *Client) {
	client.AddEventProcessor(d.process)
}

func (d *Dedupe) process(_ context.Context, event *Event, _ *EventHint) (*Event, error) {
	if event.isTransaction() {
		return event, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.previous != nil && sameEvent(d.previous, event) {
		return nil, nil
	}
	d.previous = event
	return event, nil
}

func sameEvent(a, b *Event) bool {
	if a.Message != b.Message || len(a.Exception) != len(b.Exception) || !equalStrings(a.Fingerprint, b.Fingerprint) {
		return false
	}
	for i := range a.Exception {
		ea, eb := a.Exception[i], b.Exception[i]
		if ea.Type != eb.Type || ea.Value != eb.Value || !sameStacktrace(ea.Stacktrace, eb.Stacktrace) {
			return false
		}
	}
	return a.Message != "" || len(a.Exception) > 0
}

func sameStacktrace(a, b *Stacktrace) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Frames) != len(b.Frames) {
		return false
	}
	for i := range a.Frames {
		fa, fb := a.Frames[i], b.Frames[i]
		if fa.Filename != fb.Filename || fa.Function != fb.Function || fa.Lineno != fb.Lineno || fa.Colno != fb.Colno {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
