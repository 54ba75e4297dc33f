package sentry

// CaptureContext is the per-capture scope adjustment carried by
// EventHint.CaptureContext. It is a closed set of three cases:
//
//   - ScopeContext: partial scope data merged into the scope,
//   - *Scope: another scope whose data is merged in,
//   - ScopeUpdater: a function returning the scope to use.
//
// Scope.Update discriminates between them with a type switch.
type CaptureContext interface {
	isCaptureContext()
}

// ScopeContext is partial scope data. Empty fields leave the scope unchanged.
type ScopeContext struct {
	User        User
	Level       Level
	Tags        map[string]string
	Extra       map[string]any
	Contexts    map[string]Context
	Fingerprint []string
	// PropagationContext replaces the scope's propagation context when set.
	PropagationContext *PropagationContext
}

// ScopeUpdater receives the scope being updated and returns the scope to use.
// Returning nil keeps the receiver.
type ScopeUpdater func(scope *Scope) *Scope

func (ScopeContext) isCaptureContext() {}
func (ScopeUpdater) isCaptureContext() {}
func (*Scope) isCaptureContext()       {}
