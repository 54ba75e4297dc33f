package sentry

import (
	"encoding/json"
	"sync"
	"time"
)

// SessionStatus is the state of a release-health session.
type SessionStatus string

const (
	SessionStatusOK       SessionStatus = "ok"
	SessionStatusExited   SessionStatus = "exited"
	SessionStatusCrashed  SessionStatus = "crashed"
	SessionStatusAbnormal SessionStatus = "abnormal"
)

// Session tracks the health of one application run.
type Session struct {
	mu          sync.Mutex
	sid         string
	did         string
	init        bool
	started     time.Time
	timestamp   time.Time
	duration    time.Duration
	status      SessionStatus
	errors      int
	release     string
	environment string
	userAgent   string
	ipAddress   string
}

// newSession starts a session for the given release and user.
func newSession(opts *ClientOptions, user User) *Session {
	now := time.Now()
	s := &Session{
		sid:         string(NewEventID()),
		init:        true,
		started:     now,
		timestamp:   now,
		status:      SessionStatusOK,
		release:     opts.Release,
		environment: opts.Environment,
		ipAddress:   user.IPAddress,
	}
	switch {
	case user.ID != "":
		s.did = user.ID
	case user.Email != "":
		s.did = user.Email
	case user.Username != "":
		s.did = user.Username
	}
	return s
}

// Status returns the current status.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Errors returns the number of errors seen.
func (s *Session) Errors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}

// SetUserAgent records the user agent sent with the session attributes.
func (s *Session) SetUserAgent(userAgent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userAgent = userAgent
}

// close ends the session. An ok session becomes exited.
func (s *Session) close(status SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status != "" {
		s.status = status
	} else if s.status == SessionStatusOK {
		s.status = SessionStatusExited
	}
	s.touchLocked()
}

// updateFromEvent records an error or crash carried by event. It reports
// whether the session changed in a way worth sending: the first error of a
// running session, or a crash.
func (s *Session) updateFromEvent(event *Event) bool {
	if len(event.Exception) == 0 {
		return false
	}

	crashed := false
	for _, ex := range event.Exception {
		if ex.Mechanism != nil && ex.Mechanism.Handled != nil && !*ex.Mechanism.Handled {
			crashed = true
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	running := s.status == SessionStatusOK
	if !running || (s.errors > 0 && !crashed) {
		return false
	}

	if crashed {
		s.status = SessionStatusCrashed
	}
	if s.errors == 0 {
		s.errors = 1
	}
	s.touchLocked()
	return true
}

func (s *Session) touchLocked() {
	s.timestamp = time.Now()
	s.duration = s.timestamp.Sub(s.started)
}

type sessionAttrs struct {
	Release     string `json:"release"`
	Environment string `json:"environment,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
}

type sessionJSON struct {
	SID       string        `json:"sid"`
	DID       string        `json:"did,omitempty"`
	Init      bool          `json:"init"`
	Started   time.Time     `json:"started"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  float64       `json:"duration"`
	Status    SessionStatus `json:"status"`
	Errors    int           `json:"errors"`
	Attrs     sessionAttrs  `json:"attrs"`
}

// MarshalJSON renders a session update. Only the first update carries init.
func (s *Session) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return json.Marshal(sessionJSON{
		SID:       s.sid,
		DID:       s.did,
		Init:      s.init,
		Started:   s.started.UTC(),
		Timestamp: s.timestamp.UTC(),
		Duration:  s.duration.Seconds(),
		Status:    s.status,
		Errors:    s.errors,
		Attrs: sessionAttrs{
			Release:     s.release,
			Environment: s.environment,
			IPAddress:   s.ipAddress,
			UserAgent:   s.userAgent,
		},
	})
}

// markSent clears init after the first update was handed to the transport.
func (s *Session) markSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init = false
}

// RequestSessionStatus is the outcome of one request in request mode.
type RequestSessionStatus string

const (
	RequestSessionOK      RequestSessionStatus = "ok"
	RequestSessionErrored RequestSessionStatus = "errored"
	RequestSessionCrashed RequestSessionStatus = "crashed"
)

// RequestSession tracks the outcome of one request. Outcomes are aggregated
// per minute by the client's SessionFlusher.
type RequestSession struct {
	mu     sync.Mutex
	status RequestSessionStatus
}

// NewRequestSession starts a request session with status ok.
func NewRequestSession() *RequestSession {
	return &RequestSession{status: RequestSessionOK}
}

// Status returns the request outcome.
func (rs *RequestSession) Status() RequestSessionStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.status
}

// SetStatus overrides the request outcome.
func (rs *RequestSession) SetStatus(status RequestSessionStatus) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.status = status
}

// updateFromEvent escalates the status: ok becomes errored, a crash always
// wins.
func (rs *RequestSession) updateFromEvent(crashed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch {
	case crashed:
		rs.status = RequestSessionCrashed
	case rs.status == RequestSessionOK:
		rs.status = RequestSessionErrored
	}
}
