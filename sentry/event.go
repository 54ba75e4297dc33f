package sentry

import (
	"context"
	"encoding/json"
	"time"
)

// Level marks the severity of an event or breadcrumb.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// EventID is a 32 character lowercase hex identifier assigned once per capture.
type EventID string

const (
	// eventTypeTransaction is the Event.Type of a finished root span.
	eventTypeTransaction = "transaction"
)

// Context is one entry of Event.Contexts.
type Context = map[string]any

// User identifies the user affected by an event.
type User struct {
	ID        string            `json:"id,omitempty"`
	Email     string            `json:"email,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	Username  string            `json:"username,omitempty"`
	Name      string            `json:"name,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// IsEmpty reports whether no field of u is set.
func (u User) IsEmpty() bool {
	return u.ID == "" && u.Email == "" && u.IPAddress == "" && u.Username == "" && u.Name == "" && len(u.Data) == 0
}

// merge fills the fields of u that are empty from other.
func (u User) merge(other User) User {
	if u.ID == "" {
		u.ID = other.ID
	}
	if u.Email == "" {
		u.Email = other.Email
	}
	if u.IPAddress == "" {
		u.IPAddress = other.IPAddress
	}
	if u.Username == "" {
		u.Username = other.Username
	}
	if u.Name == "" {
		u.Name = other.Name
	}
	if len(other.Data) > 0 {
		data := make(map[string]string, len(other.Data)+len(u.Data))
		for k, v := range other.Data {
			data[k] = v
		}
		for k, v := range u.Data {
			data[k] = v
		}
		u.Data = data
	}
	return u
}

// Request describes the HTTP request being handled when an event occurred.
type Request struct {
	URL         string            `json:"url,omitempty"`
	Method      string            `json:"method,omitempty"`
	Data        string            `json:"data,omitempty"`
	QueryString string            `json:"query_string,omitempty"`
	Cookies     string            `json:"cookies,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// Breadcrumb is a timestamped record attached to subsequent events.
type Breadcrumb struct {
	Type      string         `json:"type,omitempty"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Level     Level          `json:"level,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// BreadcrumbHint carries producer-specific data to BeforeBreadcrumb.
type BreadcrumbHint map[string]any

// Attachment is a file sent as a sibling item of an event.
type Attachment struct {
	Filename       string
	ContentType    string
	AttachmentType string
	Payload        []byte
}

// Mechanism describes how an exception was captured.
type Mechanism struct {
	Type        string         `json:"type,omitempty"`
	Description string         `json:"description,omitempty"`
	HelpLink    string         `json:"help_link,omitempty"`
	Handled     *bool          `json:"handled,omitempty"`
	Synthetic   bool           `json:"synthetic,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Frame is one stack frame.
type Frame struct {
	Function string `json:"function,omitempty"`
	Module   string `json:"module,omitempty"`
	Filename string `json:"filename,omitempty"`
	AbsPath  string `json:"abs_path,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	Colno    int    `json:"colno,omitempty"`
	InApp    bool   `json:"in_app"`
	// DebugID is moved into Event.DebugMeta before the event is sent.
	DebugID string `json:"debug_id,omitempty"`
}

// Stacktrace holds frames ordered from outermost to innermost call.
type Stacktrace struct {
	Frames []Frame `json:"frames,omitempty"`
}

// Exception is one entry of an event's exception list.
type Exception struct {
	Type       string      `json:"type,omitempty"`
	Value      string      `json:"value,omitempty"`
	Module     string      `json:"module,omitempty"`
	Stacktrace *Stacktrace `json:"stacktrace,omitempty"`
	Mechanism  *Mechanism  `json:"mechanism,omitempty"`
}

// DebugImage correlates a code file with its debug identifier.
type DebugImage struct {
	Type     string `json:"type"`
	CodeFile string `json:"code_file,omitempty"`
	DebugID  string `json:"debug_id,omitempty"`
}

// DebugMeta holds debug images referenced by stack frames.
type DebugMeta struct {
	Images []DebugImage `json:"images,omitempty"`
}

// Measurement is a named numeric value attached to a transaction.
type Measurement struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// TransactionSource describes where a transaction name came from.
type TransactionSource string

const (
	SourceCustom    TransactionSource = "custom"
	SourceURL       TransactionSource = "url"
	SourceRoute     TransactionSource = "route"
	SourceView      TransactionSource = "view"
	SourceComponent TransactionSource = "component"
	SourceTask      TransactionSource = "task"
)

// TransactionInfo carries metadata about the transaction name.
type TransactionInfo struct {
	Source TransactionSource `json:"source,omitempty"`
}

// SdkPackage is a package reported in SdkInfo.
type SdkPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SdkInfo describes the SDK that produced an event.
type SdkInfo struct {
	Name         string       `json:"name,omitempty"`
	Version      string       `json:"version,omitempty"`
	Integrations []string     `json:"integrations,omitempty"`
	Packages     []SdkPackage `json:"packages,omitempty"`
}

// Event is the report delivered to the collector.
type Event struct {
	EventID         EventID                `json:"event_id,omitempty"`
	Type            string                 `json:"type,omitempty"`
	Level           Level                  `json:"level,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
	StartTime       time.Time              `json:"start_timestamp"`
	Platform        string                 `json:"platform,omitempty"`
	Logger          string                 `json:"logger,omitempty"`
	ServerName      string                 `json:"server_name,omitempty"`
	Release         string                 `json:"release,omitempty"`
	Dist            string                 `json:"dist,omitempty"`
	Environment     string                 `json:"environment,omitempty"`
	Message         string                 `json:"message,omitempty"`
	Exception       []Exception            `json:"exception,omitempty"`
	Breadcrumbs     []*Breadcrumb          `json:"breadcrumbs,omitempty"`
	Tags            map[string]string      `json:"tags,omitempty"`
	Extra           map[string]any         `json:"extra,omitempty"`
	Contexts        map[string]Context     `json:"contexts,omitempty"`
	User            User                   `json:"user"`
	Fingerprint     []string               `json:"fingerprint,omitempty"`
	Request         *Request               `json:"request,omitempty"`
	Transaction     string                 `json:"transaction,omitempty"`
	TransactionInfo *TransactionInfo       `json:"transaction_info,omitempty"`
	Spans           []*Span                `json:"spans,omitempty"`
	Measurements    map[string]Measurement `json:"measurements,omitempty"`
	DebugMeta       *DebugMeta             `json:"debug_meta,omitempty"`
	Sdk             SdkInfo                `json:"sdk"`

	Attachments []*Attachment `json:"-"`

	// dynamicSamplingContext is pipeline metadata, sent in the envelope header.
	dynamicSamplingContext map[string]string
}

// NewEvent creates an event with empty collections ready for merging.
func NewEvent() *Event {
	return &Event{
		Tags:     make(map[string]string),
		Extra:    make(map[string]any),
		Contexts: make(map[string]Context),
	}
}

// MarshalJSON omits zero timestamps, an empty user and an empty SDK block.
func (e *Event) MarshalJSON() ([]byte, error) {
	type event Event
	x := struct {
		*event
		Timestamp json.RawMessage `json:"timestamp,omitempty"`
		StartTime json.RawMessage `json:"start_timestamp,omitempty"`
		User      *User           `json:"user,omitempty"`
		Sdk       *SdkInfo        `json:"sdk,omitempty"`
	}{event: (*event)(e)}

	if !e.Timestamp.IsZero() {
		b, err := e.Timestamp.MarshalJSON()
		if err != nil {
			return nil, err
		}
		x.Timestamp = b
	}
	if !e.StartTime.IsZero() {
		b, err := e.StartTime.MarshalJSON()
		if err != nil {
			return nil, err
		}
		x.StartTime = b
	}
	if !e.User.IsEmpty() {
		x.User = &e.User
	}
	if e.Sdk.Name != "" || e.Sdk.Version != "" {
		x.Sdk = &e.Sdk
	}
	return json.Marshal(x)
}

// isTransaction reports whether the event is a finished root span.
func (e *Event) isTransaction() bool {
	return e.Type == eventTypeTransaction
}

// EventHint carries capture-time data that is not part of the event itself.
type EventHint struct {
	// EventID, when set, is used instead of generating a new identifier.
	EventID            EventID
	OriginalException  error
	SyntheticException error
	Mechanism          *Mechanism
	Data               map[string]any
	// CaptureContext is applied to a clone of the ambient scope for this
	// capture only.
	CaptureContext CaptureContext
	Attachments    []*Attachment
	// Context is passed to event processors and hooks. Background when nil.
	Context context.Context

	// internal marks captures of the SDK's own pipeline faults.
	internal bool
}

// copyHint returns a private copy of hint so captures never write into a
// hint the caller may reuse.
func copyHint(hint *EventHint) *EventHint {
	h := EventHint{}
	if hint != nil {
		h = *hint
	}
	return &h
}

func (h *EventHint) context() context.Context {
	if h != nil && h.Context != nil {
		return h.Context
	}
	return context.Background()
}
