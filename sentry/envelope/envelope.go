// Package envelope implements the multi-item wire message exchanged with the
// collector: a JSON header line followed by typed items, each made of a JSON
// item header line and a raw or JSON payload.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/your-org/roadrunner-sentry/sentry/ratelimit"
)

// ContentType is the media type of a serialized envelope.
const ContentType = "application/x-sentry-envelope"

// sentAtLayout matches the millisecond ISO-8601 form the collector expects.
const sentAtLayout = "2006-01-02T15:04:05.000Z07:00"

// ItemType is the closed set of item types an envelope may carry.
type ItemType string

const (
	ItemTypeEvent        ItemType = "event"
	ItemTypeTransaction  ItemType = "transaction"
	ItemTypeAttachment   ItemType = "attachment"
	ItemTypeSession      ItemType = "session"
	ItemTypeSessions     ItemType = "sessions"
	ItemTypeClientReport ItemType = "client_report"
	ItemTypeUserReport   ItemType = "user_report"
	ItemTypeProfile      ItemType = "profile"
	ItemTypeProfileChunk ItemType = "profile_chunk"
	ItemTypeCheckIn      ItemType = "check_in"
	ItemTypeFeedback     ItemType = "feedback"
	ItemTypeSpan         ItemType = "span"
)

var itemCategories = map[ItemType]ratelimit.Category{
	ItemTypeEvent:        ratelimit.CategoryError,
	ItemTypeTransaction:  ratelimit.CategoryTransaction,
	ItemTypeAttachment:   ratelimit.CategoryAttachment,
	ItemTypeSession:      ratelimit.CategorySession,
	ItemTypeSessions:     ratelimit.CategorySession,
	ItemTypeClientReport: ratelimit.CategoryInternal,
	ItemTypeUserReport:   ratelimit.CategoryDefault,
	ItemTypeProfile:      ratelimit.CategoryProfile,
	ItemTypeProfileChunk: ratelimit.CategoryProfile,
	ItemTypeCheckIn:      ratelimit.CategoryMonitor,
	ItemTypeFeedback:     ratelimit.CategoryFeedback,
	ItemTypeSpan:         ratelimit.CategorySpan,
}

// Category maps the item type onto its data category. Types outside the
// table map to the default category.
func (t ItemType) Category() ratelimit.Category {
	if c, ok := itemCategories[t]; ok {
		return c
	}
	return ratelimit.CategoryDefault
}

// SdkInfo identifies the SDK that produced an envelope.
type SdkInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Header is the first line of an envelope.
type Header struct {
	EventID string
	SentAt  time.Time
	Dsn     string
	Sdk     *SdkInfo
	// Trace carries the dynamic sampling context.
	Trace map[string]string
}

type headerJSON struct {
	EventID string            `json:"event_id,omitempty"`
	SentAt  string            `json:"sent_at,omitempty"`
	Dsn     string            `json:"dsn,omitempty"`
	Sdk     *SdkInfo          `json:"sdk,omitempty"`
	Trace   map[string]string `json:"trace,omitempty"`
}

// MarshalJSON omits unset fields and renders SentAt with millisecond precision.
func (h Header) MarshalJSON() ([]byte, error) {
	wire := headerJSON{
		EventID: h.EventID,
		Dsn:     h.Dsn,
		Sdk:     h.Sdk,
		Trace:   h.Trace,
	}
	if !h.SentAt.IsZero() {
		wire.SentAt = h.SentAt.UTC().Format(sentAtLayout)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (h *Header) UnmarshalJSON(data []byte) error {
	var wire headerJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*h = Header{
		EventID: wire.EventID,
		Dsn:     wire.Dsn,
		Sdk:     wire.Sdk,
		Trace:   wire.Trace,
	}
	if wire.SentAt != "" {
		sentAt, err := time.Parse(time.RFC3339Nano, wire.SentAt)
		if err != nil {
			return err
		}
		h.SentAt = sentAt
	}
	return nil
}

// ItemHeader precedes every item payload.
type ItemHeader struct {
	Type ItemType `json:"type"`
	// Length, when set, is the exact byte length of the payload.
	Length         *int   `json:"length,omitempty"`
	Filename       string `json:"filename,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
	AttachmentType string `json:"attachment_type,omitempty"`
}

// Item is one typed part of an envelope. Payload is a string or []byte sent
// verbatim, a json.RawMessage, or any value encoded as JSON.
type Item struct {
	Header  ItemHeader
	Payload any
}

// Category returns the data category of the item.
func (i *Item) Category() ratelimit.Category {
	return i.Header.Type.Category()
}

// NewItem creates an item of type t.
func NewItem(t ItemType, payload any) *Item {
	return &Item{Header: ItemHeader{Type: t}, Payload: payload}
}

// NewAttachmentItem creates a binary attachment item with its length set.
func NewAttachmentItem(filename, contentType, attachmentType string, data []byte) *Item {
	length := len(data)
	return &Item{
		Header: ItemHeader{
			Type:           ItemTypeAttachment,
			Length:         &length,
			Filename:       filename,
			ContentType:    contentType,
			AttachmentType: attachmentType,
		},
		Payload: data,
	}
}

// Envelope is a header plus an ordered list of items.
type Envelope struct {
	Header Header
	Items  []*Item
}

// New creates an envelope from a header and items.
func New(header Header, items ...*Item) *Envelope {
	return &Envelope{Header: header, Items: items}
}

// AddItem appends an item.
func (e *Envelope) AddItem(item *Item) {
	e.Items = append(e.Items, item)
}

// WithItems returns a shallow copy of e carrying only the given items.
func (e *Envelope) WithItems(items []*Item) *Envelope {
	return &Envelope{Header: e.Header, Items: items}
}
