package ratelimit

// Category classifies envelope items for outcome accounting and rate limit matching.
type Category string

// The closed set of data categories. CategoryAll is the catch-all key used by
// blanket limits (an empty category list in X-Sentry-Rate-Limits, Retry-After,
// or a bare 429).
const (
	CategoryAll         Category = "all"
	CategoryDefault     Category = "default"
	CategoryError       Category = "error"
	CategoryTransaction Category = "transaction"
	CategoryAttachment  Category = "attachment"
	CategorySession     Category = "session"
	CategoryProfile     Category = "profile"
	CategoryMonitor     Category = "monitor"
	CategoryFeedback    Category = "feedback"
	CategorySpan        Category = "span"
	CategoryInternal    Category = "internal"
	CategoryUnknown     Category = "unknown"
)

var knownCategories = map[Category]struct{}{
	CategoryAll:         {},
	CategoryDefault:     {},
	CategoryError:       {},
	CategoryTransaction: {},
	CategoryAttachment:  {},
	CategorySession:     {},
	CategoryProfile:     {},
	CategoryMonitor:     {},
	CategoryFeedback:    {},
	CategorySpan:        {},
	CategoryInternal:    {},
	CategoryUnknown:     {},
}

// ParseCategory maps a category name received from the server onto the closed
// set. Unrecognised names map to CategoryUnknown.
func ParseCategory(s string) Category {
	c := Category(s)
	if _, ok := knownCategories[c]; ok {
		return c
	}
	return CategoryUnknown
}

// String returns the wire name of the category.
func (c Category) String() string {
	return string(c)
}
