package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestUpdate(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	testCases := []struct {
		name       string
		statusCode int
		headers    map[string]string
		want       Map
	}{
		{
			name:       "single category",
			statusCode: 200,
			headers:    map[string]string{HeaderRateLimits: "60:transaction"},
			want:       Map{CategoryTransaction: now.Add(60 * time.Second)},
		},
		{
			name:       "multiple groups and categories",
			statusCode: 200,
			headers:    map[string]string{HeaderRateLimits: "50:transaction;session, 2700:default;error;attachment"},
			want: Map{
				CategoryTransaction: now.Add(50 * time.Second),
				CategorySession:     now.Add(50 * time.Second),
				CategoryDefault:     now.Add(2700 * time.Second),
				CategoryError:       now.Add(2700 * time.Second),
				CategoryAttachment:  now.Add(2700 * time.Second),
			},
		},
		{
			name:       "empty category list means all",
			statusCode: 429,
			headers:    map[string]string{HeaderRateLimits: "13::organization"},
			want:       Map{CategoryAll: now.Add(13 * time.Second)},
		},
		{
			name:       "unparseable delay falls back to default",
			statusCode: 200,
			headers:    map[string]string{HeaderRateLimits: "soon:error"},
			want:       Map{CategoryError: now.Add(DefaultRetryAfter)},
		},
		{
			name:       "fractional delay truncates to seconds",
			statusCode: 200,
			headers:    map[string]string{HeaderRateLimits: "2.5:transaction"},
			want:       Map{CategoryTransaction: now.Add(2 * time.Second)},
		},
		{
			name:       "unknown category",
			statusCode: 200,
			headers:    map[string]string{HeaderRateLimits: "10:replay"},
			want:       Map{CategoryUnknown: now.Add(10 * time.Second)},
		},
		{
			name:       "retry-after seconds",
			statusCode: 429,
			headers:    map[string]string{HeaderRetryAfter: "30"},
			want:       Map{CategoryAll: now.Add(30 * time.Second)},
		},
		{
			name:       "rate limit header wins over retry-after",
			statusCode: 429,
			headers:    map[string]string{HeaderRateLimits: "5:error", HeaderRetryAfter: "30"},
			want:       Map{CategoryError: now.Add(5 * time.Second)},
		},
		{
			name:       "bare 429",
			statusCode: 429,
			want:       Map{CategoryAll: now.Add(DefaultRetryAfter)},
		},
		{
			name:       "success without headers",
			statusCode: 200,
			want:       Map{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			headers := http.Header{}
			for k, v := range tc.headers {
				headers.Set(k, v)
			}

			got := Update(Map{}, tc.statusCode, headers, now)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for c, deadline := range tc.want {
				if !got[c].Equal(deadline) {
					t.Errorf("category %s: got %v, want %v", c, got[c], deadline)
				}
			}
		})
	}
}

func TestUpdateDoesNotMutateInput(t *testing.T) {
	now := time.Now()
	original := Map{CategoryError: now.Add(time.Minute)}

	headers := http.Header{}
	headers.Set(HeaderRateLimits, "10:error;transaction")
	updated := Update(original, 200, headers, now)

	if len(original) != 1 || !original[CategoryError].Equal(now.Add(time.Minute)) {
		t.Fatalf("input map was mutated: %v", original)
	}
	if !updated[CategoryError].Equal(now.Add(10 * time.Second)) {
		t.Fatalf("last applied limit should win, got %v", updated[CategoryError])
	}
}

func TestDisabledUntilPrefersCategoryOverAll(t *testing.T) {
	now := time.Now()
	m := Map{
		CategoryAll:   now.Add(time.Hour),
		CategoryError: now.Add(-time.Second),
	}

	if m.IsRateLimited(CategoryError, now) {
		t.Fatal("expired category entry should shadow the blanket limit")
	}
	if !m.IsRateLimited(CategoryTransaction, now) {
		t.Fatal("blanket limit should apply to categories without their own entry")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	testCases := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{name: "seconds", header: "120", want: 120 * time.Second},
		{name: "http date", header: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{name: "past date", header: now.Add(-time.Hour).Format(http.TimeFormat), want: 0},
		{name: "garbage", header: "later", want: DefaultRetryAfter},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParseRetryAfter(tc.header, now); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rl := NewRateLimiter(zaptest.NewLogger(t))
	rl.SetClock(func() time.Time { return now })

	headers := http.Header{}
	headers.Set(HeaderRateLimits, "60:transaction")
	rl.HandleResponse(200, headers)

	if !rl.IsRateLimited(CategoryTransaction) {
		t.Fatal("expected transaction to be limited")
	}
	if rl.IsRateLimited(CategoryError) {
		t.Fatal("expected error to pass")
	}

	now = now.Add(61 * time.Second)
	if rl.IsRateLimited(CategoryTransaction) {
		t.Fatal("expected limit to expire")
	}

	rl.CleanupExpired()
	if len(rl.Status()) != 0 {
		t.Fatalf("expected expired limits to be removed, got %v", rl.Status())
	}
}
