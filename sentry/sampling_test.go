package sentry

import (
	"math"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestSampleTransaction(t *testing.T) {
	yes, no := true, false

	testCases := []struct {
		name        string
		opts        ClientOptions
		sctx        SamplingContext
		random      float64
		wantSampled bool
		wantRate    *float64
		wantCalls   int
	}{
		{
			name:      "tracing disabled",
			opts:      ClientOptions{},
			wantCalls: 0,
		},
		{
			name:      "zero rate never draws",
			opts:      ClientOptions{TracesSampleRate: Rate(0)},
			wantRate:  Rate(0),
			wantCalls: 0,
		},
		{
			name:        "rate below draw keeps",
			opts:        ClientOptions{TracesSampleRate: Rate(0.5)},
			random:      0.4,
			wantSampled: true,
			wantRate:    Rate(0.5),
			wantCalls:   1,
		},
		{
			name:      "rate at draw drops",
			opts:      ClientOptions{TracesSampleRate: Rate(0.5)},
			random:    0.5,
			wantRate:  Rate(0.5),
			wantCalls: 1,
		},
		{
			name:        "enable tracing defaults to one",
			opts:        ClientOptions{EnableTracing: true},
			random:      0.99,
			wantSampled: true,
			wantRate:    Rate(1),
			wantCalls:   1,
		},
		{
			name:        "parent decision beats the rate",
			opts:        ClientOptions{TracesSampleRate: Rate(0)},
			sctx:        SamplingContext{ParentSampled: &yes},
			random:      0.3,
			wantSampled: true,
			wantRate:    Rate(1),
			wantCalls:   1,
		},
		{
			name:      "negative parent decision",
			opts:      ClientOptions{TracesSampleRate: Rate(1)},
			sctx:      SamplingContext{ParentSampled: &no},
			wantRate:  Rate(0),
			wantCalls: 0,
		},
		{
			name: "sampler beats the parent",
			opts: ClientOptions{TracesSampler: func(SamplingContext) any {
				return 0
			}},
			sctx:      SamplingContext{ParentSampled: &yes},
			wantRate:  Rate(0),
			wantCalls: 0,
		},
		{
			name: "sampler bool",
			opts: ClientOptions{TracesSampler: func(SamplingContext) any {
				return true
			}},
			random:      0.7,
			wantSampled: true,
			wantRate:    Rate(1),
			wantCalls:   1,
		},
		{
			name: "sampler sees the context",
			opts: ClientOptions{TracesSampler: func(ctx SamplingContext) any {
				if ctx.Name == "GET /health" {
					return 0.0
				}
				return 1.0
			}},
			sctx:      SamplingContext{Name: "GET /health"},
			wantRate:  Rate(0),
			wantCalls: 0,
		},
		{
			name: "invalid sampler result",
			opts: ClientOptions{TracesSampler: func(SamplingContext) any {
				return "often"
			}},
			wantCalls: 0,
		},
		{
			name:      "rate above one",
			opts:      ClientOptions{TracesSampleRate: Rate(1.5)},
			wantCalls: 0,
		},
		{
			name:      "NaN rate",
			opts:      ClientOptions{TracesSampleRate: Rate(math.NaN())},
			wantCalls: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := tc.opts.withDefaults()
			random, calls := sequence(tc.random)
			opts.random = random

			got := sampleTransaction(&opts, tc.sctx, zaptest.NewLogger(t))

			if got.sampled != tc.wantSampled {
				t.Errorf("sampled = %v, want %v", got.sampled, tc.wantSampled)
			}
			switch {
			case tc.wantRate == nil && got.rate != nil:
				t.Errorf("rate = %v, want none", *got.rate)
			case tc.wantRate != nil && (got.rate == nil || *got.rate != *tc.wantRate):
				t.Errorf("rate = %v, want %v", got.rate, *tc.wantRate)
			}
			if *calls != tc.wantCalls {
				t.Errorf("random calls = %d, want %d", *calls, tc.wantCalls)
			}
		})
	}
}

func TestParseSampleRate(t *testing.T) {
	valid := map[string]struct {
		in   any
		want float64
	}{
		"float64": {0.25, 0.25},
		"float32": {float32(0.5), 0.5},
		"int one": {1, 1},
		"uint8":   {uint8(0), 0},
		"true":    {true, 1},
		"false":   {false, 0},
	}
	for name, tc := range valid {
		got, err := parseSampleRate(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("%s: got %v, %v", name, got, err)
		}
	}

	for _, in := range []any{-0.1, 2, math.NaN(), "0.5", nil} {
		if _, err := parseSampleRate(in); err == nil {
			t.Errorf("%v accepted", in)
		}
	}
}

func TestSampleError(t *testing.T) {
	testCases := []struct {
		name      string
		rate      *float64
		random    float64
		want      bool
		wantCalls int
	}{
		{name: "unset keeps", want: true},
		{name: "one keeps", rate: Rate(1), want: true},
		{name: "zero drops", rate: Rate(0)},
		{name: "below draw keeps", rate: Rate(0.3), random: 0.1, want: true, wantCalls: 1},
		{name: "above draw drops", rate: Rate(0.3), random: 0.6, wantCalls: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			random, calls := sequence(tc.random)
			opts := ClientOptions{SampleRate: tc.rate, random: random}

			if got := sampleError(&opts); got != tc.want {
				t.Errorf("kept = %v, want %v", got, tc.want)
			}
			if *calls != tc.wantCalls {
				t.Errorf("random calls = %d, want %d", *calls, tc.wantCalls)
			}
		})
	}
}
