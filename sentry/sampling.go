package sentry

import (
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
)

func randomFloat() float64 {
	return rand.Float64() //nolint:gosec
}

// SamplingContext is passed to a TracesSampler.
type SamplingContext struct {
	Name       string
	Op         string
	Source     TransactionSource
	Attributes map[string]any
	// ParentSampled is the upstream decision, nil when none was made.
	ParentSampled *bool
	// Custom carries values supplied with WithCustomSamplingContext.
	Custom map[string]any
}

// TracesSampler decides the sample rate of a transaction. It returns a
// number in [0, 1] of any numeric kind or a bool. Anything else is invalid
// and the transaction is not sampled.
type TracesSampler func(ctx SamplingContext) any

// samplingDecision is the outcome of sampleTransaction.
type samplingDecision struct {
	sampled bool
	// rate is the effective rate, nil when none could be determined.
	rate *float64
}

// sampleTransaction applies, in order, the sampler, the parent decision,
// TracesSampleRate and the EnableTracing default.
func sampleTransaction(opts *ClientOptions, sctx SamplingContext, logger *zap.Logger) samplingDecision {
	if !opts.tracingEnabled() {
		return samplingDecision{}
	}

	var raw any
	switch {
	case opts.TracesSampler != nil:
		raw = opts.TracesSampler(sctx)
	case sctx.ParentSampled != nil:
		raw = *sctx.ParentSampled
	case opts.TracesSampleRate != nil:
		raw = *opts.TracesSampleRate
	default:
		raw = 1.0
	}

	rate, err := parseSampleRate(raw)
	if err != nil {
		logger.Warn("invalid traces sample rate, transaction not sampled",
			zap.String("transaction", sctx.Name),
			zap.Error(err))
		return samplingDecision{}
	}

	if rate == 0 {
		return samplingDecision{rate: &rate}
	}
	return samplingDecision{sampled: opts.random() < rate, rate: &rate}
}

// parseSampleRate coerces a numeric or boolean rate and validates it.
func parseSampleRate(v any) (float64, error) {
	var rate float64
	switch r := v.(type) {
	case bool:
		if r {
			rate = 1
		}
	case float64:
		rate = r
	case float32:
		rate = float64(r)
	case int:
		rate = float64(r)
	case int8:
		rate = float64(r)
	case int16:
		rate = float64(r)
	case int32:
		rate = float64(r)
	case int64:
		rate = float64(r)
	case uint:
		rate = float64(r)
	case uint8:
		rate = float64(r)
	case uint16:
		rate = float64(r)
	case uint32:
		rate = float64(r)
	case uint64:
		rate = float64(r)
	default:
		return 0, fmt.Errorf("sample rate must be a number or bool, got %T", v)
	}

	if math.IsNaN(rate) || rate < 0 || rate > 1 {
		return 0, fmt.Errorf("sample rate must be between 0 and 1, got %v", rate)
	}
	return rate, nil
}

// sampleError keeps an error event with probability SampleRate.
func sampleError(opts *ClientOptions) bool {
	if opts.SampleRate == nil {
		return true
	}
	rate := *opts.SampleRate
	if math.IsNaN(rate) || rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return opts.random() < rate
}
