package rrsentry

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/your-org/roadrunner-sentry/sentry/clientreport"
	"github.com/your-org/roadrunner-sentry/sentry/ratelimit"
)

const (
	namespace = "rr_sentry"
)

// metricsCollector implements prometheus.Collector and receives delivery
// accounting from the SDK transport.
type metricsCollector struct {
	sentEnvelopes   *uint64
	failedEnvelopes *uint64

	sentEnvelopesDesc   *prometheus.Desc
	failedEnvelopesDesc *prometheus.Desc
	bufferLengthDesc    *prometheus.Desc

	// items lost before or during delivery, by reason and category
	droppedItems *prometheus.CounterVec

	// bufferLength reports in-flight requests, nil until a transport exists
	bufferLength atomic.Pointer[func() int]
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		sentEnvelopes:   ptrTo(uint64(0)),
		failedEnvelopes: ptrTo(uint64(0)),

		sentEnvelopesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "envelopes_sent_total"),
			"Total number of envelopes accepted by the collector",
			nil, nil),

		failedEnvelopesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "envelopes_failed_total"),
			"Total number of envelopes that failed or were rejected",
			nil, nil),

		bufferLengthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "buffer_length"),
			"Number of envelope requests in flight",
			nil, nil),

		droppedItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "dropped_items_total"),
				Help: "Total number of discarded items by reason and data category",
			},
			[]string{"reason", "category"}),
	}
}

// EnvelopeSent implements sentry.DeliveryObserver
func (mc *metricsCollector) EnvelopeSent() {
	atomic.AddUint64(mc.sentEnvelopes, 1)
}

// EnvelopeFailed implements sentry.DeliveryObserver
func (mc *metricsCollector) EnvelopeFailed() {
	atomic.AddUint64(mc.failedEnvelopes, 1)
}

// Discarded implements sentry.DeliveryObserver
func (mc *metricsCollector) Discarded(reason clientreport.DiscardReason, category ratelimit.Category, quantity int64) {
	mc.droppedItems.WithLabelValues(string(reason), category.String()).Add(float64(quantity))
}

func (mc *metricsCollector) setBufferLength(f func() int) {
	mc.bufferLength.Store(&f)
}

func (mc *metricsCollector) snapshot() *TransportMetrics {
	m := &TransportMetrics{
		EnvelopesSent:   atomic.LoadUint64(mc.sentEnvelopes),
		EnvelopesFailed: atomic.LoadUint64(mc.failedEnvelopes),
	}
	if f := mc.bufferLength.Load(); f != nil {
		m.BufferLength = (*f)()
	}
	return m
}

// Describe sends all metric descriptions to Prometheus
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.sentEnvelopesDesc
	ch <- mc.failedEnvelopesDesc
	ch <- mc.bufferLengthDesc

	mc.droppedItems.Describe(ch)
}

// Collect sends current metric values to Prometheus
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := mc.snapshot()

	ch <- prometheus.MustNewConstMetric(
		mc.sentEnvelopesDesc,
		prometheus.CounterValue,
		float64(snapshot.EnvelopesSent))

	ch <- prometheus.MustNewConstMetric(
		mc.failedEnvelopesDesc,
		prometheus.CounterValue,
		float64(snapshot.EnvelopesFailed))

	ch <- prometheus.MustNewConstMetric(
		mc.bufferLengthDesc,
		prometheus.GaugeValue,
		float64(snapshot.BufferLength))

	mc.droppedItems.Collect(ch)
}
