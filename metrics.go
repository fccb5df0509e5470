package sagaflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/overtonx/sagaflow/embedded"
)

const meterName = "github.com/overtonx/sagaflow"

// NopMetricsCollector discards everything. It is the default collector.
type NopMetricsCollector struct{}

var _ embedded.MetricsCollector = (*NopMetricsCollector)(nil)

// NewNopMetricsCollector creates a collector that records nothing.
func NewNopMetricsCollector() *NopMetricsCollector {
	return &NopMetricsCollector{}
}

// IncrementCounter implements the MetricsCollector interface.
func (m *NopMetricsCollector) IncrementCounter(string, map[string]string) {}

// RecordDuration implements the MetricsCollector interface.
func (m *NopMetricsCollector) RecordDuration(string, time.Duration, map[string]string) {}

// RecordGauge implements the MetricsCollector interface.
func (m *NopMetricsCollector) RecordGauge(string, float64, map[string]string) {}

// OpenTelemetryMetricsCollector records through an OpenTelemetry meter.
// Instruments are created lazily and cached by name; it is safe for
// concurrent use by relay and consumer goroutines.
type OpenTelemetryMetricsCollector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

var _ embedded.MetricsCollector = (*OpenTelemetryMetricsCollector)(nil)

// NewOpenTelemetryMetricsCollector uses the global meter provider.
func NewOpenTelemetryMetricsCollector() *OpenTelemetryMetricsCollector {
	return NewOpenTelemetryMetricsCollectorWithMeter(otel.Meter(meterName))
}

// NewOpenTelemetryMetricsCollectorWithMeter records through meter.
func NewOpenTelemetryMetricsCollectorWithMeter(meter metric.Meter) *OpenTelemetryMetricsCollector {
	return &OpenTelemetryMetricsCollector{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

func (m *OpenTelemetryMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	counter, err := m.counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attributes(tags)...))
}

func (m *OpenTelemetryMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	histogram, err := m.histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(attributes(tags)...))
}

func (m *OpenTelemetryMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	gauge, err := m.gauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(attributes(tags)...))
}

func (m *OpenTelemetryMetricsCollector) counter(name string) (metric.Int64Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	m.counters[name] = c
	return c, nil
}

func (m *OpenTelemetryMetricsCollector) histogram(name string) (metric.Float64Histogram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h, nil
	}
	h, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	m.histograms[name] = h
	return h, nil
}

func (m *OpenTelemetryMetricsCollector) gauge(name string) (metric.Float64Gauge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g, nil
	}
	g, err := m.meter.Float64Gauge(name)
	if err != nil {
		return nil, err
	}
	m.gauges[name] = g
	return g, nil
}

func attributes(tags map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, tags[k]))
	}
	return attrs
}
