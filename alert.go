package sagaflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/embedded"
)

// LogAlertSink reports exhausted messages in the log at error level.
type LogAlertSink struct {
	logger *zap.Logger
}

func NewLogAlertSink(logger *zap.Logger) *LogAlertSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlertSink{logger: logger}
}

func (s *LogAlertSink) Alert(_ context.Context, alert embedded.Alert) {
	s.logger.Error("Outbox message needs operator attention",
		zap.String("message_id", alert.MessageID),
		zap.String("event_type", alert.EventType),
		zap.String("aggregate_type", alert.AggregateType),
		zap.String("aggregate_id", alert.AggregateID),
		zap.Int("attempts", alert.Attempts),
		zap.String("last_error", alert.LastError),
		zap.Time("raised_at", alert.RaisedAt),
	)
}

// MetricsAlertSink counts alerts, so they can drive a dashboard alarm.
type MetricsAlertSink struct {
	metrics embedded.MetricsCollector
}

func NewMetricsAlertSink(metrics embedded.MetricsCollector) *MetricsAlertSink {
	return &MetricsAlertSink{metrics: metrics}
}

func (s *MetricsAlertSink) Alert(_ context.Context, alert embedded.Alert) {
	s.metrics.IncrementCounter("outbox.alerts", map[string]string{
		"event_type":     alert.EventType,
		"aggregate_type": alert.AggregateType,
	})
}

// MultiAlertSink fans an alert out to several sinks.
type MultiAlertSink []embedded.AlertSink

func (m MultiAlertSink) Alert(ctx context.Context, alert embedded.Alert) {
	for _, s := range m {
		s.Alert(ctx, alert)
	}
}
