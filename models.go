package sagaflow

import (
	"encoding/json"
	"fmt"

	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/storage"
)

// messageFromRecord turns a claimed outbox row into a publishable message.
// Row headers are merged with the identifying headers every consumer relies on.
func messageFromRecord(record storage.OutboxRecord) (embedded.Message, error) {
	headers := make(map[string]string)
	if len(record.Headers) > 0 {
		if err := json.Unmarshal(record.Headers, &headers); err != nil {
			return embedded.Message{}, fmt.Errorf("failed to decode headers of outbox message %s: %w", record.MessageID, err)
		}
	}
	headers[embedded.HeaderMessageID] = record.MessageID
	headers[embedded.HeaderEventType] = record.EventType
	headers[embedded.HeaderAggregateType] = record.AggregateType
	headers[embedded.HeaderAggregateID] = record.AggregateID

	return embedded.Message{
		ID:            record.MessageID,
		EventType:     record.EventType,
		AggregateType: record.AggregateType,
		AggregateID:   record.AggregateID,
		Exchange:      record.Exchange,
		RoutingKey:    record.RoutingKey,
		ContentType:   record.ContentType,
		Payload:       record.Payload,
		Headers:       headers,
		Attempt:       record.AttemptCount + 1,
	}, nil
}

func alertFromRecord(record storage.OutboxRecord, attempts int, lastError string) embedded.Alert {
	return embedded.Alert{
		MessageID:     record.MessageID,
		EventType:     record.EventType,
		AggregateType: record.AggregateType,
		AggregateID:   record.AggregateID,
		Attempts:      attempts,
		LastError:     lastError,
	}
}
