package storage

import (
	"context"

	"github.com/google/uuid"

	"riskgraph/internal/ingest"
)

// DeadLetterWriter persists dead letters to the dead_letters table for later
// inspection and replay. It implements ingest.DeadLetterSink and can be used
// directly or fanned out next to the Kafka DLQ producer.
type DeadLetterWriter struct {
	client *ClickHouseClient
}

// NewDeadLetterWriter creates a DeadLetterWriter.
func NewDeadLetterWriter(client *ClickHouseClient) *DeadLetterWriter {
	return &DeadLetterWriter{client: client}
}

// Send stores a single dead letter.
func (dw *DeadLetterWriter) Send(ctx context.Context, d ingest.DeadLetter) error {
	query := `
		INSERT INTO dead_letters (
			dead_letter_id, event_id, event_type, raw, reason, error,
			retries, original_topic, original_partition, original_offset, failed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := dw.client.Exec(ctx, query,
		uuid.NewString(),
		d.EventID,
		d.EventType,
		string(d.Raw),
		d.Reason,
		d.Error,
		int32(d.Retries),
		d.Topic,
		int32(d.Partition),
		d.Offset,
		d.FailedAt,
	)
	if err != nil {
		return WrapQueryError("Send", "dead_letters", err)
	}
	return nil
}
