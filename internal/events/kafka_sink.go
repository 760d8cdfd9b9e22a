package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"keyauth-service/internal/client"
	"keyauth-service/internal/util"
)

// KafkaSink publishes identity events as JSON messages keyed by the
// identity ID, so all events for one account land on one partition.
type KafkaSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaSink(producer *client.KafkaProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Emit(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal identity event",
			zap.String("event_type", event.Type),
			zap.Error(err))
		return
	}

	key := event.IdentityID
	if key == "" {
		key = event.Identifier
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.producer.ProduceMessage(ctx, s.topic, []byte(key), value, map[string]string{
		"event_type": event.Type,
	}); err != nil {
		// Best-effort: the auth operation already completed.
		util.Warn("Failed to publish identity event",
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}
