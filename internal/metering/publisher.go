package metering

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// Topic carries gateway meter events from falken to norad.
const Topic = "wopr.meter.events"

// EventProducer is the Kafka surface the publisher needs.
type EventProducer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Publisher ships meter events to Kafka keyed by tenant so one tenant's
// debits stay ordered.
type Publisher struct {
	producer EventProducer
	logger   logging.Logger
}

func NewPublisher(producer EventProducer, logger logging.Logger) *Publisher {
	return &Publisher{producer: producer, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, ev *models.MeterEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode meter event: %w", err)
	}
	if err := p.producer.Produce(ctx, Topic, []byte(ev.TenantID), payload, nil); err != nil {
		return fmt.Errorf("failed to publish meter event %s: %w", ev.EventID, err)
	}
	return nil
}
