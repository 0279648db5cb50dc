package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/port"
)

const source = "pickline"

type ServiceBusConfig struct {
	ConnectionString string
	QueueName        string
}

// NewPublisher returns a Service Bus publisher, or a log-only publisher when no
// connection string is configured.
func NewPublisher(cfg ServiceBusConfig, log *zap.Logger) (port.EventPublisher, error) {
	if cfg.ConnectionString == "" {
		log.Info("service bus not configured, integration events are only logged")
		return &LogPublisher{log: log}, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}
	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		client.Close(context.Background())
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}
	return &ServiceBusPublisher{client: client, sender: sender, queue: cfg.QueueName, log: log}, nil
}

// ServiceBusPublisher forwards picking events to an Azure Service Bus queue.
type ServiceBusPublisher struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
	queue  string
	log    *zap.Logger
}

func (p *ServiceBusPublisher) Publish(ctx context.Context, event, key string, payload any) error {
	msg, err := newMessage(event, key, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := p.sender.SendMessage(ctx, msg, nil); err != nil {
		return fmt.Errorf("send %s to %s: %w", event, p.queue, err)
	}
	p.log.Debug("integration event sent", zap.String("event", event), zap.String("key", key))
	return nil
}

func (p *ServiceBusPublisher) Close(ctx context.Context) error {
	if err := p.sender.Close(ctx); err != nil {
		return err
	}
	return p.client.Close(ctx)
}

func newMessage(event, key string, payload any, at time.Time) (*azservicebus.Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	id := uuid.NewString()
	contentType := "application/json"
	return &azservicebus.Message{
		MessageID:     &id,
		Subject:       &event,
		CorrelationID: &key,
		ContentType:   &contentType,
		Body:          body,
		ApplicationProperties: map[string]any{
			"source": source,
			"event":  event,
			"time":   at.Format(time.RFC3339),
		},
	}, nil
}

// LogPublisher is used for local development.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, event, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	p.log.Info("integration event", zap.String("event", event), zap.String("key", key), zap.ByteString("payload", body))
	return nil
}

func (p *LogPublisher) Close(context.Context) error { return nil }
