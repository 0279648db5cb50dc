package port

import "context"

// EventPublisher forwards integration events to systems outside the picking floor.
type EventPublisher interface {
	Publish(ctx context.Context, event, key string, payload any) error
	Close(ctx context.Context) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, any) error { return nil }
func (NopPublisher) Close(context.Context) error                        { return nil }
