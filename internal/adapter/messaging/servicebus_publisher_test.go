package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewPublisher_FallsBackToLog(t *testing.T) {
	pub, err := NewPublisher(ServiceBusConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &LogPublisher{}, pub)
}

func TestLogPublisher_LogsEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	pub := NewLogPublisher(zap.New(core))

	err := pub.Publish(context.Background(), "request-completed", "R1", map[string]string{"requestNumber": "R1"})
	require.NoError(t, err)

	entries := logs.FilterMessage("integration event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "request-completed", fields["event"])
	assert.Equal(t, "R1", fields["key"])
}

func TestLogPublisher_RejectsUnencodablePayload(t *testing.T) {
	pub := NewLogPublisher(zap.NewNop())
	err := pub.Publish(context.Background(), "x", "k", make(chan int))
	assert.Error(t, err)
}

func TestNewMessage(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	msg, err := newMessage("item-completed", "R1", map[string]int{"lineNumber": 2}, at)
	require.NoError(t, err)

	require.NotNil(t, msg.Subject)
	assert.Equal(t, "item-completed", *msg.Subject)
	assert.Equal(t, "R1", *msg.CorrelationID)
	assert.NotEmpty(t, *msg.MessageID)
	assert.Equal(t, "2026-03-02T09:30:00Z", msg.ApplicationProperties["time"])

	var body map[string]int
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, 2, body["lineNumber"])
}
