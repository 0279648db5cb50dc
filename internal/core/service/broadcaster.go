package service

import (
	"errors"

	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/port"
)

var ErrDeviceNotConnected = errors.New("device not connected")

// Delivery is the outcome of one send within a broadcast.
type Delivery struct {
	ConnectionID string
	Err          error
}

// Broadcaster pushes best-effort messages over registered connections. Nothing is queued
// for offline devices and nothing is redelivered.
type Broadcaster struct {
	registry *DeviceRegistry
	metrics  port.Metrics
	log      *zap.Logger
}

func NewBroadcaster(registry *DeviceRegistry, metrics port.Metrics, log *zap.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, metrics: metrics, log: log}
}

// SendToDevice drops the message when the device is not connected.
func (b *Broadcaster) SendToDevice(deviceID string, state domain.DisplayState) error {
	conn, ok := b.registry.Device(deviceID)
	if !ok {
		b.log.Debug("display update dropped, device offline", zap.String("device_id", deviceID))
		return ErrDeviceNotConnected
	}
	if err := conn.Send(domain.EventDisplayUpdate, state); err != nil {
		b.log.Warn("display update failed",
			zap.String("device_id", deviceID),
			zap.String("conn_id", conn.ID()),
			zap.Error(err),
		)
		b.metrics.IncDeliveryFailure("device")
		return err
	}
	return nil
}

// SendToAllTablets sends to every tablet; a failing connection does not stop the rest.
func (b *Broadcaster) SendToAllTablets(event string, payload any) []Delivery {
	tablets := b.registry.Tablets()
	results := make([]Delivery, 0, len(tablets))
	for _, conn := range tablets {
		d := Delivery{ConnectionID: conn.ID(), Err: b.safeSend(conn, event, payload)}
		if d.Err != nil {
			b.log.Warn("tablet send failed",
				zap.String("event", event),
				zap.String("conn_id", d.ConnectionID),
				zap.Error(d.Err),
			)
			b.metrics.IncDeliveryFailure("tablet")
		}
		results = append(results, d)
	}
	return results
}

// BroadcastDeviceStatus pushes the registry snapshot to tablets.
func (b *Broadcaster) BroadcastDeviceStatus() []Delivery {
	return b.SendToAllTablets(domain.EventDeviceStatusUpdate, b.registry.Status())
}

func (b *Broadcaster) safeSend(conn port.Connection, event string, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("send panicked")
		}
	}()
	return conn.Send(event, payload)
}
