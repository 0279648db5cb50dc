package service

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/port"
)

// DeviceRegistry tracks live connections. It is process-lifetime state only.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]port.Connection // deviceId -> connection
	tablets map[string]port.Connection // connection id -> connection

	metrics port.Metrics
	log     *zap.Logger
}

func NewDeviceRegistry(metrics port.Metrics, log *zap.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]port.Connection),
		tablets: make(map[string]port.Connection),
		metrics: metrics,
		log:     log,
	}
}

// Register binds a device id (last registration wins) or adds a tablet.
// A device is sent the standby display right away.
func (r *DeviceRegistry) Register(conn port.Connection, role domain.Role, deviceID string) error {
	switch role {
	case domain.RoleDevice:
		if deviceID == "" {
			return fmt.Errorf("%w: device registration without device id", domain.ErrValidation)
		}
		r.mu.Lock()
		prev, replaced := r.devices[deviceID]
		r.devices[deviceID] = conn
		r.mu.Unlock()

		fields := []zap.Field{zap.String("device_id", deviceID), zap.String("conn_id", conn.ID())}
		if replaced && prev.ID() != conn.ID() {
			fields = append(fields, zap.String("replaced_conn_id", prev.ID()))
		}
		r.log.Info("device registered", fields...)

		if err := conn.Send(domain.EventDisplayUpdate, domain.StandbyDisplay()); err != nil {
			r.log.Warn("standby display not delivered", zap.String("device_id", deviceID), zap.Error(err))
			r.metrics.IncDeliveryFailure("device")
		}
	case domain.RoleTablet:
		r.mu.Lock()
		r.tablets[conn.ID()] = conn
		r.mu.Unlock()
		r.log.Info("tablet registered", zap.String("conn_id", conn.ID()))
	default:
		return fmt.Errorf("%w: unknown role %q", domain.ErrValidation, role)
	}

	r.reportSize()
	return nil
}

// Unregister drops every binding held by the connection. Unknown ids are a no-op.
func (r *DeviceRegistry) Unregister(connID string) (deviceIDs []string, wasTablet bool) {
	r.mu.Lock()
	for id, conn := range r.devices {
		if conn.ID() == connID {
			delete(r.devices, id)
			deviceIDs = append(deviceIDs, id)
		}
	}
	if _, ok := r.tablets[connID]; ok {
		delete(r.tablets, connID)
		wasTablet = true
	}
	r.mu.Unlock()

	if len(deviceIDs) > 0 || wasTablet {
		r.log.Info("connection unregistered",
			zap.String("conn_id", connID),
			zap.Strings("device_ids", deviceIDs),
			zap.Bool("tablet", wasTablet),
		)
		r.reportSize()
	}
	return deviceIDs, wasTablet
}

// ListDevices returns the bound device ids, sorted.
func (r *DeviceRegistry) ListDevices() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *DeviceRegistry) Device(deviceID string) (port.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.devices[deviceID]
	return conn, ok
}

// Tablets returns a snapshot of the tablet set.
func (r *DeviceRegistry) Tablets() []port.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]port.Connection, 0, len(r.tablets))
	for _, conn := range r.tablets {
		out = append(out, conn)
	}
	return out
}

func (r *DeviceRegistry) TabletCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tablets)
}

func (r *DeviceRegistry) Status() domain.DeviceStatus {
	return domain.DeviceStatus{
		Devices:     r.ListDevices(),
		TabletCount: r.TabletCount(),
	}
}

func (r *DeviceRegistry) reportSize() {
	r.mu.RLock()
	devices, tablets := len(r.devices), len(r.tablets)
	r.mu.RUnlock()
	r.metrics.SetConnections(devices, tablets)
}
