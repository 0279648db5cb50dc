package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/port"
)

func TestDeviceRegistry_LastRegistrationWins(t *testing.T) {
	r := NewDeviceRegistry(port.NopMetrics{}, zap.NewNop())
	old := newFakeConn("ws:1")
	fresh := newFakeConn("ws:2")

	require.NoError(t, r.Register(old, domain.RoleDevice, "D1"))
	require.NoError(t, r.Register(fresh, domain.RoleDevice, "D1"))

	conn, ok := r.Device("D1")
	require.True(t, ok)
	assert.Equal(t, "ws:2", conn.ID())
	assert.Equal(t, []string{"D1"}, r.ListDevices())

	// the replaced connection closing must not unbind the new one
	devices, tablet := r.Unregister("ws:1")
	assert.Empty(t, devices)
	assert.False(t, tablet)
	_, ok = r.Device("D1")
	assert.True(t, ok)

	devices, _ = r.Unregister("ws:2")
	assert.Equal(t, []string{"D1"}, devices)
	assert.Empty(t, r.ListDevices())
}

func TestDeviceRegistry_DeviceGetsStandbyOnRegister(t *testing.T) {
	r := NewDeviceRegistry(port.NopMetrics{}, zap.NewNop())
	conn := newFakeConn("mqtt:D7")

	require.NoError(t, r.Register(conn, domain.RoleDevice, "D7"))

	assert.Equal(t, domain.StandbyDisplay(), conn.lastDisplay(t))
}

func TestDeviceRegistry_Tablets(t *testing.T) {
	r := NewDeviceRegistry(port.NopMetrics{}, zap.NewNop())
	require.NoError(t, r.Register(newFakeConn("t1"), domain.RoleTablet, ""))
	require.NoError(t, r.Register(newFakeConn("t2"), domain.RoleTablet, ""))
	require.NoError(t, r.Register(newFakeConn("t2"), domain.RoleTablet, ""))

	assert.Equal(t, 2, r.TabletCount())
	assert.Equal(t, domain.DeviceStatus{Devices: []string{}, TabletCount: 2}, r.Status())

	_, tablet := r.Unregister("t1")
	assert.True(t, tablet)
	assert.Equal(t, 1, r.TabletCount())

	devices, tablet := r.Unregister("unknown")
	assert.Empty(t, devices)
	assert.False(t, tablet)
}

func TestDeviceRegistry_RejectsBadRegistration(t *testing.T) {
	r := NewDeviceRegistry(port.NopMetrics{}, zap.NewNop())

	assert.ErrorIs(t, r.Register(newFakeConn("c"), domain.RoleDevice, ""), domain.ErrValidation)
	assert.ErrorIs(t, r.Register(newFakeConn("c"), domain.Role("printer"), "D1"), domain.ErrValidation)
	assert.Empty(t, r.ListDevices())
}

func TestDeviceRegistry_OneConnectionManyDevices(t *testing.T) {
	r := NewDeviceRegistry(port.NopMetrics{}, zap.NewNop())
	hub := newFakeConn("ws:hub")
	require.NoError(t, r.Register(hub, domain.RoleDevice, "D2"))
	require.NoError(t, r.Register(hub, domain.RoleDevice, "D1"))

	assert.Equal(t, []string{"D1", "D2"}, r.ListDevices())

	devices, _ := r.Unregister("ws:hub")
	assert.ElementsMatch(t, []string{"D1", "D2"}, devices)
}
