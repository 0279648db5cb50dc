package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/port"
)

const publishTimeout = 5 * time.Second

// Deps carries the collaborators shared by the coordination services.
type Deps struct {
	Store       port.Store
	Lock        port.OrderLock
	Registry    *DeviceRegistry
	Broadcaster *Broadcaster
	Publisher   port.EventPublisher
	Metrics     port.Metrics
	Logger      *zap.Logger
	Clock       func() time.Time
	NewID       func() string
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = port.NopMetrics{}
	}
	if d.Publisher == nil {
		d.Publisher = port.NopPublisher{}
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.NewID == nil {
		d.NewID = func() string { return uuid.NewString() }
	}
	if d.Registry == nil {
		d.Registry = NewDeviceRegistry(d.Metrics, d.Logger)
	}
	if d.Broadcaster == nil {
		d.Broadcaster = NewBroadcaster(d.Registry, d.Metrics, d.Logger)
	}
	return d
}

type base struct {
	Deps
}

func newBase(d Deps) base {
	return base{Deps: d.withDefaults()}
}

func (b base) now() time.Time {
	return b.Clock()
}

// publish forwards an integration event; failures are logged and never fail the caller.
func (b base) publish(ctx context.Context, event, key string, payload any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := b.Publisher.Publish(ctx, event, key, payload); err != nil {
		b.Logger.Warn("integration event not published",
			zap.String("event", event),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// releaseLock releases the Order Lock for requestNumber and tells tablets the new lock state.
func (b base) releaseLock(ctx context.Context, requestNumber string) bool {
	released, err := b.Lock.Release(ctx, requestNumber)
	if err != nil {
		b.Logger.Error("order lock release failed", zap.String("request_number", requestNumber), zap.Error(err))
		return false
	}
	if released {
		b.Logger.Info("order lock released", zap.String("request_number", requestNumber))
		b.pushLockStatus(ctx)
	}
	return released
}

func (b base) pushLockStatus(ctx context.Context) {
	state, err := b.Lock.Status(ctx)
	if err != nil {
		b.Logger.Warn("order lock status unavailable", zap.Error(err))
		return
	}
	b.Broadcaster.SendToAllTablets(domain.EventLockStatusUpdate, state)
}

// keyedMutex serializes work per key; entries are dropped once no one holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
