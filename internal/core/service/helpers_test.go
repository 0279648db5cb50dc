package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rl1809/pickline/internal/adapter/storage"
	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/port"
)

type sentEvent struct {
	event   string
	payload any
}

// fakeConn records everything sent to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	sent   []sentEvent
	err    error
	panics bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload any) error {
	if c.panics {
		panic("connection torn down")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, sentEvent{event: event, payload: payload})
	return nil
}

func (c *fakeConn) events(event string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, s := range c.sent {
		if s.event == event {
			out = append(out, s.payload)
		}
	}
	return out
}

func (c *fakeConn) lastDisplay(t *testing.T) domain.DisplayState {
	t.Helper()
	displays := c.events(domain.EventDisplayUpdate)
	require.NotEmpty(t, displays, "no display update sent to %s", c.id)
	state, ok := displays[len(displays)-1].(domain.DisplayState)
	require.True(t, ok)
	return state
}

type publishedEvent struct {
	event, key string
	payload    any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, event, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{event: event, key: key, payload: payload})
	return nil
}

func (p *fakePublisher) Close(context.Context) error { return nil }

func (p *fakePublisher) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	store      *storage.MemoryAdapter
	lock       *storage.MemoryLock
	registry   *DeviceRegistry
	publisher  *fakePublisher
	clock      *testClock
	logs       *observer.ObservedLogs
	deps       Deps
	ledger     *LedgerService
	completion *CompletionOrchestrator
	picking    *PickingService
	session    *SessionService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, nil)
}

// newTestEnvWithStore lets a test put a wrapper around the memory store.
func newTestEnvWithStore(t *testing.T, wrap func(*storage.MemoryAdapter) port.Store) *testEnv {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	env := &testEnv{
		store:     storage.NewMemoryAdapter(),
		lock:      storage.NewMemoryLock(),
		publisher: &fakePublisher{},
		clock:     &testClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)},
		logs:      logs,
	}
	var store port.Store = env.store
	if wrap != nil {
		store = wrap(env.store)
	}
	env.registry = NewDeviceRegistry(port.NopMetrics{}, log)
	env.deps = Deps{
		Store:       store,
		Lock:        env.lock,
		Registry:    env.registry,
		Broadcaster: NewBroadcaster(env.registry, port.NopMetrics{}, log),
		Publisher:   env.publisher,
		Logger:      log,
		Clock:       env.clock.Now,
	}
	env.ledger = NewLedgerService(env.deps)
	env.completion = NewCompletionOrchestrator(env.deps, env.ledger)
	env.picking = NewPickingService(env.deps, env.completion)
	env.session = NewSessionService(env.deps, env.completion)
	return env
}

func (e *testEnv) createRequest(t *testing.T, requestNumber string, items ...domain.LineItem) *domain.PickingRequest {
	t.Helper()
	req, err := e.picking.CreateRequest(context.Background(), NewRequest{
		RequestNumber: requestNumber,
		CreatedBy:     "planner",
		LineItems:     items,
	})
	require.NoError(t, err)
	return req
}

func (e *testEnv) stock(t *testing.T, deviceID, productCode string, physical, reserved int) {
	t.Helper()
	_, err := e.ledger.Adjust(context.Background(), Adjustment{
		ItemCode:      domain.ItemCode{DeviceID: deviceID, ProductCode: productCode},
		PhysicalDelta: physical,
		ReservedDelta: reserved,
		Actor:         "stocker",
	})
	require.NoError(t, err)
}

func (e *testEnv) registerDevice(t *testing.T, deviceID string) *fakeConn {
	t.Helper()
	conn := newFakeConn("conn-" + deviceID)
	require.NoError(t, e.registry.Register(conn, domain.RoleDevice, deviceID))
	return conn
}

func (e *testEnv) registerTablet(t *testing.T, id string) *fakeConn {
	t.Helper()
	conn := newFakeConn(id)
	require.NoError(t, e.registry.Register(conn, domain.RoleTablet, ""))
	return conn
}

func line(n int, deviceID, productCode string, qty int) domain.LineItem {
	return domain.LineItem{LineNumber: n, DeviceID: deviceID, ProductCode: productCode, Quantity: qty}
}

var errStoreDown = errors.New("connection refused")

// failingStartStore fails every StartRequest write.
type failingStartStore struct {
	*storage.MemoryAdapter
}

func (s failingStartStore) Requests() port.RequestRepository {
	return failingStartRequests{s.MemoryAdapter.Requests()}
}

type failingStartRequests struct {
	port.RequestRepository
}

func (failingStartRequests) StartRequest(context.Context, string, string, time.Time) error {
	return errors.Join(domain.ErrPersistenceUnavailable, errStoreDown)
}

// failingAppendStore fails ledger appends made inside a transaction while fail is set.
type failingAppendStore struct {
	*storage.MemoryAdapter
	fail *atomic.Bool
}

func (s failingAppendStore) WithinTx(ctx context.Context, fn func(ctx context.Context, stores port.Stores) error) error {
	return s.MemoryAdapter.WithinTx(ctx, func(ctx context.Context, stores port.Stores) error {
		stores.Ledger = failingAppendLedger{LedgerRepository: stores.Ledger, fail: s.fail}
		return fn(ctx, stores)
	})
}

type failingAppendLedger struct {
	port.LedgerRepository
	fail *atomic.Bool
}

func (l failingAppendLedger) Append(ctx context.Context, t domain.InventoryTransaction) (bool, error) {
	if l.fail.Load() {
		return false, fmt.Errorf("append ledger entry: %w: %w", domain.ErrPersistenceUnavailable, errStoreDown)
	}
	return l.LedgerRepository.Append(ctx, t)
}
