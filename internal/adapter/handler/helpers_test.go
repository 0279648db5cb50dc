package handler

import (
	"testing"

	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/adapter/storage"
	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/core/service"
	"github.com/rl1809/pickline/internal/port"
)

type services struct {
	registry *service.DeviceRegistry
	picking  *service.PickingService
	ledger   *service.LedgerService
	session  *service.SessionService
	log      *zap.Logger
}

func newServices(t *testing.T) *services {
	t.Helper()
	// connection goroutines may still log after a test returns
	log := zap.NewNop()
	registry := service.NewDeviceRegistry(port.NopMetrics{}, log)
	deps := service.Deps{
		Store:       storage.NewMemoryAdapter(),
		Lock:        storage.NewMemoryLock(),
		Registry:    registry,
		Broadcaster: service.NewBroadcaster(registry, port.NopMetrics{}, log),
		Logger:      log,
	}
	ledger := service.NewLedgerService(deps)
	completion := service.NewCompletionOrchestrator(deps, ledger)
	return &services{
		registry: registry,
		picking:  service.NewPickingService(deps, completion),
		ledger:   ledger,
		session:  service.NewSessionService(deps, completion),
		log:      log,
	}
}

func zapNop() *zap.Logger { return zap.NewNop() }

func newRequest(requestNumber string) service.NewRequest {
	return service.NewRequest{
		RequestNumber: requestNumber,
		CreatedBy:     "planner",
		LineItems: []domain.LineItem{
			{LineNumber: 1, DeviceID: "D1", ProductCode: "P-100", Quantity: 2},
		},
	}
}
