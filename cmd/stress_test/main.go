package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/pickline/internal/adapter/storage"
	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/core/service"
)

const (
	lockKey         = "pickline:stress-lock"
	deviceID        = "stress-device"
	productCode     = "stress-part"
	totalRequests   = 50
	duplicateReport = 20
	initialPhysical = 100
	initialReserved = 10
	pickQuantity    = 3
)

func main() {
	ctx := context.Background()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer rdb.Close()
	rdb.Del(ctx, lockKey)
	defer rdb.Del(ctx, lockKey)

	deps := service.Deps{
		Store: storage.NewMemoryAdapter(),
		Lock:  storage.NewRedisAdapter(rdb, lockKey),
	}
	ledger := service.NewLedgerService(deps)
	completion := service.NewCompletionOrchestrator(deps, ledger)
	picking := service.NewPickingService(deps, completion)

	code := domain.ItemCode{DeviceID: deviceID, ProductCode: productCode}
	if _, err := ledger.Adjust(ctx, service.Adjustment{
		ItemCode:      code,
		PhysicalDelta: initialPhysical,
		ReservedDelta: initialReserved,
		Actor:         "stress",
	}); err != nil {
		log.Fatalf("failed to seed stock: %v", err)
	}

	for i := 0; i < totalRequests; i++ {
		_, err := picking.CreateRequest(ctx, service.NewRequest{
			RequestNumber: fmt.Sprintf("STRESS-%03d", i),
			CreatedBy:     "stress",
			LineItems: []domain.LineItem{
				{LineNumber: 1, ProductCode: productCode, DeviceID: deviceID, Quantity: pickQuantity},
			},
		})
		if err != nil {
			log.Fatalf("failed to create request: %v", err)
		}
	}

	// Phase 1: every request races for the Order Lock
	var (
		started, conflicted atomic.Int32
		winner              atomic.Value
		wg                  sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rn := fmt.Sprintf("STRESS-%03d", i)
			_, err := picking.StartRequest(ctx, rn, fmt.Sprintf("worker-%d", i))
			switch {
			case err == nil:
				started.Add(1)
				winner.Store(rn)
			case errors.Is(err, service.ErrLockConflict):
				conflicted.Add(1)
			default:
				log.Printf("unexpected start error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	lockElapsed := time.Since(start)

	// Phase 2: the winner's only line item is reported done many times at once
	rn, _ := winner.Load().(string)
	var completedNow, duplicates atomic.Int32
	start = time.Now()
	for i := 0; i < duplicateReport; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := completion.Complete(ctx, domain.CompletionReport{RequestNumber: rn, LineNumber: 1, DeviceID: deviceID})
			if err != nil {
				log.Printf("unexpected completion error: %v", err)
				return
			}
			if res.AlreadyCompleted {
				duplicates.Add(1)
			} else {
				completedNow.Add(1)
			}
		}()
	}
	wg.Wait()
	completeElapsed := time.Since(start)

	snap, _ := ledger.LatestFor(ctx, code)
	history, _ := ledger.History(ctx, code, 100)
	state, _ := picking.LockStatus(ctx)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Start attempts:     %d\n", totalRequests)
	fmt.Printf("Started:            %d\n", started.Load())
	fmt.Printf("Conflicts:          %d\n", conflicted.Load())
	fmt.Printf("Lock phase:         %v\n", lockElapsed)
	fmt.Printf("Completion reports: %d\n", duplicateReport)
	fmt.Printf("Applied:            %d\n", completedNow.Load())
	fmt.Printf("Duplicates:         %d\n", duplicates.Load())
	fmt.Printf("Completion phase:   %v\n", completeElapsed)
	fmt.Println("==========================================")

	check(started.Load() == 1 && conflicted.Load() == totalRequests-1,
		"exactly one request acquired the order lock", "expected 1 start and %d conflicts", totalRequests-1)
	check(completedNow.Load() == 1 && duplicates.Load() == duplicateReport-1,
		"exactly one completion applied", "expected 1 applied completion, got %d", completedNow.Load())
	check(len(history) == 2,
		"ledger holds the seed entry and one pick", "expected 2 ledger entries, got %d", len(history))
	check(snap.Physical == initialPhysical-pickQuantity && snap.Reserved == initialReserved-pickQuantity,
		fmt.Sprintf("stock is physical %d reserved %d", snap.Physical, snap.Reserved),
		"unexpected stock physical %d reserved %d", snap.Physical, snap.Reserved)
	check(!state.Held, "order lock released after completion", "order lock still held by %s", state.HolderRequestNumber)
}

func check(ok bool, pass, failFormat string, args ...any) {
	if ok {
		fmt.Println("PASS: " + pass)
		return
	}
	fmt.Printf("FAIL: "+failFormat+"\n", args...)
}
