package storage_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/pickline/internal/adapter/storage"
	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/core/service"
)

type testEnv struct {
	redis *redis.Client
	mysql *sql.DB
	lock  *storage.RedisAdapter
	store *storage.MySQLAdapter
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/pickline?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	db, err := storage.OpenMySQL(context.Background(), mysqlDSN, storage.PoolConfig{})
	if err != nil {
		rdb.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	require.NoError(t, storage.RunMigrations(mysqlDSN))

	lockKey := fmt.Sprintf("pickline:test-lock:%d", time.Now().UnixNano())
	t.Cleanup(func() {
		rdb.Del(context.Background(), lockKey)
		rdb.Close()
		db.Close()
	})
	return &testEnv{
		redis: rdb,
		mysql: db,
		lock:  storage.NewRedisAdapter(rdb, lockKey),
		store: storage.NewMySQLAdapter(db),
	}
}

func TestIntegration_PickingFlow(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	rn := fmt.Sprintf("IT-%d", time.Now().UnixNano())
	device := "it-device-" + rn
	deps := service.Deps{Store: env.store, Lock: env.lock}
	ledger := service.NewLedgerService(deps)
	completion := service.NewCompletionOrchestrator(deps, ledger)
	picking := service.NewPickingService(deps, completion)

	_, err := ledger.Adjust(ctx, service.Adjustment{
		ItemCode:      domain.ItemCode{DeviceID: device, ProductCode: "P-1"},
		PhysicalDelta: 20,
		ReservedDelta: 5,
		Actor:         "it",
	})
	require.NoError(t, err)

	_, err = picking.CreateRequest(ctx, service.NewRequest{
		RequestNumber: rn,
		CreatedBy:     "it",
		LineItems: []domain.LineItem{
			{LineNumber: 1, ProductCode: "P-1", DeviceID: device, Quantity: 2},
			{LineNumber: 2, ProductCode: "P-1", DeviceID: device, Quantity: 3},
		},
	})
	require.NoError(t, err)

	_, err = picking.StartRequest(ctx, rn, "it")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, line := range []int{1, 2} {
			wg.Add(1)
			go func(line int) {
				defer wg.Done()
				_, _ = completion.Complete(ctx, domain.CompletionReport{RequestNumber: rn, LineNumber: line, DeviceID: device})
			}(line)
		}
	}
	wg.Wait()

	req, err := picking.GetRequest(ctx, rn)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusCompleted, req.Status)

	var picks int
	require.NoError(t, env.mysql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inventory_transactions WHERE request_number = ?`, rn).Scan(&picks))
	assert.Equal(t, 2, picks)

	snap, err := ledger.LatestFor(ctx, domain.ItemCode{DeviceID: device, ProductCode: "P-1"})
	require.NoError(t, err)
	assert.Equal(t, 15, snap.Physical)
	assert.Equal(t, 0, snap.Reserved)

	state, err := env.lock.Status(ctx)
	require.NoError(t, err)
	assert.False(t, state.Held)
}
