package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/pickline/internal/adapter/handler"
	"github.com/rl1809/pickline/internal/adapter/messaging"
	"github.com/rl1809/pickline/internal/adapter/metrics"
	"github.com/rl1809/pickline/internal/adapter/storage"
	"github.com/rl1809/pickline/internal/config"
	"github.com/rl1809/pickline/internal/core/service"
	"github.com/rl1809/pickline/internal/port"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP, websocket, gRPC and MQTT surfaces",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("http-port", 8080, "HTTP listen port")
	serveCmd.Flags().Bool("migrate", false, "apply MySQL migrations before serving")
	_ = v.BindPFlag("server.http_port", serveCmd.Flags().Lookup("http-port"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runMigrations, _ := cmd.Flags().GetBool("migrate")
	store, closeStore, err := openStore(ctx, cfg, runMigrations, log)
	if err != nil {
		return err
	}
	defer closeStore()

	lock, closeLock, err := openLock(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLock()

	publisher, err := messaging.NewPublisher(messaging.ServiceBusConfig{
		ConnectionString: cfg.ServiceBus.ConnectionString,
		QueueName:        cfg.ServiceBus.QueueName,
	}, log)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	registry := service.NewDeviceRegistry(collector, log)
	deps := service.Deps{
		Store:       store,
		Lock:        lock,
		Registry:    registry,
		Broadcaster: service.NewBroadcaster(registry, collector, log),
		Publisher:   publisher,
		Metrics:     collector,
		Logger:      log,
	}

	ledger := service.NewLedgerService(deps)
	completion := service.NewCompletionOrchestrator(deps, ledger)
	picking := service.NewPickingService(deps, completion)
	session := service.NewSessionService(deps, completion)
	sweeper, err := service.NewSweeper(deps, service.SweeperConfig{
		Interval:   cfg.Sweeper.Interval,
		StaleAfter: cfg.Sweeper.StaleAfter,
	})
	if err != nil {
		return err
	}

	gin.SetMode(cfg.Server.Mode)
	ws := handler.NewWSHandler(session, handler.WSConfig{
		SendBuffer:   cfg.Realtime.SendBuffer,
		WriteTimeout: cfg.Realtime.WriteTimeout,
		PingInterval: cfg.Realtime.PingInterval,
	}, log)
	router := handler.NewRouter(handler.NewHTTPHandler(picking, ledger, log), ws, collector.Handler(), log)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.UnaryLogger(log)))
	handler.RegisterPickingServer(grpcServer, handler.NewGRPCHandler(picking, session, log))

	var grpcLis net.Listener
	if cfg.Server.GRPCPort > 0 {
		if grpcLis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort)); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	var gateway *handler.MQTTGateway
	if cfg.MQTT.Enabled {
		client, err := handler.NewMQTTClient(handler.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, log)
		if err != nil {
			return err
		}
		gateway = handler.NewMQTTGateway(client, session, cfg.MQTT.TopicPrefix, byte(cfg.MQTT.QoS), log)
		if err := gateway.Start(); err != nil {
			client.Disconnect()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcLis != nil {
		lis := grpcLis
		g.Go(func() error {
			log.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		log.Info("sweeper started",
			zap.Duration("interval", cfg.Sweeper.Interval),
			zap.Duration("stale_after", cfg.Sweeper.StaleAfter),
		)
		sweeper.Start()
		<-ctx.Done()
		return sweeper.Shutdown()
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		grpcServer.GracefulStop()
		if gateway != nil {
			gateway.Stop()
		}
		if err := publisher.Close(shutdownCtx); err != nil {
			log.Warn("publisher close", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool, log *zap.Logger) (port.Store, func(), error) {
	if cfg.Store.Driver == config.DriverMemory {
		log.Warn("using in-memory store, data is lost on restart")
		return storage.NewMemoryAdapter(), func() {}, nil
	}

	dsn := cfg.MySQL.DSN()
	if migrate {
		if err := storage.RunMigrations(dsn); err != nil {
			return nil, nil, err
		}
		log.Info("migrations applied")
	}
	db, err := storage.OpenMySQL(ctx, dsn, storage.PoolConfig{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("connected to mysql", zap.String("host", cfg.MySQL.Host), zap.String("database", cfg.MySQL.DBName))
	return storage.NewMySQLAdapter(db), func() { db.Close() }, nil
}

func openLock(ctx context.Context, cfg *config.Config, log *zap.Logger) (port.OrderLock, func(), error) {
	if cfg.Lock.Backend == config.LockMemory {
		log.Warn("using in-process order lock, only safe with a single server")
		return storage.NewMemoryLock(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	return storage.NewRedisAdapter(rdb, cfg.Lock.Key), func() { rdb.Close() }, nil
}
