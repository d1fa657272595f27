package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heartline/realtime/internal/chat"
	"github.com/heartline/realtime/internal/config"
	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/eventbus"
	"github.com/heartline/realtime/internal/gate"
	"github.com/heartline/realtime/internal/messaging"
	"github.com/heartline/realtime/internal/notify"
	"github.com/heartline/realtime/internal/observability"
	"github.com/heartline/realtime/internal/presence"
	"github.com/heartline/realtime/internal/ratelimit"
	"github.com/heartline/realtime/internal/redis"
	"github.com/heartline/realtime/internal/registry"
	"github.com/heartline/realtime/internal/session"
	"github.com/heartline/realtime/internal/store"
	"github.com/heartline/realtime/internal/store/memory"
	"github.com/heartline/realtime/internal/store/postgres"
	"github.com/heartline/realtime/internal/ws"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("wsserver exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.OTEL.ServiceName,
		Environment: cfg.Environment,
		ServerName:  cfg.ServerName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    cfg.OTEL.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	reg := registry.New(
		registry.WithShards(cfg.Registry.Shards),
		registry.WithLogger(logger),
	)
	topics := presence.NewTopics()

	var agg notify.Aggregator = notify.NewMemory(cfg.Notify.Shards)
	if cfg.Notify.Backend == config.NotifyRedis {
		if rdb == nil {
			return fmt.Errorf("%w: redis (notify.backend=redis)", domain.ErrConfigRequired)
		}
		agg = notify.NewRedis(rdb.RDB)
	}

	bus := eventbus.New(reg, topics, agg, logger)

	var sessions *session.Store
	var dir presence.Directory
	if rdb != nil {
		sessions = session.NewStore(rdb.RDB, cfg.ServerName, cfg.Redis.SessionTTL, nil)
		dir = sessions
	}
	tracker := presence.NewTracker(bus, topics, reg, dir, logger)
	reg.SetOnTransition(tracker.HandleTransition)

	svc := chat.NewService(st, gate.New(st, logger), bus, agg, tracker, chat.WithLogger(logger))

	dispatcher := ws.NewMessageDispatcher(logger)
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.WS.ListenAddr,
		WorkerPoolSize: cfg.WS.WorkerPoolSize,
		MaxConnections: cfg.WS.MaxConnections,
		ReadTimeout:    cfg.WS.ReadTimeout,
		WriteTimeout:   cfg.WS.WriteTimeout,
		OutboxSize:     cfg.WS.OutboxSize,
		UserHeader:     cfg.WS.UserHeader,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Heartbeat.Interval,
			Timeout:  cfg.Heartbeat.Timeout,
		},
	}, logger, dispatcher.Dispatch)

	opts := []ws.HandlersOption{ws.WithHandlersLogger(logger)}
	if sessions != nil {
		opts = append(opts, ws.WithDirectory(sessions))
	}
	if rdb != nil && cfg.RateLimit.Enabled {
		rules := ws.DefaultRateRules()
		rules.Message.Limit, rules.Message.Window = cfg.RateLimit.MessageLimit, cfg.RateLimit.MessageWindow
		rules.Like.Limit, rules.Like.Window = cfg.RateLimit.LikeLimit, cfg.RateLimit.LikeWindow
		opts = append(opts, ws.WithLimiter(ratelimit.NewLimiter(rdb.RDB, logger), rules))
	}
	ws.NewHandlers(svc, reg, opts...).Bind(server, dispatcher)

	var nc *messaging.NATSClient
	if cfg.NATS.URL != "" {
		nc, err = messaging.NewNATSClient(messaging.NATSConfig{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, logger)
		if err != nil {
			return err
		}
		if err := messaging.NewIngress(svc, logger).Start(nc); err != nil {
			nc.Close()
			return err
		}
	}

	logger.Info("wsserver starting",
		slog.String("version", version),
		slog.String("listen_addr", cfg.WS.ListenAddr),
		slog.Int("worker_pool", cfg.WS.WorkerPoolSize),
		slog.Int("max_connections", cfg.WS.MaxConnections),
		slog.String("store", cfg.Store.Driver),
		slog.String("notify", cfg.Notify.Backend),
		slog.Bool("redis", rdb != nil),
		slog.Bool("nats", nc != nil),
	)

	if err := server.Open(); err != nil {
		if nc != nil {
			nc.Close()
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Serve)
	g.Go(func() error {
		return reg.RunReaper(gctx, cfg.Registry.ReapInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), domain.GracefulShutdownTimeout)
		defer cancel()
		if nc != nil {
			nc.Close()
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("wsserver stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.RelationshipStore, func(), error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	default:
		return memory.New(nil), func() {}, nil
	}
}

// connectRedis returns nil when Redis is not configured. Outside prod an
// unreachable Redis is logged and the node runs without it.
func connectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	if !cfg.RedisEnabled() {
		return nil, nil
	}
	client := redis.NewClient(redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, domain.RedisTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		_ = client.Close()
		if cfg.IsProd() || cfg.Notify.Backend == config.NotifyRedis {
			return nil, err
		}
		logger.Warn("redis unavailable, continuing without it",
			slog.String("addr", cfg.Redis.Addr),
			slog.Any("error", err),
		)
		return nil, nil
	}
	return client, nil
}
