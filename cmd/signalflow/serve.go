package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shaiso/Signalflow/internal/agent"
	"github.com/shaiso/Signalflow/internal/api"
	"github.com/shaiso/Signalflow/internal/config"
	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/engine"
	"github.com/shaiso/Signalflow/internal/execution"
	"github.com/shaiso/Signalflow/internal/featurestore"
	"github.com/shaiso/Signalflow/internal/market"
	"github.com/shaiso/Signalflow/internal/mq"
	"github.com/shaiso/Signalflow/internal/orchestrator"
	"github.com/shaiso/Signalflow/internal/repo"
	"github.com/shaiso/Signalflow/internal/repo/sqlite"
	"github.com/shaiso/Signalflow/internal/scheduler"
	"github.com/shaiso/Signalflow/internal/telemetry"
	"github.com/shaiso/Signalflow/internal/trigger"
	"github.com/shaiso/Signalflow/internal/worker"
)

const publishTimeout = 5 * time.Second

// store — хранилище с проверкой соединения для /healthz.
type store interface {
	repo.Store
	Ping(ctx context.Context) error
}

// serve поднимает все компоненты и блокируется до отмены ctx.
func serve(ctx context.Context, cfg *config.Config) error {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting signalflow", "version", version)

	owner := cfg.Server.InstanceID
	if owner == "" {
		owner = worker.InstanceID()
	}

	// Профилирование
	if cfg.Profiling.URL != "" {
		stop, err := telemetry.StartProfiling(cfg.Profiling.AppName, cfg.Profiling.URL, map[string]string{"instance": owner}, logger)
		if err != nil {
			logger.Warn("profiling disabled", "error", err)
		} else {
			defer stop()
		}
	}

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	// Подключаемся к базе данных
	st, ping, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store ready", "driver", cfg.Store.Driver)

	// Агенты
	features := featurestore.NewPersistent(st, cfg.Features.MaxAge.Duration, cfg.Features.CacheTTL.Duration)
	agents := agent.DefaultRegistry(features)

	// Каталог pipelines
	catalog := engine.NewCatalog(cfg.Pipelines.Dir, logger)
	if err := catalog.Load(); err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}
	logger.Info("pipelines loaded", "dir", cfg.Pipelines.Dir, "count", len(catalog.List()))

	// Площадка
	venue, stream, err := openVenue(cfg, logger)
	if err != nil {
		return err
	}

	// Подключаемся к RabbitMQ
	var publisher *mq.Publisher
	var conn *mq.Connection
	if cfg.MQ.URL != "" {
		conn, err = mq.NewConnection(cfg.MQ.URL, logger)
		if err != nil {
			logger.Warn("failed to connect to RabbitMQ, running in polling-only mode", "error", err)
		} else {
			defer conn.Close()
			if err := mq.SetupTopology(ctx, conn); err != nil {
				return fmt.Errorf("setup topology: %w", err)
			}
			logger.Debug("rabbitmq topology ready", "topology", mq.TopologyInfo())
			publisher = mq.NewPublisher(conn, logger)
		}
	}

	// Исполнение ордеров
	exec := execution.New(execution.Config{
		Orders: st,
		Runs:   st,
		Market: venue,
		Limits: execution.Limits{
			KillSwitch:           cfg.Execution.KillSwitch,
			MaxOrderSize:         cfg.Execution.MaxOrderSize,
			MaxPosition:          cfg.Execution.MaxPosition,
			MaxAggregateNotional: cfg.Execution.MaxAggregateNotional,
		},
		RateLimit:     rate.Limit(cfg.Execution.RateLimit),
		Burst:         cfg.Execution.Burst,
		SubmitTimeout: cfg.Execution.SubmitTimeout.Duration,
		OnOrderUpdate: orderPublisher(publisher, logger),
		Logger:        logger,
		Metrics:       metrics,
	})
	if err := exec.Restore(ctx); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}

	reconciler := execution.NewReconciler(exec, execution.ReconcilerConfig{
		Interval:     cfg.Execution.ReconcileInterval.Duration,
		PendingGrace: cfg.Execution.PendingGrace.Duration,
		Logger:       logger,
	})

	// Планировщик стадий
	// Попытка считается брошенной после нескольких пропущенных heartbeat.
	staleAfter := cfg.Orchestrator.StaleAfter.Duration
	executor := worker.New(worker.Config{
		Tasks:             st,
		Agents:            agents,
		Owner:             owner,
		HeartbeatInterval: staleAfter / 5,
		Logger:            logger,
		Metrics:           metrics,
	})
	sched := scheduler.New(scheduler.Config{
		Tasks:             st,
		Executor:          executor,
		StaleAfter:        staleAfter,
		GlobalConcurrency: cfg.Scheduler.GlobalConcurrency,
		RunConcurrency:    cfg.Scheduler.RunConcurrency,
		OnTaskFinished: func(run *domain.Run, task *domain.Task) {
			logger.Debug("stage finished",
				"run_id", run.ID,
				"stage", task.StageID,
				"attempt", task.Attempt,
				"status", task.Status,
			)
		},
		Logger: logger,
	})

	// Orchestrator
	orchCfg := orchestrator.Config{
		Store:         st,
		Catalog:       catalog,
		Scheduler:     sched,
		Executor:      exec,
		Agents:        agents,
		PollInterval:  cfg.Orchestrator.PollInterval.Duration,
		BatchSize:     cfg.Orchestrator.BatchSize,
		StaleAfter:    staleAfter,
		MaxActiveRuns: cfg.Orchestrator.MaxActiveRuns,
		SubmitTimeout: cfg.Orchestrator.SubmitTimeout.Duration,
		Logger:        logger,
		Metrics:       metrics,
	}
	if publisher != nil {
		orchCfg.Events = publisher
		orchCfg.Conn = conn
	}
	orch := orchestrator.New(orchCfg)

	// Триггеры
	triggers, err := trigger.New(trigger.Config{
		Triggers: cfg.Triggers,
		Starter:  orch,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("triggers: %w", err)
	}

	// Создаём API handler
	handler := api.NewHandler(api.Config{
		Store:     st,
		Runs:      orch,
		Orders:    exec,
		Pipelines: catalog,
		Triggers:  triggers,
		Ping:      ping,
		Logger:    logger,
		Metrics:   metrics,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Запуск. Ошибка любого компонента останавливает остальные.
	g, gctx := errgroup.WithContext(ctx)

	if stream != nil {
		g.Go(func() error { return stream.Run(gctx) })
	}
	g.Go(func() error { return reconciler.Run(gctx) })

	if err := orch.Start(gctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	g.Go(func() error { return triggers.Run(gctx) })
	if cfg.Pipelines.Watch {
		g.Go(func() error { return catalog.Watch(gctx) })
	}

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("stopped")
	return err
}

// openStore открывает хранилище по драйверу из конфигурации и применяет схему.
func openStore(ctx context.Context, cfg *config.Config) (store, func(context.Context) error, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := repo.NewPool(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		pg := repo.NewPGStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Ping, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Ping, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalidConfig, cfg.Store.Driver)
	}
}

// openVenue создаёт клиента площадки. Stream возвращается, если его
// нужно запустить отдельно.
func openVenue(cfg *config.Config, logger *slog.Logger) (market.Client, *market.Stream, error) {
	switch cfg.Venue.Kind {
	case config.VenuePaper:
		logger.Info("using paper venue", "fill", cfg.Venue.PaperFill)
		return market.NewPaper(market.PaperConfig{
			Mode:      market.FillMode(cfg.Venue.PaperFill),
			FillDelay: cfg.Venue.PaperFillDelay.Duration,
		}), nil, nil

	case config.VenueKalshi:
		key, err := market.LoadPrivateKeyFile(cfg.Venue.PrivateKeyPath)
		if err != nil {
			return nil, nil, err
		}

		baseURL, streamURL := market.KalshiProdURL, market.KalshiProdStreamURL
		if cfg.Venue.Demo {
			baseURL, streamURL = market.KalshiDemoURL, market.KalshiDemoStreamURL
		}

		var stream *market.Stream
		if cfg.Venue.Stream {
			stream = market.NewStream(market.StreamConfig{
				URL:        streamURL,
				KeyID:      cfg.Venue.KeyID,
				PrivateKey: key,
				Logger:     logger,
			})
		}

		client, err := market.NewKalshi(market.KalshiConfig{
			BaseURL:    baseURL,
			KeyID:      cfg.Venue.KeyID,
			PrivateKey: key,
			Logger:     logger,
			Stream:     stream,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using kalshi venue", "base_url", baseURL, "stream", stream != nil)
		return client, stream, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown venue %q", config.ErrInvalidConfig, cfg.Venue.Kind)
	}
}

// orderPublisher публикует order.updated. Без RabbitMQ изменения
// только логируются.
func orderPublisher(p *mq.Publisher, logger *slog.Logger) func(*domain.Order) {
	return func(order *domain.Order) {
		logger.Debug("order updated", "order_key", order.Key, "status", order.Status)
		if p == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.PublishOrderUpdated(ctx, order); err != nil {
			logger.Warn("failed to publish order update", "order_key", order.Key, "error", err)
		}
	}
}
