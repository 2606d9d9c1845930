package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reservation-engine/internal/clock"
	"reservation-engine/internal/config"
	"reservation-engine/internal/engine"
	"reservation-engine/internal/events"
	"reservation-engine/internal/httpapi"
	"reservation-engine/internal/ledger"
	ledgermem "reservation-engine/internal/ledger/memory"
	"reservation-engine/internal/ledger/postgres"
	"reservation-engine/internal/ledger/postgres/migrations"
	"reservation-engine/internal/notify"
	"reservation-engine/internal/obs"
	"reservation-engine/internal/settlement"
	"reservation-engine/internal/store"
	memstore "reservation-engine/internal/store/memory"
	"reservation-engine/internal/store/redisstore"
	"reservation-engine/internal/sweeper"
)

const shutdownTimeout = 10 * time.Second

type ledgers struct {
	offers    ledger.OfferCatalog
	inventory ledger.Inventory
	points    ledger.Points
	penalties ledger.Penalties
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTracing, err := obs.SetupTracing(ctx, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	shutdownLogs, err := obs.SetupLogExport(ctx, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownLogs(sctx)
	}()
	if cfg.OTelEndpoint != "" {
		logger = obs.WithOTel(logger)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	var rdb *redis.Client
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
	}

	var st store.Store = memstore.New()
	if cfg.Store == config.StoreRedis {
		st = redisstore.New(rdb)
	}

	lg, closeLedgers, err := openLedgers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedgers()

	var (
		notifier settlement.Notifier = notify.NewLogNotifier(logger)
		granter  httpapi.TokenGranter
	)
	if cfg.PubNubPublishKey != "" {
		pn, err := notify.NewPubNub(&notify.PubNubConfig{
			PublishKey:   cfg.PubNubPublishKey,
			SubscribeKey: cfg.PubNubSubscribeKey,
			SecretKey:    cfg.PubNubSecretKey,
			UserID:       cfg.PubNubUserID,
		})
		if err != nil {
			return err
		}
		notifier = pn
		if cfg.PubNubSecretKey != "" {
			granter = pn
		}
	}

	var fanout events.Fanout
	if len(cfg.KafkaBrokers) > 0 {
		w, err := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		kp := events.NewKafkaPublisher(w)
		defer kp.Close()
		fanout = append(fanout, kp)
	}
	if rdb != nil {
		fanout = append(fanout, events.NewRedisPublisher(rdb, events.DefaultChannel))
	}

	policy := cfg.Policy()
	exec := settlement.NewExecutor(lg.inventory, lg.points, lg.penalties, notifier, fanout)

	var dispatcher settlement.Dispatcher
	switch cfg.HookMode {
	case config.ModeAsynq:
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		dispatcher = settlement.NewAsynqDispatcher(client, policy, cfg.HookMaxRetry)
	default:
		icfg := settlement.DefaultInlineConfig()
		icfg.MaxRetries = uint64(cfg.HookMaxRetry)
		inline := settlement.NewInlineDispatcher(exec, policy, icfg, logger, metrics)
		defer inline.Wait()
		dispatcher = inline
	}

	clk := clock.NewSystem()
	eng, err := engine.New(engine.Deps{
		Store:      st,
		Offers:     lg.offers,
		Inventory:  lg.inventory,
		Points:     lg.points,
		Dispatcher: dispatcher,
		Clock:      clk,
	},
		engine.WithHoldDuration(cfg.HoldDuration),
		engine.WithMaxQuantity(cfg.MaxQuantity),
		engine.WithMaxTotalExtension(cfg.MaxExtension),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithTracer(obs.Tracer("reservation-engine/engine")),
	)
	if err != nil {
		return err
	}

	sw := sweeper.New(eng, st, clk, sweeper.Config{
		Interval:    cfg.SweepInterval,
		BatchSize:   cfg.SweepBatch,
		Parallelism: cfg.SweepParallelism,
		SettleGrace: cfg.SettleGrace,
	}, logger.Named("sweeper"), metrics)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HookMode == config.ModeAsynq || cfg.SweepMode == config.ModeAsynq {
		srv, err := startWorkers(cfg, redisOpt, exec, sw, logger, metrics)
		if err != nil {
			return err
		}
		defer srv.Shutdown()
	}
	if cfg.SweepMode == config.ModeAsynq {
		scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: logger.Named("scheduler").Sugar()})
		if err := sweeper.Register(scheduler, cfg.SweepInterval); err != nil {
			return err
		}
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer scheduler.Shutdown()
	} else {
		g.Go(func() error {
			sw.Run(gctx)
			return nil
		})
	}

	e := httpapi.New(eng, httpapi.Options{Logger: logger.Named("http"), Gatherer: reg, Granter: granter})
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(e, "reservation-api"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

// startWorkers runs the asynq server that consumes hook and sweep tasks.
func startWorkers(cfg config.Config, redisOpt asynq.RedisClientOpt, exec *settlement.Executor, sw *sweeper.Sweeper, logger *zap.Logger, metrics *obs.Metrics) (*asynq.Server, error) {
	handler := settlement.NewTaskHandler(exec, logger.Named("hooks"), metrics)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			sweeper.Queue:    6,
			settlement.Queue: 3,
			"default":        1,
		},
		ErrorHandler: handler.ErrorHandler(),
		Logger:       logger.Named("asynq").Sugar(),
	})

	mux := asynq.NewServeMux()
	if cfg.HookMode == config.ModeAsynq {
		mux.HandleFunc(settlement.TypeSettleHook, handler.HandleSettleHook)
	}
	mux.HandleFunc(sweeper.TypeSweepExpired, sw.HandleSweepExpired)
	mux.HandleFunc(sweeper.TypeReconcile, sw.HandleReconcile)

	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("start asynq server: %w", err)
	}
	return srv, nil
}

func openLedgers(ctx context.Context, cfg config.Config, logger *zap.Logger) (ledgers, func(), error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("postgres-dsn not set, offers and ledgers are kept in memory")
		catalog, inv, pts := ledgermem.NewCatalog(), ledgermem.NewInventory(), ledgermem.NewPoints()
		if cfg.SeedFile != "" {
			offers, accounts, err := loadSeed(cfg.SeedFile, catalog, inv, pts)
			if err != nil {
				return ledgers{}, nil, err
			}
			logger.Info("seeded in-memory ledgers",
				zap.String("seed_file", cfg.SeedFile),
				zap.Int("offers", offers),
				zap.Int("accounts", accounts))
		} else {
			logger.Warn("seed-file not set, the in-memory catalog is empty")
		}
		return ledgers{
			offers:    catalog,
			inventory: inv,
			points:    pts,
			penalties: ledgermem.NewPenalties(),
		}, func() {}, nil
	}

	pool, err := openPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return ledgers{}, nil, err
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return ledgers{}, nil, err
	}
	l := postgres.New(pool)
	return ledgers{offers: l, inventory: l, points: l, penalties: l}, pool.Close, nil
}

func openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
