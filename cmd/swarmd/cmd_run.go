package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"swarm/pkg/arbiter"
	"swarm/pkg/breaker"
	"swarm/pkg/broker"
	"swarm/pkg/config"
	"swarm/pkg/eventlog"
	"swarm/pkg/fault"
	"swarm/pkg/health"
	"swarm/pkg/protocol"
	"swarm/pkg/router"
	"swarm/pkg/scheduler"
)

// flushTimeout bounds the held-message flush on shutdown.
const flushTimeout = 5 * time.Second

// newRunCmd creates the "swarmd run" subcommand.
func newRunCmd() *cobra.Command {
	var (
		cfgPath string
		dbPath  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the swarm coordination daemon",
		Long:  "Loads the configuration, opens the runtime database and runs the\nscheduler, arbiter, router, health monitor and fault manager until\ninterrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfgPath, dbPath)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to swarm config (.yaml or .toml)")
	cmd.Flags().StringVar(&dbPath, "db", "", "override the runtime database path")
	return cmd
}

// runDaemon wires the components together and blocks until ctx is
// cancelled. Shutdown order: loops drain, then held messages flush.
func runDaemon(ctx context.Context, cfgPath, dbOverride string) error {
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	logger, level := newLogger(cfg.LogLevel)

	dbPath := cfg.Database
	if dbOverride != "" {
		dbPath = dbOverride
	}
	if dbPath == "" {
		dbPath = eventlog.DefaultDBPath()
	}
	db, err := eventlog.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	bank := breaker.NewBank(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout.Std(),
	})

	var bus broker.Broker
	if len(cfg.Broker.KafkaSeeds) > 0 {
		kb, err := broker.NewKafkaBroker(cfg.Broker.KafkaSeeds)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		bus = kb
	} else {
		bus = broker.NewMemoryBroker()
	}
	defer bus.Close()

	var dedup router.DedupStore
	if cfg.Router.RedisAddr != "" {
		dedup = router.NewRedisDedup(cfg.Router.RedisAddr, "swarm")
	} else {
		dedup = router.NewMemoryDedup()
	}

	rt := router.New(router.Config{
		DedupWindow:     cfg.Router.DedupWindow.Std(),
		HealthFloor:     cfg.Router.HealthFloor,
		CleanupInterval: cfg.Router.CleanupInterval.Std(),
		PublishTimeout:  cfg.Router.PublishTimeout.Std(),
	}, bank, dedup, db, logger)

	connected := make(map[string]bool)
	applyRoutes := func(routes []protocol.MessageRoute) error {
		for _, route := range routes {
			for _, ep := range route.Endpoints {
				if !connected[ep] {
					rt.Connect(ep, bus)
					connected[ep] = true
				}
			}
		}
		for _, route := range routes {
			if err := rt.AddRoute(route); err != nil {
				return fmt.Errorf("route %s: %w", route.Name, err)
			}
		}
		return nil
	}
	if err := applyRoutes(cfg.Router.Protocol()); err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Config{
		Strategy:            scheduler.Strategy(cfg.Scheduler.Strategy),
		ScoreWeight:         cfg.Scheduler.ScoreWeight,
		PredictionWeight:    cfg.Scheduler.PredictionWeight,
		StaleAfter:          cfg.Scheduler.StaleAfter.Std(),
		SweepInterval:       cfg.Scheduler.SweepInterval.Std(),
		CompletionGrace:     cfg.Scheduler.CompletionGrace.Std(),
		HistoryWindow:       cfg.Scheduler.HistoryWindow.Std(),
		ResponseTimeCeiling: cfg.Scheduler.ResponseTimeCeiling.Std(),
		LoadCeiling:         cfg.Scheduler.LoadCeiling,
	}, db, logger)

	arb := arbiter.New(arbiter.Config{
		ConsensusThreshold: cfg.Arbiter.ConsensusThreshold,
		PriorityConfidence: cfg.Arbiter.PriorityConfidence,
		ConflictWindow:     cfg.Arbiter.ConflictWindow.Std(),
		ResourceCapacity:   cfg.Arbiter.ResourceCapacity,
		AgentWeights:       cfg.Arbiter.AgentWeights,
	}, db, logger)

	monitor := health.New(health.Config{
		DefaultInterval: cfg.Health.DefaultInterval.Std(),
		DefaultTimeout:  cfg.Health.DefaultTimeout.Std(),
	}, db, logger)
	for _, check := range cfg.Health.Protocol() {
		probe, err := buildProbe(check, db)
		if err != nil {
			logger.Warn("skipping health check", "check", check.Name, "err", err)
			continue
		}
		if err := monitor.Register(check, probe); err != nil {
			return err
		}
	}

	manager := fault.New(fault.Config{
		ResilienceFloor:    cfg.Fault.ResilienceFloor,
		ResilienceInterval: cfg.Fault.ResilienceInterval.Std(),
	}, monitor, bank, db, logger)
	for _, action := range cfg.Fault.Protocol() {
		if err := manager.AddAction(action); err != nil {
			return err
		}
	}

	logger.Info("swarmd starting",
		"db", dbPath,
		"routes", len(cfg.Router.Routes),
		"checks", len(cfg.Health.Checks),
		"actions", len(cfg.Fault.Actions))

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	run(sched.Run)
	run(rt.Run)
	run(monitor.Run)
	run(func(ctx context.Context) { manager.Run(ctx, monitor.Transitions(), bank.Events()) })
	run(manager.RunResilience)
	run(func(ctx context.Context) { runIngest(ctx, bus, cfg.Broker.ConsumerGroup, sched, arb, rt, logger) })
	run(func(ctx context.Context) {
		drainEvents(ctx, logger, sched.Events(), arb.Events(), rt.Events(), monitor.Events(), manager.Events())
	})
	if cfgPath != "" {
		run(func(ctx context.Context) {
			config.Watch(ctx, cfgPath, 0, logger, func(next config.Config) {
				level.Set(parseLevel(next.LogLevel))
				if err := applyRoutes(next.Router.Protocol()); err != nil {
					logger.Warn("route table reload failed", "err", err)
				}
			})
		})
	}

	<-ctx.Done()
	logger.Info("swarmd shutting down")
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	rt.Flush(flushCtx)
	return nil
}

// buildProbe maps a configured check to a transport probe. Queue-depth
// and custom checks carry code, not config, so they must be registered
// programmatically.
func buildProbe(check protocol.HealthCheck, db *sql.DB) (health.Probe, error) {
	switch check.Kind {
	case protocol.CheckHTTP:
		return health.NewHTTPProbe(nil, check.Endpoint), nil
	case protocol.CheckTCP:
		return health.NewTCPProbe(check.Endpoint), nil
	case protocol.CheckDatabase:
		return health.NewDatabaseProbe(db), nil
	default:
		return nil, fmt.Errorf("check kind %q requires programmatic registration", check.Kind)
	}
}

// drainEvents consumes the component event channels so emitters never
// stall, surfacing each event at debug level. The persistent trail lives
// in the events table.
func drainEvents(ctx context.Context, logger *slog.Logger, sources ...<-chan protocol.Event) {
	var wg sync.WaitGroup
	for _, ch := range sources {
		wg.Add(1)
		go func(ch <-chan protocol.Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					logger.Debug("event",
						"type", ev.Type,
						"source", ev.Source,
						"agent", ev.AgentID,
						"task", ev.TaskID)
				}
			}
		}(ch)
	}
	wg.Wait()
}
