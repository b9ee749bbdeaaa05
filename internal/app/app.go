// Package app wires the push engine together and owns its lifecycle.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"pushgate/internal/ack"
	"pushgate/internal/aggregate"
	"pushgate/internal/config"
	"pushgate/internal/delivery"
	"pushgate/internal/eventbus"
	"pushgate/internal/routing"
	"pushgate/internal/storage"
	"pushgate/internal/sweeper"
	"pushgate/internal/transport"
	logx "pushgate/pkg/logx"
)

// Options configures App construction.
type Options struct {
	ConfigPath string

	// Publisher is the broker client. When nil the in-memory loopback is
	// used (tests, single-process deployments).
	Publisher transport.Publisher
}

// App owns every engine service and their start/stop order.
type App struct {
	cfgMgr *config.ConfigManager
	logSvc *logx.Service
	log    logx.Logger

	bus       eventbus.Bus
	publisher transport.Publisher

	tracker    *delivery.Tracker
	sender     *delivery.Sender
	ackHandler *ack.Handler
	strategies *routing.StrategyManager
	engine     *routing.Engine
	collector  *aggregate.Collector
	aggregator *aggregate.Aggregator
	sweeps     *sweeper.Service
	store      storage.Store

	mu      sync.Mutex
	lastCfg *config.Config

	watchCancel context.CancelFunc
	reloadCh    chan *config.Config
	wg          sync.WaitGroup
}

func New(opts Options) (*App, error) {
	cfgMgr := config.NewConfigManager(opts.ConfigPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, err
	}
	cfgMgr.SetValidator(config.Validate)

	publisher := opts.Publisher
	if publisher == nil {
		publisher = transport.NewLoopback()
	}

	logSvc, log := logx.New(buildLogConfig(cfg.Logging), publisher)
	cfgMgr.SetLogger(log.With(logx.String("svc", "config")))

	bus := eventbus.New()

	catalog, err := buildCatalog(cfg.Delivery)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	tracker := delivery.NewTracker(catalog, bus, log.With(logx.String("svc", "delivery")))

	strategies := routing.NewStrategyManager(log.With(logx.String("svc", "routing")))
	engine := routing.NewEngine(strategies, log.With(logx.String("svc", "routing")))
	if err := applyRoutingConfig(cfg, strategies, engine); err != nil {
		logSvc.Close()
		return nil, err
	}

	sender := delivery.NewSender(buildSenderConfig(cfg.Delivery), publisher, engine, tracker, log.With(logx.String("svc", "sender")))
	ackHandler := ack.NewHandler(tracker, engine.Performance(), bus, log.With(logx.String("svc", "ack")))

	aggCfg, err := buildAggregateConfig(cfg.Aggregation)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	collector := aggregate.NewCollector(sender, log.With(logx.String("svc", "aggregate")))
	aggregator := aggregate.NewAggregator(aggCfg, collector, bus, log.With(logx.String("svc", "aggregate")))

	stCfg, err := buildStorageConfig(cfg.Storage)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(stCfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	if store != nil {
		aggregator.SetArchiver(store)
	}

	a := &App{
		cfgMgr:     cfgMgr,
		logSvc:     logSvc,
		log:        log,
		bus:        bus,
		publisher:  publisher,
		tracker:    tracker,
		sender:     sender,
		ackHandler: ackHandler,
		strategies: strategies,
		engine:     engine,
		collector:  collector,
		aggregator: aggregator,
		sweeps:     sweeper.New(log.With(logx.String("svc", "sweeper"))),
		store:      store,
		lastCfg:    cfg,
	}
	if err := a.registerSweeps(cfg.Sweeps); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) registerSweeps(c config.SweepsConfig) error {
	if !sweepsEnabled(c) {
		a.log.Info("sweeps disabled by config")
		return nil
	}

	if err := a.sweeps.Register("aggregate.progress", sweepSpec(c.Progress, defaultProgressSpec), func(ctx context.Context) {
		a.aggregator.SweepProgress(time.Now())
	}); err != nil {
		return err
	}
	if err := a.sweeps.Register("aggregate.retention", sweepSpec(c.Retention, defaultRetentionSpec), func(ctx context.Context) {
		a.aggregator.SweepRetention(ctx, time.Now())
		a.ackHandler.SweepIdle(time.Now(), idleClientWindow)
	}); err != nil {
		return err
	}
	if err := a.sweeps.Register("strategy.health", sweepSpec(c.StrategyHealth, defaultHealthSpec), func(ctx context.Context) {
		a.strategies.EvaluateHealth(time.Now())
	}); err != nil {
		return err
	}
	if a.store != nil {
		if err := a.sweeps.Register("delivery.stats", sweepSpec(c.StatsFlush, defaultStatsSpec), func(ctx context.Context) {
			s := a.tracker.Stats()
			err := a.store.AppendDeliveryStats(ctx, storage.StatsSnapshot{
				At:       time.Now(),
				Sent:     s.Sent,
				Acked:    s.Acked,
				Rejected: s.Rejected,
				Failed:   s.Failed,
				TimedOut: s.TimedOut,
				Retries:  s.Retries,
				Pending:  s.Pending,
			})
			if err != nil {
				a.log.Warn("delivery.stats_flush_failed", logx.Err(err))
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sender.Start(ctx)
	if err := a.sweeps.Start(ctx); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(watchCtx)
	}()

	a.reloadCh = a.cfgMgr.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for cfg := range a.reloadCh {
			a.applyConfig(cfg)
		}
	}()

	a.log.Info("pushgate started")
	return nil
}

func (a *App) Stop(ctx context.Context) {
	if a.watchCancel != nil {
		a.watchCancel()
	}
	if a.reloadCh != nil {
		a.cfgMgr.Unsubscribe(a.reloadCh)
	}
	a.sweeps.Stop(ctx)
	a.sender.Stop(ctx)
	a.wg.Wait()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	a.log.Info("pushgate stopped")
	a.logSvc.Close()
}

// applyConfig re-applies a hot-reloaded config to the running services. The
// config already passed Validate in the watch path; a build error here is
// logged and the offending section keeps its previous settings.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.mu.Lock()
	prev := a.lastCfg
	a.lastCfg = cfg
	a.mu.Unlock()

	changed, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config reload",
		append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)...)

	for _, section := range changed {
		switch section {
		case "logging":
			a.logSvc.Apply(buildLogConfig(cfg.Logging))
		case "delivery":
			if catalog, err := buildCatalog(cfg.Delivery); err != nil {
				a.log.Warn("config reload: delivery policies rejected", logx.Err(err))
			} else {
				a.tracker.ApplyCatalog(catalog)
			}
			a.sender.Apply(buildSenderConfig(cfg.Delivery))
		case "routing", "strategies":
			if err := applyRoutingConfig(cfg, a.strategies, a.engine); err != nil {
				a.log.Warn("config reload: routing rejected", logx.Err(err))
			}
		case "aggregation":
			if aggCfg, err := buildAggregateConfig(cfg.Aggregation); err != nil {
				a.log.Warn("config reload: aggregation rejected", logx.Err(err))
			} else {
				a.aggregator.Apply(aggCfg)
			}
		case "sweeps", "storage":
			// Sweep schedules and the storage driver are fixed at startup.
			a.log.Info("config reload: section requires restart", logx.String("section", section))
		}
	}
}

// Accessors for embedding layers (broker frontends, tests, tooling).

func (a *App) Sender() *delivery.Sender          { return a.sender }
func (a *App) Tracker() *delivery.Tracker        { return a.tracker }
func (a *App) AckHandler() *ack.Handler          { return a.ackHandler }
func (a *App) Aggregator() *aggregate.Aggregator { return a.aggregator }
func (a *App) Engine() *routing.Engine           { return a.engine }
func (a *App) Bus() eventbus.Bus                 { return a.bus }
func (a *App) Logger() logx.Logger               { return a.log }
