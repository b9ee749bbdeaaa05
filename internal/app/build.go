package app

import (
	"fmt"
	"time"

	"pushgate/internal/aggregate"
	"pushgate/internal/config"
	"pushgate/internal/delivery"
	"pushgate/internal/routing"
	"pushgate/internal/storage"
	logx "pushgate/pkg/logx"
)

// Built-in cron specs for the periodic sweeps, overridable per job via
// config.SweepsConfig.
const (
	defaultProgressSpec  = "*/30 * * * * *"
	defaultRetentionSpec = "0 */10 * * * *"
	defaultHealthSpec    = "0 * * * * *"
	defaultStatsSpec     = "0 */5 * * * *"
)

func buildLogConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Broker: logx.BrokerConfig{
			Enabled:    c.Broker.Enabled,
			Topic:      c.Broker.Topic,
			MinLevel:   c.Broker.MinLevel,
			RatePerSec: c.Broker.RatePerSec,
		},
	}
}

func buildPolicy(path string, pc config.PolicyConfig) (delivery.RetryPolicy, error) {
	initial, err := config.ParseDurationField(path+".initial_delay", pc.InitialDelay)
	if err != nil {
		return delivery.RetryPolicy{}, err
	}
	max, err := config.ParseDurationField(path+".max_delay", pc.MaxDelay)
	if err != nil {
		return delivery.RetryPolicy{}, err
	}
	ackTimeout, err := config.ParseDurationField(path+".ack_timeout", pc.AckTimeout)
	if err != nil {
		return delivery.RetryPolicy{}, err
	}

	def := delivery.DefaultPolicy()
	p := delivery.RetryPolicy{
		MaxRetries:        pc.MaxRetries,
		InitialDelay:      initial,
		MaxDelay:          max,
		BackoffMultiplier: pc.BackoffMultiplier,
		AckTimeout:        ackTimeout,
		RetryOnTimeout:    def.RetryOnTimeout,
		RetryOnReject:     def.RetryOnReject,
	}
	if pc.RetryOnTimeout != nil {
		p.RetryOnTimeout = *pc.RetryOnTimeout
	}
	if pc.RetryOnReject != nil {
		p.RetryOnReject = *pc.RetryOnReject
	}
	return p, nil
}

func buildCatalog(c config.DeliveryConfig) (*delivery.Catalog, error) {
	def := delivery.DefaultPolicy()
	if c.DefaultPolicy != nil {
		p, err := buildPolicy("delivery.default_policy", *c.DefaultPolicy)
		if err != nil {
			return nil, err
		}
		def = p
	}
	perKind := make(map[string]delivery.RetryPolicy, len(c.Policies))
	for kind, pc := range c.Policies {
		p, err := buildPolicy("delivery.policies."+kind, pc)
		if err != nil {
			return nil, err
		}
		if kind == "default" {
			def = p
			continue
		}
		perKind[kind] = p
	}
	return delivery.NewCatalog(def, perKind), nil
}

func buildSenderConfig(c config.DeliveryConfig) delivery.SenderConfig {
	return delivery.SenderConfig{
		Workers:    c.Workers,
		QueueSize:  c.QueueSize,
		RatePerSec: c.RatePerSec,
	}
}

func buildAggregateConfig(c config.AggregationConfig) (aggregate.Config, error) {
	out := aggregate.Config{
		QuantityStep:       c.QuantityStep,
		MilestoneTolerance: c.MilestoneTolerance,
		RecentDevices:      c.RecentDevices,
	}
	var err error
	if out.PushInterval, err = config.ParseDurationField("aggregation.push_interval", c.PushInterval); err != nil {
		return out, err
	}
	if out.WarningAfter, err = config.ParseDurationField("aggregation.warning_after", c.WarningAfter); err != nil {
		return out, err
	}
	if out.TimeoutAfter, err = config.ParseDurationField("aggregation.timeout_after", c.TimeoutAfter); err != nil {
		return out, err
	}
	if out.Retention, err = config.ParseDurationField("aggregation.retention", c.Retention); err != nil {
		return out, err
	}
	return out, nil
}

func buildStrategy(i int, sc config.StrategyConfig) (routing.Strategy, error) {
	s := routing.Strategy{
		Name:           sc.Name,
		Balance:        routing.ParseBalanceKind(sc.Balance),
		Failover:       sc.Failover,
		RetryCount:     sc.RetryCount,
		BatchSize:      sc.BatchSize,
		BatchSizeFloor: sc.BatchSizeFloor,
		Backups:        append([]string(nil), sc.Backups...),
	}
	var err error
	prefix := fmt.Sprintf("strategies[%d]", i)
	if s.MaxLatency, err = config.ParseDurationField(prefix+".max_latency", sc.MaxLatency); err != nil {
		return s, err
	}
	if s.TimeWindow, err = config.ParseDurationField(prefix+".time_window", sc.TimeWindow); err != nil {
		return s, err
	}
	if s.TimeWindowFloor, err = config.ParseDurationField(prefix+".time_window_floor", sc.TimeWindowFloor); err != nil {
		return s, err
	}
	return s, nil
}

// applyRoutingConfig registers configured strategies, their per-kind default
// mappings, and the pinned routing rules.
func applyRoutingConfig(cfg *config.Config, strategies *routing.StrategyManager, engine *routing.Engine) error {
	for i, sc := range cfg.Strategies {
		s, err := buildStrategy(i, sc)
		if err != nil {
			return err
		}
		strategies.Register(s)
		for _, kind := range sc.DefaultFor {
			strategies.SetDefault(kind, s.Name)
		}
	}
	for _, rc := range cfg.Routing.Rules {
		engine.Reconfigure(routing.Rule{
			Key:        rc.Key,
			Strategy:   routing.ParseStrategyKind(rc.Strategy),
			Balance:    routing.ParseBalanceKind(rc.Balance),
			Failover:   rc.Failover,
			MaxRetries: rc.MaxRetries,
		})
	}
	return nil
}

func buildStorageConfig(c *config.StorageConfig) (storage.Config, error) {
	if c == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Driver, Path: c.Path, BusyTimeout: busy}, nil
}

func sweepSpec(override, def string) string {
	if override != "" {
		return override
	}
	return def
}

func sweepsEnabled(c config.SweepsConfig) bool {
	return c.Enabled == nil || *c.Enabled
}

// idleClientWindow is how long a disconnected client's liveness record is
// kept before the retention job evicts it.
const idleClientWindow = 24 * time.Hour
