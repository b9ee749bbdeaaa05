package config

import (
	"reflect"
	"strings"

	logx "pushgate/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Used when a hot reload is applied so
// the log shows what actually moved.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.broker_enabled", newCfg.Logging.Broker.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.workers", newCfg.Delivery.Workers),
			logx.Int("delivery.queue_size", newCfg.Delivery.QueueSize),
			logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.Int("delivery.policies", len(newCfg.Delivery.Policies)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Routing, newCfg.Routing) {
		changed = append(changed, "routing")
		attrs = append(attrs, logx.Int("routing.rules", len(newCfg.Routing.Rules)))
	}

	if !reflect.DeepEqual(oldCfg.Strategies, newCfg.Strategies) {
		changed = append(changed, "strategies")
		names := make([]string, 0, len(newCfg.Strategies))
		for _, s := range newCfg.Strategies {
			names = append(names, s.Name)
		}
		attrs = append(attrs, logx.String("strategies.names", strings.Join(names, ",")))
	}

	if !reflect.DeepEqual(oldCfg.Aggregation, newCfg.Aggregation) {
		changed = append(changed, "aggregation")
		attrs = append(attrs,
			logx.String("aggregation.push_interval", newCfg.Aggregation.PushInterval),
			logx.Int("aggregation.quantity_step", newCfg.Aggregation.QuantityStep),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sweeps, newCfg.Sweeps) {
		changed = append(changed, "sweeps")
	}

	oldSt := oldCfg.Storage
	newSt := newCfg.Storage
	if !reflect.DeepEqual(oldSt, newSt) {
		changed = append(changed, "storage")
		if newSt != nil {
			attrs = append(attrs, logx.String("storage.driver", newSt.Driver))
		}
	}

	return changed, attrs
}
