package config

import (
	"context"
	"fmt"
	"strings"
)

// Validate performs structural checks that should reject a config before it is
// committed/published. It deliberately re-parses every duration string so a
// bad hot reload never reaches a running service.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	for kind, p := range cfg.Delivery.Policies {
		if err := validatePolicy("delivery.policies."+kind, p); err != nil {
			return err
		}
	}
	if cfg.Delivery.DefaultPolicy != nil {
		if err := validatePolicy("delivery.default_policy", *cfg.Delivery.DefaultPolicy); err != nil {
			return err
		}
	}

	for i, r := range cfg.Routing.Rules {
		if strings.TrimSpace(r.Key) == "" {
			return fmt.Errorf("routing.rules[%d]: key is required", i)
		}
	}

	seen := map[string]bool{}
	for i, s := range cfg.Strategies {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("strategies[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("strategies[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		for _, f := range []struct{ path, raw string }{
			{"max_latency", s.MaxLatency},
			{"time_window", s.TimeWindow},
			{"time_window_floor", s.TimeWindowFloor},
		} {
			if _, err := ParseDurationField(fmt.Sprintf("strategies[%d].%s", i, f.path), f.raw); err != nil {
				return err
			}
		}
	}

	agg := cfg.Aggregation
	for _, f := range []struct{ path, raw string }{
		{"aggregation.push_interval", agg.PushInterval},
		{"aggregation.warning_after", agg.WarningAfter},
		{"aggregation.timeout_after", agg.TimeoutAfter},
		{"aggregation.retention", agg.Retention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if agg.MilestoneTolerance < 0 || agg.MilestoneTolerance > 5 {
		return fmt.Errorf("aggregation.milestone_tolerance: must be in [0,5]")
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	return nil
}

func validatePolicy(path string, p PolicyConfig) error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries: must be >= 0", path)
	}
	if p.BackoffMultiplier < 0 {
		return fmt.Errorf("%s.backoff_multiplier: must be >= 0", path)
	}
	for _, f := range []struct{ field, raw string }{
		{"initial_delay", p.InitialDelay},
		{"max_delay", p.MaxDelay},
		{"ack_timeout", p.AckTimeout},
	} {
		if _, err := ParseDurationField(path+"."+f.field, f.raw); err != nil {
			return err
		}
	}
	return nil
}
