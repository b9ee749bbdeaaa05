package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
delivery:
  workers: 8
  queue_size: 512
  rate_per_sec: 100
  policies:
    alert:
      max_retries: 5
      initial_delay: 1s
      max_delay: 1m
      backoff_multiplier: 2
      ack_timeout: 10s
      retry_on_reject: true
aggregation:
  push_interval: 5s
  quantity_step: 50
strategies:
  - name: fast
    max_latency: 500ms
    balance: weighted
    default_for: [alert]
`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
	if cfg.Delivery.Workers != 8 || cfg.Delivery.QueueSize != 512 {
		t.Fatalf("delivery: %+v", cfg.Delivery)
	}
	p, ok := cfg.Delivery.Policies["alert"]
	if !ok || p.MaxRetries != 5 || p.RetryOnReject == nil || !*p.RetryOnReject {
		t.Fatalf("alert policy: %+v", p)
	}
	if len(cfg.Strategies) != 1 || cfg.Strategies[0].Name != "fast" {
		t.Fatalf("strategies: %+v", cfg.Strategies)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
logging:
  console: true
delivery:
  workerz: 8
`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("typo'd field must be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.json", `{"logging":{"console":true}} {"extra":1}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("trailing JSON must be rejected")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := &Config{
		Delivery: DeliveryConfig{Policies: map[string]PolicyConfig{
			"alert": {MaxRetries: 3, InitialDelay: "1s", MaxDelay: "1m", AckTimeout: "10s"},
		}},
		Aggregation: AggregationConfig{PushInterval: "5s", MilestoneTolerance: 0.5},
	}
	if err := Validate(context.Background(), valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"nil config handled elsewhere", nil},
		{"bad policy duration", func(c *Config) {
			c.Delivery.Policies = map[string]PolicyConfig{"x": {InitialDelay: "soon"}}
		}},
		{"negative retries", func(c *Config) {
			c.Delivery.Policies = map[string]PolicyConfig{"x": {MaxRetries: -1}}
		}},
		{"rule without key", func(c *Config) {
			c.Routing.Rules = []RuleConfig{{Strategy: "direct"}}
		}},
		{"duplicate strategy name", func(c *Config) {
			c.Strategies = []StrategyConfig{{Name: "a"}, {Name: "a"}}
		}},
		{"milestone tolerance out of range", func(c *Config) {
			c.Aggregation.MilestoneTolerance = 9
		}},
		{"unknown storage driver", func(c *Config) {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.mut == nil {
				if err := Validate(context.Background(), nil); err == nil {
					t.Fatal("nil config must be rejected")
				}
				return
			}
			cfg := &Config{}
			tc.mut(cfg)
			if err := Validate(context.Background(), cfg); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", "  1m30s "); err != nil || d != 90*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration must be rejected")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: d=%v err=%v", d, err)
	}
}

func TestSubscribePublishDropsOldest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{Logging: LoggingConfig{Level: "info"}}
	second := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(first)
	m.publish(second) // buffer full: oldest dropped, newest delivered

	got := <-ch
	if got.Logging.Level != "debug" {
		t.Fatalf("got %q, want the newest config", got.Logging.Level)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Delivery: DeliveryConfig{Workers: 4}}
	newCfg := &Config{
		Delivery: DeliveryConfig{Workers: 8},
		Logging:  LoggingConfig{Level: "debug"},
	}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)

	want := map[string]bool{"delivery": true, "logging": true}
	if len(changed) != 2 {
		t.Fatalf("changed = %v", changed)
	}
	for _, s := range changed {
		if !want[s] {
			t.Fatalf("unexpected section %q", s)
		}
	}

	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}
