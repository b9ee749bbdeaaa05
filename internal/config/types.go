package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Delivery controls the reliable sender pool and per-kind retry policies.
	Delivery DeliveryConfig `json:"delivery"`

	// Routing seeds explicit routing rules; unknown routing keys still get
	// lazily created rules with per-kind defaults.
	Routing RoutingConfig `json:"routing,omitempty"`

	// Strategies registers named routing strategies plus their failover chains.
	Strategies []StrategyConfig `json:"strategies,omitempty"`

	Aggregation AggregationConfig `json:"aggregation"`

	// Sweeps holds cron specs for the periodic maintenance jobs.
	Sweeps SweepsConfig `json:"sweeps,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string          `json:"level,omitempty"`
	Console bool            `json:"console"`
	File    FileLogConfig   `json:"file,omitempty"`
	Broker  BrokerLogConfig `json:"broker,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type BrokerLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Topic      string `json:"topic,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// DeliveryConfig controls the reliable sender.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - rate_per_sec: 200
type DeliveryConfig struct {
	Workers    int `json:"workers,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`

	// Policies maps a message kind to its retry policy. The "default" key
	// (or DefaultPolicy) overrides the built-in fallback policy.
	Policies      map[string]PolicyConfig `json:"policies,omitempty"`
	DefaultPolicy *PolicyConfig           `json:"default_policy,omitempty"`
}

// PolicyConfig is one retry policy.
//
// RetryOnTimeout / RetryOnReject are pointers so "omitted" (use defaults:
// timeout=yes, reject=no) is distinguishable from an explicit false.
type PolicyConfig struct {
	MaxRetries        int     `json:"max_retries"`
	InitialDelay      string  `json:"initial_delay,omitempty"`
	MaxDelay          string  `json:"max_delay,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	AckTimeout        string  `json:"ack_timeout,omitempty"`
	RetryOnTimeout    *bool   `json:"retry_on_timeout,omitempty"`
	RetryOnReject     *bool   `json:"retry_on_reject,omitempty"`
}

type RoutingConfig struct {
	Rules []RuleConfig `json:"rules,omitempty"`
}

// RuleConfig pins a routing rule for a specific routing key
// ("kind:subtype:target_kind").
type RuleConfig struct {
	Key        string `json:"key"`
	Strategy   string `json:"strategy"` // direct | broadcast | content | conditional
	Balance    string `json:"balance"`  // round_robin | weighted | least_conn | priority
	Failover   bool   `json:"failover,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// StrategyConfig registers one named routing strategy.
type StrategyConfig struct {
	Name            string   `json:"name"`
	MaxLatency      string   `json:"max_latency,omitempty"`
	Balance         string   `json:"balance,omitempty"`
	Failover        bool     `json:"failover,omitempty"`
	RetryCount      int      `json:"retry_count,omitempty"`
	BatchSize       int      `json:"batch_size,omitempty"`
	BatchSizeFloor  int      `json:"batch_size_floor,omitempty"`
	TimeWindow      string   `json:"time_window,omitempty"`
	TimeWindowFloor string   `json:"time_window_floor,omitempty"`
	Backups         []string `json:"backups,omitempty"`

	// DefaultFor lists message kinds this strategy is the default for.
	DefaultFor []string `json:"default_for,omitempty"`
}

// AggregationConfig controls batch progress aggregation.
//
// Defaults (when fields are omitted/zero):
//   - push_interval: "5s"
//   - quantity_step: 50
//   - milestone_tolerance: 0.5 (percent points)
//   - recent_devices: 10
//   - warning_after: "2m"
//   - timeout_after: "10m"
//   - retention: "1h"
type AggregationConfig struct {
	PushInterval       string  `json:"push_interval,omitempty"`
	QuantityStep       int     `json:"quantity_step,omitempty"`
	MilestoneTolerance float64 `json:"milestone_tolerance,omitempty"`
	RecentDevices      int     `json:"recent_devices,omitempty"`
	WarningAfter       string  `json:"warning_after,omitempty"`
	TimeoutAfter       string  `json:"timeout_after,omitempty"`
	Retention          string  `json:"retention,omitempty"`
}

// SweepsConfig holds cron specs (5 or 6 fields, seconds optional) for the
// periodic jobs. Empty fields fall back to built-in specs.
type SweepsConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Progress       string `json:"progress,omitempty"`        // default "*/30 * * * * *"
	Retention      string `json:"retention,omitempty"`       // default "0 */10 * * * *"
	StrategyHealth string `json:"strategy_health,omitempty"` // default "0 * * * * *"
	StatsFlush     string `json:"stats_flush,omitempty"`     // default "0 */5 * * * *"
}

// StorageConfig controls the optional archive store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pushgate.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
