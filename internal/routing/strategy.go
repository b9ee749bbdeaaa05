package routing

import (
	"sync"
	"time"

	"pushgate/internal/transport"
	logx "pushgate/pkg/logx"
)

// healthySuccessRate is the rolling success-rate floor below which a strategy
// is considered unhealthy.
const healthySuccessRate = 0.9

// Strategy is a named routing tuning bundle.
type Strategy struct {
	Name       string
	MaxLatency time.Duration
	Balance    BalanceKind
	Failover   bool
	RetryCount int

	// BatchSize / TimeWindow are push-batching hints handed to callers.
	// Auto-tuning only ever shrinks them, bounded by the floors.
	BatchSize       int
	BatchSizeFloor  int
	TimeWindow      time.Duration
	TimeWindowFloor time.Duration

	// Backups is the ordered failover chain consulted when this strategy is
	// unhealthy.
	Backups []string
}

// DefaultStrategy is the hard fallback returned when every candidate in a
// failover chain is unhealthy.
func DefaultStrategy() Strategy {
	return Strategy{
		Name:            "default",
		MaxLatency:      2 * time.Second,
		Balance:         BalanceRoundRobin,
		Failover:        true,
		RetryCount:      3,
		BatchSize:       100,
		BatchSizeFloor:  10,
		TimeWindow:      5 * time.Second,
		TimeWindowFloor: time.Second,
	}
}

func (s Strategy) withDefaults() Strategy {
	def := DefaultStrategy()
	if s.MaxLatency <= 0 {
		s.MaxLatency = def.MaxLatency
	}
	if s.RetryCount <= 0 {
		s.RetryCount = def.RetryCount
	}
	if s.BatchSize <= 0 {
		s.BatchSize = def.BatchSize
	}
	if s.BatchSizeFloor <= 0 {
		s.BatchSizeFloor = def.BatchSizeFloor
	}
	if s.BatchSizeFloor > s.BatchSize {
		s.BatchSizeFloor = s.BatchSize
	}
	if s.TimeWindow <= 0 {
		s.TimeWindow = def.TimeWindow
	}
	if s.TimeWindowFloor <= 0 {
		s.TimeWindowFloor = def.TimeWindowFloor
	}
	if s.TimeWindowFloor > s.TimeWindow {
		s.TimeWindowFloor = s.TimeWindow
	}
	return s
}

// StrategyPerformance is a rolling-window health snapshot for one strategy.
type StrategyPerformance struct {
	Name        string
	Success     uint64
	Failure     uint64
	AvgLatency  time.Duration
	SuccessRate float64
	Healthy     bool
}

// managedStrategy pairs a strategy's tuning with its live rolling window.
type managedStrategy struct {
	mu  sync.Mutex
	cfg Strategy

	success      uint64
	failure      uint64
	totalLatency time.Duration
	healthy      bool
}

func (m *managedStrategy) record(ok bool, latency time.Duration) {
	m.mu.Lock()
	if ok {
		m.success++
	} else {
		m.failure++
	}
	if latency > 0 {
		m.totalLatency += latency
	}
	m.mu.Unlock()
}

// StrategyManager keeps the named strategy registry, their rolling health,
// the per-kind defaults, and the failover walk.
type StrategyManager struct {
	mu         sync.RWMutex
	strategies map[string]*managedStrategy
	defaults   map[string]string // message kind -> strategy name

	log logx.Logger
}

func NewStrategyManager(log logx.Logger) *StrategyManager {
	return &StrategyManager{
		strategies: map[string]*managedStrategy{},
		defaults:   map[string]string{},
		log:        log,
	}
}

// Register adds or replaces a named strategy. A replaced strategy keeps its
// rolling window so a config touch does not reset health history.
func (m *StrategyManager) Register(s Strategy) {
	s = s.withDefaults()
	if s.Name == "" {
		return
	}
	m.mu.Lock()
	if cur := m.strategies[s.Name]; cur != nil {
		cur.mu.Lock()
		cur.cfg = s
		cur.mu.Unlock()
	} else {
		m.strategies[s.Name] = &managedStrategy{cfg: s, healthy: true}
	}
	m.mu.Unlock()
}

func (m *StrategyManager) Lookup(name string) (Strategy, bool) {
	m.mu.RLock()
	ms := m.strategies[name]
	m.mu.RUnlock()
	if ms == nil {
		return Strategy{}, false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cfg, true
}

// SetDefault maps a message kind to its default strategy name.
func (m *StrategyManager) SetDefault(kind, name string) {
	m.mu.Lock()
	m.defaults[kind] = name
	m.mu.Unlock()
}

// Select resolves the active strategy for msg: the configured default for its
// kind (or a same-named strategy as the content-based fallback), then the
// first healthy entry of the failover chain, then the hard default.
func (m *StrategyManager) Select(msg transport.Message) Strategy {
	m.mu.RLock()
	name := m.defaults[msg.Kind]
	if name == "" {
		// Content-based default: a strategy registered under the kind itself.
		if _, ok := m.strategies[msg.Kind]; ok {
			name = msg.Kind
		}
	}
	m.mu.RUnlock()

	if name == "" {
		return DefaultStrategy()
	}

	if s, ok := m.healthyStrategy(name); ok {
		return s
	}

	// Failover chain of the configured strategy.
	if primary, ok := m.Lookup(name); ok && primary.Failover {
		for _, backup := range primary.Backups {
			if s, ok := m.healthyStrategy(backup); ok {
				m.log.Debug("routing.strategy_failover",
					logx.String("from", name),
					logx.String("to", backup))
				return s
			}
		}
	}

	m.log.Warn("routing.strategy_chain_unhealthy", logx.String("strategy", name))
	return DefaultStrategy()
}

func (m *StrategyManager) healthyStrategy(name string) (Strategy, bool) {
	m.mu.RLock()
	ms := m.strategies[name]
	m.mu.RUnlock()
	if ms == nil {
		return Strategy{}, false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !ms.healthy {
		return Strategy{}, false
	}
	return ms.cfg, true
}

// RecordResult feeds one routing outcome into the strategy's rolling window.
func (m *StrategyManager) RecordResult(name string, ok bool, latency time.Duration) {
	m.mu.RLock()
	ms := m.strategies[name]
	m.mu.RUnlock()
	if ms == nil {
		return
	}
	ms.record(ok, latency)
}

// EvaluateHealth recomputes every strategy's health from its rolling window,
// applies bounded auto-tuning, and resets the window. Run periodically.
func (m *StrategyManager) EvaluateHealth(now time.Time) {
	m.mu.RLock()
	names := make([]string, 0, len(m.strategies))
	managed := make([]*managedStrategy, 0, len(m.strategies))
	for name, ms := range m.strategies {
		names = append(names, name)
		managed = append(managed, ms)
	}
	m.mu.RUnlock()

	for i, ms := range managed {
		ms.mu.Lock()
		total := ms.success + ms.failure
		if total == 0 {
			// No traffic this window: keep the previous verdict.
			ms.mu.Unlock()
			continue
		}
		rate := float64(ms.success) / float64(total)
		avg := ms.totalLatency / time.Duration(total)
		wasHealthy := ms.healthy
		ms.healthy = rate >= healthySuccessRate && avg <= ms.cfg.MaxLatency

		// Auto-tune toward tighter latency only; floors are hard bounds.
		tuned := false
		if avg > ms.cfg.MaxLatency {
			if half := ms.cfg.BatchSize / 2; half >= ms.cfg.BatchSizeFloor {
				ms.cfg.BatchSize = half
				tuned = true
			} else if ms.cfg.BatchSize > ms.cfg.BatchSizeFloor {
				ms.cfg.BatchSize = ms.cfg.BatchSizeFloor
				tuned = true
			}
			if half := ms.cfg.TimeWindow / 2; half >= ms.cfg.TimeWindowFloor {
				ms.cfg.TimeWindow = half
				tuned = true
			} else if ms.cfg.TimeWindow > ms.cfg.TimeWindowFloor {
				ms.cfg.TimeWindow = ms.cfg.TimeWindowFloor
				tuned = true
			}
		}

		healthy := ms.healthy
		batch := ms.cfg.BatchSize
		window := ms.cfg.TimeWindow
		ms.success, ms.failure, ms.totalLatency = 0, 0, 0
		ms.mu.Unlock()

		if wasHealthy != healthy {
			m.log.Info("routing.strategy_health_changed",
				logx.String("strategy", names[i]),
				logx.Bool("healthy", healthy),
				logx.Float64("success_rate", rate),
				logx.Duration("avg_latency", avg))
		}
		if tuned {
			m.log.Info("routing.strategy_tuned",
				logx.String("strategy", names[i]),
				logx.Int("batch_size", batch),
				logx.Duration("time_window", window))
		}
	}
}

// Performance returns health snapshots for all registered strategies.
func (m *StrategyManager) Performance() []StrategyPerformance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StrategyPerformance, 0, len(m.strategies))
	for name, ms := range m.strategies {
		ms.mu.Lock()
		total := ms.success + ms.failure
		perf := StrategyPerformance{
			Name:    name,
			Success: ms.success,
			Failure: ms.failure,
			Healthy: ms.healthy,
		}
		if total > 0 {
			perf.SuccessRate = float64(ms.success) / float64(total)
			perf.AvgLatency = ms.totalLatency / time.Duration(total)
		}
		ms.mu.Unlock()
		out = append(out, perf)
	}
	return out
}
