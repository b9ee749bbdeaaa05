package routing

import (
	"fmt"
	"sync"
	"time"

	"pushgate/internal/transport"
	logx "pushgate/pkg/logx"
)

// Engine resolves messages to destination sets.
//
// Rules are created lazily per routing key; target/strategy performance are
// the only mutable state and tolerate concurrent best-effort updates.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]Rule

	perf       *PerformanceTable
	strategies *StrategyManager
	bal        *balancer

	log logx.Logger
}

func NewEngine(strategies *StrategyManager, log logx.Logger) *Engine {
	perf := NewPerformanceTable()
	return &Engine{
		rules:      map[string]Rule{},
		perf:       perf,
		strategies: strategies,
		bal:        newBalancer(perf),
		log:        log,
	}
}

// Performance exposes the target performance table (shared with the ack
// layer, which tracks client connections for least-connections balancing).
func (e *Engine) Performance() *PerformanceTable { return e.perf }

// Reconfigure pins an explicit rule. This is the only mutation path for an
// existing rule.
func (e *Engine) Reconfigure(rule Rule) {
	if rule.Key == "" {
		return
	}
	e.mu.Lock()
	e.rules[rule.Key] = rule
	e.mu.Unlock()
}

// Rules returns a snapshot of all known rules.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}

func (e *Engine) ruleFor(key string, msg transport.Message) Rule {
	e.mu.RLock()
	r, ok := e.rules[key]
	e.mu.RUnlock()
	if ok {
		return r
	}
	r = defaultRule(key, msg)
	e.mu.Lock()
	// Another decision may have created it meanwhile; first writer wins.
	if cur, ok := e.rules[key]; ok {
		r = cur
	} else {
		e.rules[key] = r
	}
	e.mu.Unlock()
	return r
}

// Decide resolves msg to its final target set.
//
// The decision is pure given the current performance snapshots; it mutates
// nothing but the lazily created rule. Outcome recording happens separately
// via ReportResult once the transport attempt finished.
func (e *Engine) Decide(msg transport.Message) (d Decision, err error) {
	// One malformed message must not take down a worker.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("routing: %v", r)
		}
	}()

	key := RoutingKey(msg)
	rule := e.ruleFor(key, msg)

	candidates := e.candidatesFor(msg)
	if len(candidates) == 0 {
		return Decision{}, ErrNoCandidateTargets
	}

	strat := DefaultStrategy()
	if e.strategies != nil {
		strat = e.strategies.Select(msg)
	}

	selected := candidates
	switch rule.Strategy {
	case StrategyBroadcast:
		// Every candidate receives the message; no narrowing.
	case StrategyContentBased:
		selected = filterContent(msg, candidates)
	case StrategyConditional:
		selected = filterConditional(msg, candidates)
	case StrategyDirect:
		// Narrowing below picks the single target.
	}
	if len(selected) == 0 {
		// Filters fall back to the unfiltered set, so this only trips on a
		// broken custom filter.
		return Decision{}, ErrEmptySelection
	}

	if rule.Strategy != StrategyBroadcast {
		selected = []Target{e.bal.pick(rule.Balance, selected)}
	}

	return Decision{Targets: selected, StrategyUsed: strat.Name, Rule: rule}, nil
}

// ReportResult records the transport outcome of a decision against every
// selected target and the strategy that produced it.
func (e *Engine) ReportResult(d Decision, ok bool, latency time.Duration) {
	for _, t := range d.Targets {
		e.perf.Record(t.ID, ok)
	}
	if e.strategies != nil && d.StrategyUsed != "" {
		e.strategies.RecordResult(d.StrategyUsed, ok, latency)
	}
}

// candidatesFor enumerates the explicit recipient plus all derived topics.
func (e *Engine) candidatesFor(msg transport.Message) []Target {
	out := make([]Target, 0, 1+len(msg.Topics))
	if msg.Recipient != "" {
		dest := msg.Destination
		if dest == "" {
			dest = "direct"
		}
		out = append(out, Target{
			Kind:        transport.TargetRecipient,
			ID:          msg.Recipient,
			Destination: dest,
			Priority:    msg.Priority,
		})
	}
	for _, topic := range msg.Topics {
		if topic == "" {
			continue
		}
		prio := transport.PriorityNormal
		if msg.Attributes["priority_target"] == topic {
			prio = transport.PriorityHigh
		}
		out = append(out, Target{
			Kind:        transport.TargetTopic,
			ID:          topic,
			Destination: topic,
			Priority:    prio,
		})
	}
	return out
}

// filterContent keeps candidates matching the message's content markers:
// an explicit "scope" attribute restricts the target kind, and high-priority
// messages prefer the directly connected recipient. Empty results fall back
// to the unfiltered set.
func filterContent(msg transport.Message, candidates []Target) []Target {
	var keep []Target
	switch msg.Attributes["scope"] {
	case "recipient":
		keep = filterKind(candidates, transport.TargetRecipient)
	case "topic":
		keep = filterKind(candidates, transport.TargetTopic)
	default:
		if msg.Priority == transport.PriorityHigh {
			keep = filterKind(candidates, transport.TargetRecipient)
		}
	}
	if len(keep) == 0 {
		return candidates
	}
	return keep
}

// filterConditional keeps candidates selected by message attributes: a
// "target_prefix" pins targets by ID prefix, an "urgent" marker keeps only
// high-priority targets. Empty results fall back to the unfiltered set.
func filterConditional(msg transport.Message, candidates []Target) []Target {
	var keep []Target
	if prefix := msg.Attributes["target_prefix"]; prefix != "" {
		for _, c := range candidates {
			if len(c.ID) >= len(prefix) && c.ID[:len(prefix)] == prefix {
				keep = append(keep, c)
			}
		}
	} else if msg.Attributes["urgent"] == "true" {
		for _, c := range candidates {
			if c.Priority == transport.PriorityHigh {
				keep = append(keep, c)
			}
		}
	}
	if len(keep) == 0 {
		return candidates
	}
	return keep
}

func filterKind(candidates []Target, kind transport.TargetKind) []Target {
	var keep []Target
	for _, c := range candidates {
		if c.Kind == kind {
			keep = append(keep, c)
		}
	}
	return keep
}
