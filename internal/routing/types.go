package routing

import (
	"errors"
	"strings"

	"pushgate/internal/transport"
)

var (
	ErrNoCandidateTargets = errors.New("routing: no candidate targets")
	ErrEmptySelection     = errors.New("routing: strategy selected no targets")
)

// StrategyKind is the destination-set discipline applied by a rule.
type StrategyKind int

const (
	StrategyDirect StrategyKind = iota
	StrategyBroadcast
	StrategyContentBased
	StrategyConditional
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyBroadcast:
		return "broadcast"
	case StrategyContentBased:
		return "content"
	case StrategyConditional:
		return "conditional"
	default:
		return "direct"
	}
}

// ParseStrategyKind maps config strings onto kinds; unknown input falls back
// to direct.
func ParseStrategyKind(s string) StrategyKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "broadcast":
		return StrategyBroadcast
	case "content", "content_based", "content-based":
		return StrategyContentBased
	case "conditional":
		return StrategyConditional
	default:
		return StrategyDirect
	}
}

// BalanceKind is the load-balancing discipline narrowing candidates to the
// final target.
type BalanceKind int

const (
	BalanceRoundRobin BalanceKind = iota
	BalanceWeighted
	BalanceLeastConn
	BalancePriority
)

func (k BalanceKind) String() string {
	switch k {
	case BalanceWeighted:
		return "weighted"
	case BalanceLeastConn:
		return "least_conn"
	case BalancePriority:
		return "priority"
	default:
		return "round_robin"
	}
}

func ParseBalanceKind(s string) BalanceKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "weighted":
		return BalanceWeighted
	case "least_conn", "least_connections", "leastconn":
		return BalanceLeastConn
	case "priority":
		return BalancePriority
	default:
		return BalanceRoundRobin
	}
}

// Rule is the per-routing-key configuration. Rules are created lazily the
// first time a key is seen and mutated only through Reconfigure.
type Rule struct {
	Key        string
	Strategy   StrategyKind
	Balance    BalanceKind
	Failover   bool
	MaxRetries int
}

// Target is one resolved destination.
type Target struct {
	Kind        transport.TargetKind
	ID          string
	Destination string
	Priority    transport.Priority
}

// Decision is the outcome of routing one message.
type Decision struct {
	Targets      []Target
	StrategyUsed string
	Rule         Rule
}

// RoutingKey derives the rule key from a message: one rule per
// (kind × subtype × target-kind) combination.
func RoutingKey(msg transport.Message) string {
	kind := msg.Kind
	if kind == "" {
		kind = "unknown"
	}
	sub := msg.Subtype
	if sub == "" {
		sub = "-"
	}
	tk := string(msg.TargetKind)
	if tk == "" {
		if msg.Recipient != "" {
			tk = string(transport.TargetRecipient)
		} else {
			tk = string(transport.TargetTopic)
		}
	}
	return kind + ":" + sub + ":" + tk
}

// defaultRule picks strategy/balance defaults by message kind: alerts fan out
// to everyone ordered by priority, task progress goes to the least-loaded
// interested party, everything else is a direct round-robin push.
func defaultRule(key string, msg transport.Message) Rule {
	r := Rule{Key: key, Strategy: StrategyDirect, Balance: BalanceRoundRobin, Failover: true, MaxRetries: 3}
	switch msg.Kind {
	case "alert":
		r.Strategy = StrategyBroadcast
		r.Balance = BalancePriority
	case "task-progress":
		r.Strategy = StrategyConditional
		r.Balance = BalanceLeastConn
	}
	return r
}
