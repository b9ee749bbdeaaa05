package routing

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// balancer narrows a candidate list down to one target.
type balancer struct {
	perf *PerformanceTable

	rrSeq atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand
}

func newBalancer(perf *PerformanceTable) *balancer {
	return &balancer{
		perf: perf,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// pick applies the load-balancing discipline. candidates is non-empty.
func (b *balancer) pick(kind BalanceKind, candidates []Target) Target {
	if len(candidates) == 1 {
		return candidates[0]
	}
	switch kind {
	case BalanceWeighted:
		return b.pickWeighted(candidates)
	case BalanceLeastConn:
		return b.pickLeastConn(candidates)
	case BalancePriority:
		return b.pickPriority(candidates)
	default:
		return b.pickRoundRobin(candidates)
	}
}

// pickRoundRobin uses a monotonic sequence rather than a wall-clock index:
// bursts landing within the same tick would otherwise all hit one target.
func (b *balancer) pickRoundRobin(candidates []Target) Target {
	n := b.rrSeq.Add(1)
	return candidates[int((n-1)%uint64(len(candidates)))]
}

// pickWeighted selects with probability proportional to each target's
// success-ratio weight.
func (b *balancer) pickWeighted(candidates []Target) Target {
	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		w := b.perf.Snapshot(c.ID).Weight()
		if w <= 0 {
			w = 0.01 // keep failing targets reachable so they can recover
		}
		weights[i] = w
		total += w
	}
	b.rngMu.Lock()
	r := b.rng.Float64() * total
	b.rngMu.Unlock()
	for i, w := range weights {
		r -= w
		if r < 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

func (b *balancer) pickLeastConn(candidates []Target) Target {
	best := candidates[0]
	bestConns := b.perf.Snapshot(best.ID).ActiveConns
	for _, c := range candidates[1:] {
		conns := b.perf.Snapshot(c.ID).ActiveConns
		if conns < bestConns {
			best = c
			bestConns = conns
		}
	}
	return best
}

func (b *balancer) pickPriority(candidates []Target) Target {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Priority > best.Priority {
			best = c
		}
	}
	return best
}
