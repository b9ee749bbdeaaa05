package routing

import (
	"testing"
	"time"

	"pushgate/internal/transport"
	logx "pushgate/pkg/logx"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(NewStrategyManager(logx.Nop()), logx.Nop())
}

func TestDecideNoCandidates(t *testing.T) {
	t.Parallel()

	e := testEngine(t)
	if _, err := e.Decide(transport.Message{Kind: "cmd"}); err != ErrNoCandidateTargets {
		t.Fatalf("err = %v, want ErrNoCandidateTargets", err)
	}
}

func TestDecideBroadcastReturnsAllCandidates(t *testing.T) {
	t.Parallel()

	e := testEngine(t)
	msg := transport.Message{
		Kind:      "alert", // alerts default to broadcast
		Recipient: "c1",
		Topics:    []string{"ops", "oncall"},
	}
	d, err := e.Decide(msg)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if len(d.Targets) != 3 {
		t.Fatalf("broadcast targets = %d, want 3", len(d.Targets))
	}
	if d.Rule.Strategy != StrategyBroadcast {
		t.Fatalf("rule strategy = %v, want broadcast", d.Rule.Strategy)
	}
}

func TestDecideDirectReturnsExactlyOne(t *testing.T) {
	t.Parallel()

	e := testEngine(t)
	msg := transport.Message{
		Kind:      "cmd",
		Recipient: "c1",
		Topics:    []string{"t1", "t2", "t3"},
	}
	for i := 0; i < 10; i++ {
		d, err := e.Decide(msg)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if len(d.Targets) != 1 {
			t.Fatalf("direct targets = %d, want 1", len(d.Targets))
		}
	}
}

func TestDecideRoundRobinRotates(t *testing.T) {
	t.Parallel()

	e := testEngine(t)
	msg := transport.Message{Kind: "cmd", Topics: []string{"t1", "t2"}}

	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		d, err := e.Decide(msg)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		seen[d.Targets[0].ID]++
	}
	if seen["t1"] == 0 || seen["t2"] == 0 {
		t.Fatalf("round robin never rotated: %v", seen)
	}
}

func TestDecidePriorityBalance(t *testing.T) {
	t.Parallel()

	e := testEngine(t)
	e.Reconfigure(Rule{Key: "cmd:-:topic", Strategy: StrategyDirect, Balance: BalancePriority})

	msg := transport.Message{
		Kind:       "cmd",
		Topics:     []string{"normal", "hot"},
		Attributes: map[string]string{"priority_target": "hot"},
	}
	d, err := e.Decide(msg)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Targets[0].ID != "hot" {
		t.Fatalf("priority pick = %q, want hot", d.Targets[0].ID)
	}
}

func TestDecideLeastConnections(t *testing.T) {
	t.Parallel()

	e := testEngine(t)
	e.Reconfigure(Rule{Key: "cmd:-:topic", Strategy: StrategyDirect, Balance: BalanceLeastConn})
	e.Performance().ConnOpened("busy")
	e.Performance().ConnOpened("busy")
	e.Performance().ConnOpened("idle")

	d, err := e.Decide(transport.Message{Kind: "cmd", Topics: []string{"busy", "idle"}})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Targets[0].ID != "idle" {
		t.Fatalf("least-conn pick = %q, want idle", d.Targets[0].ID)
	}
}

func TestConditionalFilterByPrefix(t *testing.T) {
	t.Parallel()

	e := testEngine(t)
	msg := transport.Message{
		Kind:       "task-progress", // conditional by default
		Topics:     []string{"org-1/tasks", "org-2/tasks"},
		Attributes: map[string]string{"target_prefix": "org-2"},
	}
	d, err := e.Decide(msg)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Targets[0].ID != "org-2/tasks" {
		t.Fatalf("conditional pick = %q", d.Targets[0].ID)
	}
}

func TestFilterFallbackWhenEmpty(t *testing.T) {
	t.Parallel()

	e := testEngine(t)
	// urgent filter matches nothing; the unfiltered set must be used.
	msg := transport.Message{
		Kind:       "task-progress",
		Topics:     []string{"t1"},
		Attributes: map[string]string{"urgent": "true"},
	}
	d, err := e.Decide(msg)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if len(d.Targets) != 1 {
		t.Fatalf("fallback targets = %d, want 1", len(d.Targets))
	}
}

func TestReportResultUpdatesPerformance(t *testing.T) {
	t.Parallel()

	e := testEngine(t)
	d := Decision{Targets: []Target{{ID: "t1"}}}

	e.ReportResult(d, true, 10*time.Millisecond)
	e.ReportResult(d, false, 10*time.Millisecond)

	p := e.Performance().Snapshot("t1")
	if p.Success != 1 || p.Failure != 1 {
		t.Fatalf("snapshot = %+v", p)
	}
	if w := p.Weight(); w != 0.5 {
		t.Fatalf("weight = %v, want 0.5", w)
	}
}

func TestWeightDefaultsToOneWhenUnseen(t *testing.T) {
	t.Parallel()

	p := TargetPerformance{}
	if w := p.Weight(); w != 1.0 {
		t.Fatalf("unseen weight = %v, want 1.0", w)
	}
}

func TestRoutingKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  transport.Message
		want string
	}{
		{"full", transport.Message{Kind: "cmd", Subtype: "reboot", TargetKind: transport.TargetRecipient}, "cmd:reboot:recipient"},
		{"no subtype", transport.Message{Kind: "cmd", TargetKind: transport.TargetTopic}, "cmd:-:topic"},
		{"inferred recipient", transport.Message{Kind: "cmd", Recipient: "c1"}, "cmd:-:recipient"},
		{"inferred topic", transport.Message{Kind: "cmd"}, "cmd:-:topic"},
		{"empty kind", transport.Message{}, "unknown:-:topic"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := RoutingKey(tc.msg); got != tc.want {
				t.Fatalf("RoutingKey = %q, want %q", got, tc.want)
			}
		})
	}
}
