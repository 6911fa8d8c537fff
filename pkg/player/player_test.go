package player

import (
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/go-oniontrace/pkg/control"
	"github.com/opd-ai/go-oniontrace/pkg/logger"
	"github.com/opd-ai/go-oniontrace/pkg/metrics"
)

// newBareTestPlayer builds a Player by hand rather than via New, since New
// requires a live *control.Client. This exercises the queue/scheduling
// logic directly without needing the control package's reactor in scope.
func newBareTestPlayer(queue []instruction) *Player {
	return &Player{
		metrics:    metrics.New(),
		log:        logger.NewDefault().Component("player"),
		base:       time.Now(),
		queue:      queue,
		launchedAt: make(map[uint32]time.Time),
	}
}

func TestGetNextLaunchTimeEmptyQueue(t *testing.T) {
	p := newBareTestPlayer(nil)

	_, ok := p.GetNextLaunchTime()
	if ok {
		t.Error("expected ok=false for an empty queue")
	}
}

func TestGetNextLaunchTimeFuture(t *testing.T) {
	due := time.Now().Add(time.Hour)
	p := newBareTestPlayer([]instruction{{dueAt: due, path: []string{"$AAAA~r1"}, purpose: "GENERAL"}})

	delay, ok := p.GetNextLaunchTime()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if delay <= 0 || delay > time.Hour {
		t.Errorf("delay = %v, want roughly 1h", delay)
	}
}

func TestGetNextLaunchTimePastDueCollapsesToZero(t *testing.T) {
	due := time.Now().Add(-time.Minute)
	p := newBareTestPlayer([]instruction{{dueAt: due}})

	delay, ok := p.GetNextLaunchTime()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if delay != 0 {
		t.Errorf("delay = %v, want 0 for a past-due launch", delay)
	}
}

func TestToStringReportsRemaining(t *testing.T) {
	p := newBareTestPlayer([]instruction{{}, {}, {}})

	summary := p.ToString()
	if summary == "" {
		t.Fatal("ToString() returned empty string")
	}
	t.Logf("summary: %s", summary)
	if !strings.Contains(summary, "remaining=3") {
		t.Errorf("ToString() = %q, want it to contain remaining=3", summary)
	}
}

func TestOnCircuitEventIgnoresUntrackedCircuit(t *testing.T) {
	p := newBareTestPlayer(nil)

	// An event for a circuit id this Player never issued must be a no-op:
	// no panics, no bogus counters.
	p.OnCircuitEvent(&control.CircuitEvent{CircuitID: 999, Status: "BUILT"})

	if p.built != 0 {
		t.Errorf("built = %d, want 0", p.built)
	}
}

func TestOnCircuitEventRecordsBuiltOutcome(t *testing.T) {
	p := newBareTestPlayer(nil)
	p.launchedAt[42] = time.Now().Add(-500 * time.Millisecond)

	p.OnCircuitEvent(&control.CircuitEvent{CircuitID: 42, Status: "BUILT"})

	if p.built != 1 {
		t.Errorf("built = %d, want 1", p.built)
	}
	if _, stillTracked := p.launchedAt[42]; stillTracked {
		t.Error("expected circuit 42 to be removed from launchedAt after BUILT")
	}
}

func TestOnCircuitEventRecordsFailedOutcome(t *testing.T) {
	p := newBareTestPlayer(nil)
	p.launchedAt[7] = time.Now()

	p.OnCircuitEvent(&control.CircuitEvent{CircuitID: 7, Status: "FAILED"})

	if p.failed != 1 {
		t.Errorf("failed = %d, want 1", p.failed)
	}
}
