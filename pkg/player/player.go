// Package player implements the Player subsystem: it reads an entire trace
// file at construction, parses it into a time-ordered queue of launch
// instructions, and issues them one at a time on the schedule the Driver's
// one-shot play timer drives.
package player

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/go-oniontrace/pkg/control"
	"github.com/opd-ai/go-oniontrace/pkg/logger"
	"github.com/opd-ai/go-oniontrace/pkg/metrics"
	"github.com/opd-ai/go-oniontrace/pkg/trace"
)

// instruction is one queued launch: the relay path and purpose to replay,
// plus the absolute wall-clock time it's due.
type instruction struct {
	dueAt   time.Time
	path    []string
	purpose string
}

// Player replays a recorded trace file by issuing launch_circuit calls on
// the schedule the trace specifies. It is purely deadline-driven: it has
// no internal thread or timer of its own; the Driver arms a one-shot timer
// per LaunchNextCircuit call.
type Player struct {
	mu      sync.Mutex
	client  *control.Client
	metrics *metrics.Metrics
	log     *logger.Logger

	base  time.Time
	queue []instruction

	issued  int64
	built   int64
	failed  int64

	// launchedAt tracks issue time per router-assigned circuit id so
	// RecordLaunch can be given an accurate duration when BUILT/FAILED
	// arrives.
	launchedAt map[uint32]time.Time
}

// New reads the entire trace file at path, parses it into a time-ordered
// queue, and records the current wall-clock time as the replay's base.
// Returns an error if the trace cannot be read or is malformed, which the
// Driver treats as a fatal construction failure.
func New(client *control.Client, tracePath string, m *metrics.Metrics, log *logger.Logger) (*Player, error) {
	records, err := trace.ReadFile(tracePath)
	if err != nil {
		return nil, err
	}

	base := time.Now()
	queue := make([]instruction, len(records))
	for i, rec := range records {
		queue[i] = instruction{
			dueAt:   base.Add(rec.RelativeTime),
			path:    rec.Path,
			purpose: rec.Purpose,
		}
	}

	p := &Player{
		client:     client,
		metrics:    m,
		log:        log.Component("player"),
		base:       base,
		queue:      queue,
		launchedAt: make(map[uint32]time.Time),
	}
	p.metrics.CircuitsRemaining.Set(int64(len(queue)))

	client.SubscribeCircuitEvents(p)
	return p, nil
}

// GetNextLaunchTime yields the delay from now until the head-of-queue
// launch should fire, collapsing any already-past-due delay to zero.
// Returns false when the queue is empty.
func (p *Player) GetNextLaunchTime() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return 0, false
	}

	delay := time.Until(p.queue[0].dueAt)
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

// LaunchNextCircuit pops the head of the queue and issues launch_circuit
// on the control client with the recorded path and purpose. Safe to call
// even if no deadline has elapsed; the Driver's play-timer discipline is
// responsible for calling this only once per armed timer.
func (p *Player) LaunchNextCircuit() {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	p.metrics.CircuitsRemaining.Set(int64(len(p.queue)))
	p.mu.Unlock()

	issuedAt := time.Now()
	p.client.LaunchCircuit(next.path, next.purpose, func(circuitID uint32, err error) {
		p.mu.Lock()
		defer p.mu.Unlock()

		if err != nil {
			p.failed++
			p.metrics.RecordLaunch(false, time.Since(issuedAt))
			p.log.Warning("failed to launch replayed circuit", "error", err)
			return
		}

		p.issued++
		p.metrics.CircuitsIssued.Inc()
		p.launchedAt[circuitID] = issuedAt
	})
}

// OnCircuitEvent implements control.CircuitEventListener, tracking the
// BUILT/FAILED outcome of circuits this Player issued so ToString can
// report accurate built/failed counts and so launch latency is recorded.
func (p *Player) OnCircuitEvent(event *control.CircuitEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	issuedAt, ok := p.launchedAt[event.CircuitID]
	if !ok {
		return
	}

	switch event.Status {
	case "BUILT":
		p.built++
		delete(p.launchedAt, event.CircuitID)
		p.metrics.RecordLaunch(true, time.Since(issuedAt))
	case "FAILED", "CLOSED":
		p.failed++
		delete(p.launchedAt, event.CircuitID)
		p.metrics.RecordLaunch(false, time.Since(issuedAt))
	}
}

// ToString yields a single-line status summary: remaining, issued, built,
// and failed circuits.
func (p *Player) ToString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("remaining=%d issued=%d built=%d failed=%d", len(p.queue), p.issued, p.built, p.failed)
}

// Close releases resources held by the Player. The control client outlives
// it and is not touched here; the Driver frees the Player before the
// client during Stop.
func (p *Player) Close() error {
	return nil
}
