// Package recorder implements the Recorder subsystem: it subscribes to the
// control client's circuit lifecycle notifications, tracks each circuit
// until it either reaches BUILT or is abandoned, and appends one trace
// record per built circuit to the trace file.
package recorder

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/go-oniontrace/pkg/control"
	"github.com/opd-ai/go-oniontrace/pkg/errors"
	"github.com/opd-ai/go-oniontrace/pkg/logger"
	"github.com/opd-ai/go-oniontrace/pkg/metrics"
	"github.com/opd-ai/go-oniontrace/pkg/trace"
)

// pendingCircuit tracks a circuit the Recorder has seen but not yet
// resolved to BUILT or abandoned.
type pendingCircuit struct {
	path    []string
	purpose string
}

// Recorder subscribes to circuit events and appends completed circuits to
// the trace file. Exactly one exists while the driver is in the Recording
// state; it is owned exclusively by the Driver.
type Recorder struct {
	mu      sync.Mutex
	writer  *trace.Writer
	client  *control.Client
	metrics *metrics.Metrics
	log     *logger.Logger

	pending map[uint32]*pendingCircuit

	built   int64
	written int64
}

// New opens the trace file for append, subscribes to client's circuit
// events, and returns a ready Recorder. Returns an error if the trace file
// cannot be opened, which the Driver treats as a fatal construction
// failure.
func New(client *control.Client, tracePath string, m *metrics.Metrics, log *logger.Logger) (*Recorder, error) {
	writer, err := trace.NewWriter(tracePath)
	if err != nil {
		return nil, errors.TraceError("recorder: failed to open trace file", err)
	}

	r := &Recorder{
		writer:  writer,
		client:  client,
		metrics: m,
		log:     log.Component("recorder"),
		pending: make(map[uint32]*pendingCircuit),
	}

	client.SubscribeCircuitEvents(r)
	return r, nil
}

// OnCircuitEvent implements control.CircuitEventListener. It runs on the
// reactor thread, so no external locking is required against concurrent
// Driver state transitions, but it still takes the Recorder's own mutex
// since Close can race with the final in-flight event during Stop.
func (r *Recorder) OnCircuitEvent(event *control.CircuitEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		// Close has already run; the trace file is gone.
		return
	}

	switch event.Status {
	case "LAUNCHED":
		r.pending[event.CircuitID] = &pendingCircuit{}
		r.metrics.CircuitsObserved.Inc()
	case "EXTENDED":
		pc, ok := r.pending[event.CircuitID]
		if !ok {
			pc = &pendingCircuit{}
			r.pending[event.CircuitID] = pc
		}
		if event.Path != "" {
			pc.path = appendPathSegment(pc.path, event.Path)
		}
		if event.Purpose != "" {
			pc.purpose = event.Purpose
		}
	case "BUILT":
		pc, ok := r.pending[event.CircuitID]
		if !ok {
			pc = &pendingCircuit{}
		}
		if event.Path != "" {
			pc.path = splitFullPath(event.Path)
		}
		if event.Purpose != "" {
			pc.purpose = event.Purpose
		}
		delete(r.pending, event.CircuitID)
		r.built++
		r.metrics.CircuitsBuilt.Inc()

		builtAt := event.TimeCreated
		if builtAt.IsZero() {
			builtAt = time.Now()
		}
		if err := r.writer.Append(builtAt, pc.path, pc.purpose); err != nil {
			r.log.Warning("failed to append trace record", "circuit_id", event.CircuitID, "error", err)
			return
		}
		r.written++
		r.metrics.CircuitsWritten.Inc()
	case "FAILED", "CLOSED":
		delete(r.pending, event.CircuitID)
	}
}

// appendPathSegment appends one more relay identity to an in-progress path.
func appendPathSegment(path []string, segment string) []string {
	return append(path, segment)
}

// splitFullPath splits a router-supplied comma-joined path into segments.
func splitFullPath(full string) []string {
	var segments []string
	start := 0
	for i := 0; i <= len(full); i++ {
		if i == len(full) || full[i] == ',' {
			if i > start {
				segments = append(segments, full[start:i])
			}
			start = i + 1
		}
	}
	return segments
}

// ToString yields a single-line status summary: counts of observed, built,
// and written circuits, matching the heartbeat's expected subsystem status.
func (r *Recorder) ToString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("observed=%d built=%d written=%d", r.metrics.CircuitsObserved.Value(), r.built, r.written)
}

// Close drops every circuit that has not reached BUILT and closes the trace
// file exactly once. There is nothing left to flush: OnCircuitEvent writes
// each circuit synchronously at BUILT time.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = nil
	return r.writer.Close()
}
