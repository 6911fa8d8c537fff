package recorder

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/go-oniontrace/pkg/control"
	"github.com/opd-ai/go-oniontrace/pkg/logger"
	"github.com/opd-ai/go-oniontrace/pkg/metrics"
	"github.com/opd-ai/go-oniontrace/pkg/trace"
)

func newTestRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.out")

	writer, err := trace.NewWriter(path)
	if err != nil {
		t.Fatalf("trace.NewWriter() error = %v", err)
	}

	r := &Recorder{
		writer:  writer,
		metrics: metrics.New(),
		log:     logger.NewDefault().Component("recorder"),
		pending: make(map[uint32]*pendingCircuit),
	}
	return r, path
}

func TestRecorderDiscardsUnbuiltCircuit(t *testing.T) {
	r, path := newTestRecorder(t)

	r.OnCircuitEvent(&control.CircuitEvent{CircuitID: 1, Status: "LAUNCHED"})
	r.OnCircuitEvent(&control.CircuitEvent{CircuitID: 1, Status: "FAILED"})

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records, err := trace.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected 0 records for a never-built circuit, got %d", len(records))
	}
}

func TestRecorderWritesBuiltCircuit(t *testing.T) {
	r, path := newTestRecorder(t)

	r.OnCircuitEvent(&control.CircuitEvent{CircuitID: 7, Status: "LAUNCHED"})
	r.OnCircuitEvent(&control.CircuitEvent{
		CircuitID:   7,
		Status:      "BUILT",
		Path:        "$AAAA~relay1,$BBBB~relay2",
		Purpose:     "GENERAL",
		TimeCreated: time.Now(),
	})

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records, err := trace.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Purpose != "GENERAL" {
		t.Errorf("Purpose = %q, want GENERAL", records[0].Purpose)
	}
	if len(records[0].Path) != 2 || records[0].Path[0] != "$AAAA~relay1" || records[0].Path[1] != "$BBBB~relay2" {
		t.Errorf("Path = %v, want [$AAAA~relay1 $BBBB~relay2]", records[0].Path)
	}
}

func TestRecorderToString(t *testing.T) {
	r, _ := newTestRecorder(t)

	r.OnCircuitEvent(&control.CircuitEvent{CircuitID: 1, Status: "LAUNCHED"})
	r.OnCircuitEvent(&control.CircuitEvent{CircuitID: 1, Status: "BUILT", Path: "$AAAA~relay1", Purpose: "GENERAL"})
	r.OnCircuitEvent(&control.CircuitEvent{CircuitID: 2, Status: "LAUNCHED"})
	r.OnCircuitEvent(&control.CircuitEvent{CircuitID: 2, Status: "FAILED"})

	summary := r.ToString()
	if summary == "" {
		t.Fatal("ToString() returned empty string")
	}
	t.Logf("summary: %s", summary)

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestRecorderCloseIsIdempotentSafe(t *testing.T) {
	r, _ := newTestRecorder(t)

	if err := r.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestRecorderIgnoresMultiExtend(t *testing.T) {
	r, path := newTestRecorder(t)

	r.OnCircuitEvent(&control.CircuitEvent{CircuitID: 3, Status: "LAUNCHED"})
	r.OnCircuitEvent(&control.CircuitEvent{CircuitID: 3, Status: "EXTENDED", Path: "$AAAA~relay1", Purpose: "GENERAL"})
	r.OnCircuitEvent(&control.CircuitEvent{CircuitID: 3, Status: "EXTENDED", Path: "$BBBB~relay2"})
	r.OnCircuitEvent(&control.CircuitEvent{CircuitID: 3, Status: "BUILT", Path: "$AAAA~relay1,$BBBB~relay2,$CCCC~relay3"})

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records, err := trace.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if len(records[0].Path) != 3 {
		t.Errorf("Path len = %d, want 3 (full path reported at BUILT overrides the accumulated EXTENDED segments)", len(records[0].Path))
	}
}
