// Package trace reads and writes oniontrace's circuit-launch trace files: a
// line-oriented format recording, for each built circuit, the time it was
// launched relative to recording start, the ordered path of relay
// identities that composed it, and its declared purpose. The Recorder
// produces these files; the Player consumes them.
package trace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	oerrors "github.com/opd-ai/go-oniontrace/pkg/errors"
)

// Record describes one circuit to launch or that was observed being built.
type Record struct {
	// RelativeTime is the offset from recording start at which the
	// circuit was launched (Record mode) or should be launched (Play
	// mode), at microsecond resolution.
	RelativeTime time.Duration
	// Path is the ordered list of relay identities composing the
	// circuit, e.g. "$AAAA...~relay1".
	Path []string
	// Purpose is the circuit's declared purpose, e.g. "GENERAL".
	Purpose string
}

// formatLine renders one trace record as "<seconds> <microseconds>
// <purpose> <comma-separated path>".
func formatLine(r Record) string {
	micros := r.RelativeTime.Microseconds()
	seconds := micros / 1_000_000
	remainder := micros % 1_000_000
	return fmt.Sprintf("%d %06d %s %s", seconds, remainder, r.Purpose, strings.Join(r.Path, ","))
}

// parseLine parses one non-empty, non-comment trace line. Malformed lines
// are reported with the error wrapped so callers can attach a line number.
func parseLine(line string) (Record, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Record{}, fmt.Errorf("expected 4 fields, got %d", len(fields))
	}

	seconds, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid seconds field %q: %w", fields[0], err)
	}
	micros, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid microseconds field %q: %w", fields[1], err)
	}

	purpose := fields[2]
	path := strings.Split(fields[3], ",")

	return Record{
		RelativeTime: time.Duration(seconds)*time.Second + time.Duration(micros)*time.Microsecond,
		Path:         path,
		Purpose:      purpose,
	}, nil
}

// ReadFile parses an entire trace file into a time-ordered slice of
// records. Blank lines and lines starting with # are ignored, matching the
// torrc-style tolerance the rest of this repo's file formats share. This is
// the one synchronous disk read the design tolerates outside reactor
// dispatch: it happens once, at Player construction.
func ReadFile(path string) ([]Record, error) {
	file, err := os.Open(path) // #nosec G304 - path comes from validated configuration
	if err != nil {
		return nil, oerrors.TraceError(fmt.Sprintf("failed to open trace file %s", path), err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		record, err := parseLine(line)
		if err != nil {
			return nil, oerrors.TraceError(fmt.Sprintf("%s:%d: malformed trace record", path, lineNum), err)
		}
		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, oerrors.TraceError(fmt.Sprintf("failed to read trace file %s", path), err)
	}

	return records, nil
}

// Writer appends built-circuit records to a trace file, stamping each with
// its offset from the Writer's construction time. Safe for concurrent use,
// though in practice the Recorder only ever calls Append from the reactor
// thread.
type Writer struct {
	mu    sync.Mutex
	file  *os.File
	start time.Time
}

// NewWriter opens (creating if necessary) path for append and begins
// timing relative offsets from the moment of this call.
func NewWriter(path string) (*Writer, error) {
	if err := validateTracePath(path); err != nil {
		return nil, oerrors.TraceError("invalid trace file path", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G304 - path is validated
	if err != nil {
		return nil, oerrors.TraceError(fmt.Sprintf("failed to open trace file %s for append", path), err)
	}

	return &Writer{file: file, start: time.Now()}, nil
}

// Append writes one record, stamping RelativeTime as builtAt's offset from
// the Writer's construction time, and flushes it to
// disk immediately so a crash loses at most the in-flight line.
func (w *Writer) Append(builtAt time.Time, path []string, purpose string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return oerrors.TraceError("write to closed trace writer", nil)
	}

	record := Record{
		RelativeTime: builtAt.Sub(w.start),
		Path:         path,
		Purpose:      purpose,
	}

	if _, err := fmt.Fprintln(w.file, formatLine(record)); err != nil {
		return oerrors.TraceError("failed to append trace record", err)
	}
	return w.file.Sync()
}

// Close closes the underlying file. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return oerrors.TraceError("failed to close trace file", err)
	}
	return nil
}

// validateTracePath rejects paths containing directory traversal
// components, matching the discipline pkg/config applies to its own file
// paths.
func validateTracePath(path string) error {
	if path == "" {
		return fmt.Errorf("trace file path cannot be empty")
	}
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return fmt.Errorf("trace file path must not contain '..': %s", path)
	}
	return nil
}
