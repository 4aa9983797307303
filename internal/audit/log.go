// Package audit keeps the append-only record of every sandbox spawn, command
// and teardown. The log is durable (JSONL on disk) and must survive process
// restarts; a write failure is reported on the operational error channel but
// never fails the caller's primary operation.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type Action string

const (
	ActionSpawn     Action = "spawn"
	ActionExecute   Action = "execute"
	ActionTerminate Action = "terminate"
	ActionReap      Action = "reap"
)

type Result string

const (
	ResultOK    Result = "ok"
	ResultError Result = "error"
)

type Entry struct {
	SandboxID string    `json:"sandbox_id"`
	Action    Action    `json:"action"`
	Payload   string    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Result    Result    `json:"result"`
	Detail    string    `json:"detail,omitempty"`
}

type Log struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer

	// byID holds append-ordered entries per sandbox for replay reads.
	byID map[string][]Entry

	errCh chan error
}

// Open appends to the log at path, loading any existing entries so reads see
// the full history across restarts.
func Open(path string) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	l := &Log{
		file:   file,
		writer: bufio.NewWriter(file),
		byID:   make(map[string][]Entry),
		errCh:  make(chan error, 64),
	}

	if err := l.load(path); err != nil {
		file.Close()

		return nil, err
	}

	return l, nil
}

func (l *Log) load(path string) error {
	readFile, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read back audit log: %w", err)
	}
	defer readFile.Close()

	scanner := bufio.NewScanner(readFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// A torn trailing line from a crash is tolerated; everything
			// before it is intact because entries are written whole.
			continue
		}

		l.byID[entry.SandboxID] = append(l.byID[entry.SandboxID], entry)
	}

	return scanner.Err()
}

// Append records an entry. It never returns an error: serialization or disk
// failures are pushed to Errors and the in-memory index is still updated so
// reads stay consistent with what the caller observed.
func (l *Log) Append(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.byID[entry.SandboxID] = append(l.byID[entry.SandboxID], entry)

	data, err := json.Marshal(entry)
	if err != nil {
		l.reportError(fmt.Errorf("failed to marshal audit entry: %w", err))

		return
	}

	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		l.reportError(fmt.Errorf("failed to write audit entry: %w", err))

		return
	}

	if err := l.writer.Flush(); err != nil {
		l.reportError(fmt.Errorf("failed to flush audit log: %w", err))
	}
}

func (l *Log) reportError(err error) {
	select {
	case l.errCh <- err:
	default:
		// Channel full; drop rather than block the primary operation.
	}
}

// Errors is the operational error channel. Consumers typically log entries
// from it; it never closes while the log is open.
func (l *Log) Errors() <-chan error {
	return l.errCh
}

// Entries returns the append-ordered entries for one sandbox.
func (l *Log) Entries(sandboxID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.byID[sandboxID]
	out := make([]Entry, len(entries))
	copy(out, entries)

	return out
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return err
	}

	return l.file.Close()
}
