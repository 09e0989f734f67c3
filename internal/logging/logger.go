package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// DeliveryLog represents a single deliver/ack/nack event, kept separate from
// the operational logger so delivery history can be queried without parsing
// free-form log lines (read back through Server.DeliveryLog and by tests).
type DeliveryLog struct {
	Timestamp      time.Time `json:"timestamp"`
	MessageID      string    `json:"message_id"`
	Queue          string    `json:"queue"`
	SubscriptionID uint64    `json:"subscription_id"`
	Attempt        int       `json:"attempt"`
	DurationMs     int64     `json:"duration_ms"`
	Outcome        string    `json:"outcome"` // delivered, acked, retried, dead_lettered
	Reason         string    `json:"reason,omitempty"`
}

// defaultHistoryCapacity bounds the in-memory ring the audit trail keeps;
// older entries are dropped once it fills.
const defaultHistoryCapacity = 1000

// Logger records delivery events: it keeps a bounded in-memory ring for the
// audit trail and optionally mirrors each entry to a file as
// newline-delimited JSON plus a human-readable console line.
type Logger struct {
	mu       sync.Mutex
	enabled  bool
	file     *os.File
	console  bool
	capacity int
	history  []*DeliveryLog
}

// NewLogger creates a delivery logger. Each Server owns one instance rather
// than sharing a package-level singleton, so two Servers in one process keep
// independent delivery histories.
func NewLogger() *Logger {
	return &Logger{enabled: true, console: false, capacity: defaultHistoryCapacity}
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a delivery log entry.
func (l *Logger) Log(entry *DeliveryLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	l.history = append(l.history, entry)
	if over := len(l.history) - l.capacity; over > 0 {
		l.history = l.history[over:]
	}

	if l.console {
		fmt.Printf("[delivery] %s msg=%s queue=%s sub=%d attempt=%d %dms",
			entry.Outcome, entry.MessageID, entry.Queue, entry.SubscriptionID, entry.Attempt, entry.DurationMs)
		if entry.Reason != "" {
			fmt.Printf(" reason=%s", entry.Reason)
		}
		fmt.Println()
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// History returns a snapshot of the most recently recorded delivery events,
// oldest first, for the audit trail and for tests.
func (l *Logger) History() []*DeliveryLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*DeliveryLog, len(l.history))
	copy(out, l.history)
	return out
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
