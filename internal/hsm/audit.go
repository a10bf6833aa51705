package hsm

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ferncliff/spotbridge/internal/shared"
)

// AuditEntry records one cryptographic operation, successful or not.
// Entries are never mutated after creation.
type AuditEntry struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	KeyID     string    `json:"key_id"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditSink receives entries for durable storage beyond the in-memory log.
type AuditSink interface {
	Record(entry AuditEntry) error
}

// AuditLog is an append-only, capped log of cryptographic operations.
// When the cap is reached the oldest entries are evicted first.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	max     int
	enabled bool
	sink    AuditSink
	logger  *log.Logger
	now     func() time.Time
}

// NewAuditLog creates an audit log holding at most max entries. A disabled
// log drops every append.
func NewAuditLog(max int, enabled bool) *AuditLog {
	if max <= 0 {
		max = 1000
	}
	return &AuditLog{max: max, enabled: enabled, now: time.Now}
}

// SetSink attaches a durable sink. A sink write failure never fails the
// append; the in-memory entry is kept either way.
func (l *AuditLog) SetSink(sink AuditSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// SetLogger attaches a logger used to report sink write failures.
func (l *AuditLog) SetLogger(logger *log.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = logger
}

// Append records one operation.
func (l *AuditLog) Append(operation, keyID string, success bool, errText, actor string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry := AuditEntry{
		ID:        shared.GenerateID(),
		Operation: operation,
		KeyID:     keyID,
		Success:   success,
		Error:     errText,
		Actor:     actor,
		Timestamp: l.now(),
	}

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}

	if l.sink != nil {
		if err := l.sink.Record(entry); err != nil && l.logger != nil {
			l.logger.Debug("audit sink write failed", "operation", operation, "error", err)
		}
	}
}

// Entries returns a copy of the current log, oldest first.
func (l *AuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the number of retained entries.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
