// Package journal keeps the timestamped server log a wallet view renders.
package journal

import (
	"sync"
	"time"

	"github.com/punchamoorthee/chargeguard/internal/domain"
)

// Journal is an append-only, concurrency-safe list of log entries.
type Journal struct {
	mu      sync.Mutex
	entries []domain.LogEntry
	limit   int
}

// New returns a journal that keeps at most limit entries (oldest dropped first).
// A limit of zero keeps everything.
func New(limit int) *Journal {
	return &Journal{limit: limit}
}

// Append records msg at the given time. Its signature matches the log-append
// callback the coordinator and service accept.
func (j *Journal) Append(at time.Time, msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, domain.LogEntry{Time: at, Message: msg})
	if j.limit > 0 && len(j.entries) > j.limit {
		j.entries = append(j.entries[:0:0], j.entries[len(j.entries)-j.limit:]...)
	}
}

// Entries returns a copy of the journal in append order.
func (j *Journal) Entries() []domain.LogEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.LogEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Messages returns just the message text, in order.
func (j *Journal) Messages() []string {
	entries := j.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func (j *Journal) Reset() {
	j.mu.Lock()
	j.entries = nil
	j.mu.Unlock()
}
