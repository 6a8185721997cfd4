package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLog keeps entries in memory, for tests and the doctor command.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates an empty in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{nextID: 1}
}

// Append records one entry.
func (l *MemoryLog) Append(_ context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.ID = l.nextID
	l.nextID++
	l.entries = append(l.entries, entry)
	return nil
}

// Query returns matching entries for the filter's group, newest first.
func (l *MemoryLog) Query(_ context.Context, filter QueryFilter) ([]Entry, error) {
	if filter.Group == "" {
		return nil, errGroupRequired
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		entry := l.entries[i]
		if entry.Group != filter.Group {
			continue
		}
		if filter.Topic != "" && entry.Topic != filter.Topic {
			continue
		}
		if !filter.Since.IsZero() && entry.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Close is a no-op for the in-memory log.
func (l *MemoryLog) Close() error { return nil }
