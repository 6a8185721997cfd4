package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps Claude session records in memory, for tests.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records []Record

	// now is swappable so TTL expiry is testable without sleeping.
	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now}
}

// Save records a (group, id) observation.
func (s *MemoryStore) Save(_ context.Context, group, claudeSessionID string) error {
	if group == "" || claudeSessionID == "" {
		return fmt.Errorf("save requires a group and a session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, Record{
		Group:           group,
		ClaudeSessionID: claudeSessionID,
		RecordedAt:      s.now().UTC(),
	})
	return nil
}

// GetLatest returns the most recent unexpired id for the group.
func (s *MemoryStore) GetLatest(_ context.Context, group string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		record := s.records[i]
		if record.Group != group {
			continue
		}
		if s.ttl > 0 && s.now().Sub(record.RecordedAt) > s.ttl {
			return "", false, nil
		}
		return record.ClaudeSessionID, true, nil
	}
	return "", false, nil
}

// List returns every record for the group, newest first, ignoring TTL.
func (s *MemoryStore) List(_ context.Context, group string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Group == group {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
