package router

import (
	"sync"
	"time"
)

// defaultApprovalTTL bounds how long an out-of-band approval stays
// consumable before it expires.
const defaultApprovalTTL = 10 * time.Minute

// ConfirmationStore holds out-of-band approvals for high-risk tool
// calls, keyed by correlation id. Each approval is one-shot: consuming
// it removes it.
type ConfirmationStore struct {
	mu        sync.Mutex
	approvals map[string]time.Time
	ttl       time.Duration
	now       func() time.Time
}

// NewConfirmationStore creates a store with the given approval TTL.
// A non-positive ttl selects the default.
func NewConfirmationStore(ttl time.Duration) *ConfirmationStore {
	if ttl <= 0 {
		ttl = defaultApprovalTTL
	}
	return &ConfirmationStore{
		approvals: make(map[string]time.Time),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Approve records an approval for the given correlation id.
func (c *ConfirmationStore) Approve(correlation string) {
	if correlation == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approvals[correlation] = c.now()
}

// Consume removes and returns the approval for the correlation id.
// Expired approvals count as absent.
func (c *ConfirmationStore) Consume(correlation string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	approvedAt, ok := c.approvals[correlation]
	if !ok {
		return false
	}
	delete(c.approvals, correlation)
	return c.now().Sub(approvedAt) <= c.ttl
}
