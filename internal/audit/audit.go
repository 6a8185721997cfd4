// Package audit records every router pipeline decision. Entries are
// append-only; queries are always scoped to a group so one group's
// sessions can never read another's history.
package audit

import (
	"context"
	"errors"
	"time"
)

// errGroupRequired rejects queries that fail to name a group.
var errGroupRequired = errors.New("audit query requires a group")

// Outcomes an entry may record: the request moved on to the next
// stage, or it stopped here. The Error field carries the detail.
const (
	OutcomeRouted = "routed"
	OutcomeError  = "error"
)

// Entry is one recorded pipeline decision.
type Entry struct {
	ID          int64     `db:"id" json:"id"`
	Timestamp   time.Time `db:"timestamp" json:"timestamp"`
	Group       string    `db:"group_name" json:"group"`
	Source      string    `db:"source" json:"source"`
	Topic       string    `db:"topic" json:"topic"`
	Correlation string    `db:"correlation" json:"correlation"`
	Stage       string    `db:"stage" json:"stage"`
	Outcome     string    `db:"outcome" json:"outcome"`
	Error       string    `db:"error" json:"error,omitempty"`
}

// QueryFilter narrows a group-scoped query. Group is mandatory.
type QueryFilter struct {
	Group string
	Topic string
	Since time.Time
	Limit int
}

// Log is the append-only audit store.
type Log interface {
	Append(ctx context.Context, entry Entry) error
	Query(ctx context.Context, filter QueryFilter) ([]Entry, error)
	Close() error
}
