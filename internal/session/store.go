// Package session tracks running agent sessions and the Claude session
// ids they produce, so later spawns can resume a recent conversation.
package session

import (
	"context"
	"time"
)

// Record is one observed (group, Claude session id) pair.
type Record struct {
	Group           string    `db:"group_name" json:"group"`
	ClaudeSessionID string    `db:"claude_session_id" json:"claudeSessionId"`
	RecordedAt      time.Time `db:"recorded_at" json:"recordedAt"`
}

// Store persists Claude session ids per group. GetLatest applies the
// store's TTL: ids older than that are treated as absent. List is the
// unfiltered audit view.
type Store interface {
	Save(ctx context.Context, group, claudeSessionID string) error
	GetLatest(ctx context.Context, group string) (string, bool, error)
	List(ctx context.Context, group string) ([]Record, error)
	Close() error
}
