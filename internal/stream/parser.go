// Package stream turns a container's line-delimited JSON stdout into
// response.* events on the bus. The parser never crashes on bad input:
// malformed lines become response.error events and reading continues.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/carapace/carapace/internal/bus"
	"github.com/carapace/carapace/internal/common/logger"
	"github.com/carapace/carapace/internal/protocol"
)

// SessionSaver is the slice of the session store the parser needs,
// declared locally so stream does not import internal/session (which
// imports stream). session.Store satisfies it.
type SessionSaver interface {
	Save(ctx context.Context, group, claudeSessionID string) error
}

// maxLineBytes bounds one stdout line; agent output frames are small.
const maxLineBytes = 10 << 20

// cliMessage is the shape of one stdout frame from the agent CLI. The
// type field decides which of the rest is populated.
type cliMessage struct {
	Type string `json:"type"`

	// system and result frames
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// assistant frames
	Message *assistantMessage `json:"message,omitempty"`

	// tool_result frames
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	// result frames
	ExitCode int `json:"exit_code,omitempty"`
}

type assistantMessage struct {
	Role    string         `json:"role"`
	Model   string         `json:"model,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// Parser reads one session's stdout and publishes its response events.
type Parser struct {
	bus       bus.EventBus
	store     SessionSaver
	logger    *logger.Logger
	sessionID string
	group     string

	seq atomic.Uint64
}

// NewParser creates a parser bound to one session.
func NewParser(eventBus bus.EventBus, store SessionSaver, log *logger.Logger, sessionID, group string) *Parser {
	return &Parser{
		bus:       eventBus,
		store:     store,
		logger:    log.WithGroup(group).WithSessionID(sessionID),
		sessionID: sessionID,
		group:     group,
	}
}

// Run reads stdout until end-of-stream. Empty lines are skipped;
// every other line produces exactly one event.
func (p *Parser) Run(ctx context.Context, stdout io.Reader) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.processLine(ctx, line)
	}
	return scanner.Err()
}

func (p *Parser) processLine(ctx context.Context, line string) {
	var frame cliMessage
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		p.emit(ctx, protocol.ResponseError, map[string]any{"reason": "malformed"})
		return
	}

	switch frame.Type {
	case "system":
		p.emit(ctx, protocol.ResponseSystem, map[string]any{
			"claudeSessionId": frame.SessionID,
			"model":           frame.Model,
		})
		p.saveClaudeSession(ctx, frame.SessionID)

	case "assistant":
		if frame.Message == nil {
			p.emit(ctx, protocol.ResponseError, map[string]any{"reason": "malformed"})
			return
		}
		for _, block := range frame.Message.Content {
			switch block.Type {
			case "text":
				p.emit(ctx, protocol.ResponseChunk, map[string]any{"text": block.Text})
			case "tool_use":
				p.emit(ctx, protocol.ResponseToolCall, map[string]any{
					"toolName":  block.Name,
					"toolInput": block.Input,
				})
			}
		}

	case "tool_result":
		// Metadata only. Result content never reaches the bus.
		p.emit(ctx, protocol.ResponseToolResult, map[string]any{
			"toolName":   frame.ToolName,
			"success":    !frame.IsError,
			"durationMs": frame.DurationMS,
		})

	case "result":
		exitCode := frame.ExitCode
		if exitCode == 0 && frame.IsError {
			exitCode = 1
		}
		p.emit(ctx, protocol.ResponseEnd, map[string]any{
			"claudeSessionId": frame.SessionID,
			"exitCode":        exitCode,
		})
		p.saveClaudeSession(ctx, frame.SessionID)

	default:
		p.emit(ctx, protocol.ResponseError, map[string]any{"reason": "malformed"})
	}
}

// emit publishes one event with the next sequence number.
func (p *Parser) emit(ctx context.Context, topic string, payload map[string]any) {
	payload["seq"] = p.seq.Add(1)
	envelope := protocol.NewEvent(topic, p.sessionID, p.group, payload)
	if err := p.bus.Publish(ctx, envelope); err != nil {
		p.logger.Warn("publish response event failed",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

func (p *Parser) saveClaudeSession(ctx context.Context, claudeSessionID string) {
	if claudeSessionID == "" || p.store == nil {
		return
	}
	if err := p.store.Save(ctx, p.group, claudeSessionID); err != nil {
		p.logger.Warn("save claude session failed", zap.Error(err))
	}
}

// DrainStderr logs the session's stderr line by line until EOF.
func (p *Parser) DrainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.logger.Debug("session stderr", zap.String("line", line))
	}
}
