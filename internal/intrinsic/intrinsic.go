// Package intrinsic provides the three tools that are always
// registered and never overridable: list_tools, get_session_info,
// and get_diagnostics.
package intrinsic

import (
	"context"
	"fmt"
	"time"

	"github.com/carapace/carapace/internal/audit"
	"github.com/carapace/carapace/internal/catalog"
	"github.com/carapace/carapace/internal/plugin"
)

// Plugin failure categories exposed to agents, a closed enum.
const (
	CategoryNetworkError  = "NETWORK_ERROR"
	CategoryAuthError     = "AUTH_ERROR"
	CategoryConfigError   = "CONFIG_ERROR"
	CategoryInternalError = "INTERNAL_ERROR"
)

// mapFailureCategory converts host load-failure categories to the
// agent-facing enum. Nothing maps to "unknown".
func mapFailureCategory(category string) string {
	switch category {
	case plugin.FailureInvalidManifest, plugin.FailureMissingHandler:
		return CategoryConfigError
	case plugin.FailureTimeout:
		return CategoryNetworkError
	default:
		return CategoryInternalError
	}
}

// PluginStatus is the host surface the intrinsics need.
type PluginStatus interface {
	Healthy() []string
	Failed() []plugin.LoadResult
}

// Service implements the intrinsic tool set.
type Service struct {
	catalog  *catalog.Catalog
	audit    audit.Log
	plugins  PluginStatus
	sessions plugin.SessionInfoFn
}

// NewService creates the intrinsic tool service.
func NewService(cat *catalog.Catalog, auditLog audit.Log, plugins PluginStatus, sessions plugin.SessionInfoFn) *Service {
	return &Service{catalog: cat, audit: auditLog, plugins: plugins, sessions: sessions}
}

func emptyObjectSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
	}
}

// Register places the three intrinsic declarations in the catalog.
// The empty plugin name marks them as core-owned, which is the only
// way their reserved names can be registered.
func (s *Service) Register() error {
	declarations := []catalog.ToolDeclaration{
		{
			Name:            "list_tools",
			Description:     "List every tool currently available to this session.",
			RiskLevel:       catalog.RiskLow,
			ArgumentsSchema: emptyObjectSchema(),
		},
		{
			Name:            "get_session_info",
			Description:     "Describe the calling session: group, start time, plugin health.",
			RiskLevel:       catalog.RiskLow,
			ArgumentsSchema: emptyObjectSchema(),
		},
		{
			Name:        "get_diagnostics",
			Description: "Query recent pipeline audit entries for this session's group.",
			RiskLevel:   catalog.RiskLow,
			ArgumentsSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"topic":        map[string]any{"type": "string"},
					"limit":        map[string]any{"type": "integer", "minimum": float64(1), "maximum": float64(500)},
					"sinceSeconds": map[string]any{"type": "integer", "minimum": float64(1)},
				},
				"additionalProperties": false,
			},
		},
	}
	for _, decl := range declarations {
		if err := s.catalog.Register("", decl); err != nil {
			return fmt.Errorf("register intrinsic %s: %w", decl.Name, err)
		}
	}
	return nil
}

// Invoke runs an intrinsic tool on behalf of a session.
func (s *Service) Invoke(ctx context.Context, tool string, args map[string]any, invocation plugin.InvocationContext) (map[string]any, error) {
	switch tool {
	case "list_tools":
		return s.listTools(), nil
	case "get_session_info":
		return s.sessionInfo(invocation)
	case "get_diagnostics":
		return s.diagnostics(ctx, args, invocation)
	default:
		return nil, fmt.Errorf("not an intrinsic tool: %s", tool)
	}
}

func (s *Service) listTools() map[string]any {
	snapshot := s.catalog.Snapshot()
	tools := make([]any, 0, len(snapshot))
	for _, decl := range snapshot {
		tools = append(tools, map[string]any{
			"name":        decl.Name,
			"description": decl.Description,
			"risk_level":  decl.RiskLevel,
		})
	}
	return map[string]any{"tools": tools}
}

func (s *Service) sessionInfo(invocation plugin.InvocationContext) (map[string]any, error) {
	group, startedAt, ok := s.sessions(invocation.SessionID)
	if !ok {
		return nil, fmt.Errorf("unknown session")
	}

	healthy := s.plugins.Healthy()
	healthyList := make([]any, 0, len(healthy))
	for _, name := range healthy {
		healthyList = append(healthyList, name)
	}

	failed := s.plugins.Failed()
	failedList := make([]any, 0, len(failed))
	for _, result := range failed {
		failedList = append(failedList, map[string]any{
			"plugin":   result.Plugin,
			"category": mapFailureCategory(result.Category),
		})
	}

	return map[string]any{
		"group":     group,
		"startedAt": startedAt,
		"plugins": map[string]any{
			"healthy": healthyList,
			"failed":  failedList,
		},
	}, nil
}

// diagnostics queries the audit log, always scoped to the calling
// session's group no matter what the arguments say.
func (s *Service) diagnostics(ctx context.Context, args map[string]any, invocation plugin.InvocationContext) (map[string]any, error) {
	filter := audit.QueryFilter{Group: invocation.Group}
	if topic, ok := args["topic"].(string); ok {
		filter.Topic = topic
	}
	if limit, ok := args["limit"].(float64); ok {
		filter.Limit = int(limit)
	}
	if since, ok := args["sinceSeconds"].(float64); ok {
		filter.Since = time.Now().UTC().Add(-time.Duration(since) * time.Second)
	}

	entries, err := s.audit.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}

	list := make([]any, 0, len(entries))
	for _, entry := range entries {
		list = append(list, map[string]any{
			"timestamp":   entry.Timestamp.Format(time.RFC3339),
			"topic":       entry.Topic,
			"correlation": entry.Correlation,
			"stage":       entry.Stage,
			"outcome":     entry.Outcome,
			"error":       entry.Error,
		})
	}
	return map[string]any{"entries": list}, nil
}
