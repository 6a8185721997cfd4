// Package catalog holds the live set of registered tools. Registration
// compiles the argument schema once; lookups return the cached
// validator alongside the declaration.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/carapace/carapace/internal/schema"
)

// Risk levels a tool may declare. High-risk tools require an explicit
// confirmation step before dispatch.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// reservedNames can never be registered by plugins; the intrinsic
// tool set owns them.
var reservedNames = map[string]bool{
	"list_tools":       true,
	"get_session_info": true,
	"get_diagnostics":  true,
}

// IsReservedName reports whether a tool name belongs to the intrinsic set.
func IsReservedName(name string) bool {
	return reservedNames[name]
}

// ToolDeclaration describes one tool a plugin (or the core) exposes.
type ToolDeclaration struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	RiskLevel       string         `json:"risk_level"`
	ArgumentsSchema map[string]any `json:"arguments_schema"`
}

// Tool is a registered declaration plus its compiled validator and the
// plugin that owns it.
type Tool struct {
	Declaration ToolDeclaration
	Validator   *schema.Validator
	Plugin      string
}

// Catalog is the concurrent tool registry.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{tools: make(map[string]*Tool)}
}

// Register validates and adds a declaration owned by plugin. The name
// must be new, not reserved (unless the intrinsic set itself is
// registering, plugin == ""), and the schema must compile.
func (c *Catalog) Register(plugin string, decl ToolDeclaration) error {
	if decl.Name == "" {
		return fmt.Errorf("tool declaration has no name")
	}
	if plugin != "" && IsReservedName(decl.Name) {
		return fmt.Errorf("tool name %q is reserved", decl.Name)
	}
	switch decl.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return fmt.Errorf("tool %q has invalid risk level %q", decl.Name, decl.RiskLevel)
	}

	validator, err := schema.Compile(decl.ArgumentsSchema)
	if err != nil {
		return fmt.Errorf("tool %q: %w", decl.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[decl.Name]; exists {
		return fmt.Errorf("tool %q is already registered", decl.Name)
	}
	c.tools[decl.Name] = &Tool{Declaration: decl, Validator: validator, Plugin: plugin}
	return nil
}

// Lookup returns the tool by name.
func (c *Catalog) Lookup(name string) (*Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tool, ok := c.tools[name]
	return tool, ok
}

// Unregister removes a single tool.
func (c *Catalog) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tools, name)
}

// UnregisterPlugin removes every tool owned by plugin and returns the
// removed names.
func (c *Catalog) UnregisterPlugin(plugin string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	for name, tool := range c.tools {
		if tool.Plugin == plugin {
			removed = append(removed, name)
			delete(c.tools, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Snapshot returns every declaration, sorted by name.
func (c *Catalog) Snapshot() []ToolDeclaration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	decls := make([]ToolDeclaration, 0, len(c.tools))
	for _, tool := range c.tools {
		decls = append(decls, tool.Declaration)
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return decls
}

// Len reports the number of registered tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}
