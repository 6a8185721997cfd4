package plugin

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/xeipuuv/gojsonschema"

	"github.com/carapace/carapace/internal/catalog"
)

// Session policies a manifest may declare.
const (
	SessionFresh    = "fresh"
	SessionResume   = "resume"
	SessionExplicit = "explicit"
)

// pluginNameRE constrains plugin names. The name is not part of the
// manifest document; it comes from the plugin's directory (or from the
// registration call for built-ins).
var pluginNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Manifest describes one plugin on disk.
type Manifest struct {
	Name        string   `json:"-"`
	Description string   `json:"description"`
	Version     string   `json:"version"`
	AppCompat   string   `json:"app_compat"`
	Author      string   `json:"author"`
	Provides    Provides `json:"provides"`
	Subscribes  []string `json:"subscribes,omitempty"`
	Session     string   `json:"session,omitempty"`
	Install     *Install `json:"install,omitempty"`
}

// Provides declares what the plugin contributes: event channels it
// publishes on, and tools it registers in the catalog.
type Provides struct {
	Channels []string                  `json:"channels,omitempty"`
	Tools    []catalog.ToolDeclaration `json:"tools,omitempty"`
}

// Install declares setup the plugin needs before first use.
type Install struct {
	Credentials []string `json:"credentials,omitempty"`
}

// manifestSchema is the fixed schema every manifest.json must satisfy.
// Tool argument schemas are validated separately, by the catalog's
// restricted-subset compiler, at registration time.
var manifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *gojsonschema.Schema {
	toolDeclaration := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":      "string",
				"minLength": 1,
				"pattern":   "^[a-z0-9][a-z0-9_]*$",
			},
			"description": map[string]any{"type": "string"},
			"risk_level": map[string]any{
				"type": "string",
				"enum": []any{catalog.RiskLow, catalog.RiskMedium, catalog.RiskHigh},
			},
			"arguments_schema": map[string]any{"type": "object"},
		},
		"required":             []any{"name", "risk_level", "arguments_schema"},
		"additionalProperties": false,
	}

	raw := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{"type": "string", "minLength": 1},
			"version":     map[string]any{"type": "string", "minLength": 1},
			"app_compat":  map[string]any{"type": "string", "minLength": 1},
			"author":      map[string]any{"type": "string", "minLength": 1},
			"provides": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"channels": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string", "minLength": 1},
					},
					"tools": map[string]any{
						"type":  "array",
						"items": toolDeclaration,
					},
				},
				"additionalProperties": false,
			},
			"subscribes": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "minLength": 1},
			},
			"session": map[string]any{
				"type": "string",
				"enum": []any{SessionFresh, SessionResume, SessionExplicit},
			},
			"install": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"credentials": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string", "minLength": 1},
					},
				},
				"additionalProperties": false,
			},
		},
		"required":             []any{"description", "version", "app_compat", "author", "provides"},
		"additionalProperties": false,
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("manifest schema does not compile: %v", err))
	}
	return compiled
}

// ParseManifest decodes and validates a manifest document. The plugin
// name is filled in by the loader, not by the document.
func ParseManifest(raw []byte) (*Manifest, error) {
	result, err := manifestSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return nil, fmt.Errorf("manifest invalid at %s: %s", first.Field(), first.Description())
	}

	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.Session == "" {
		manifest.Session = SessionFresh
	}
	if manifest.Install != nil {
		// Declared credential names must be usable as ReadCredential
		// keys, so the same traversal rules apply at parse time.
		for _, key := range manifest.Install.Credentials {
			if err := validateCredentialKey(key); err != nil {
				return nil, fmt.Errorf("install credential: %w", err)
			}
		}
	}
	return &manifest, nil
}
