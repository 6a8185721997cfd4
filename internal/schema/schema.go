// Package schema compiles and validates tool argument schemas: a
// restricted JSON Schema draft-07 subset with prototype-pollution
// guards applied to every validated document.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// pollutedKeys are rejected at any depth in validated documents.
// Go has no prototype chain, but downstream tooling may deserialize
// into hostile shapes, so the check stays.
var pollutedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// allowedKeywords is the closed draft-07 subset tool schemas may use.
// Composition and references stay out so a declaration can be audited
// by reading it top to bottom.
var allowedKeywords = map[string]bool{
	"$schema":              true,
	"title":                true,
	"description":          true,
	"type":                 true,
	"enum":                 true,
	"const":                true,
	"default":              true,
	"properties":           true,
	"required":             true,
	"additionalProperties": true,
	"items":                true,
	"minItems":             true,
	"maxItems":             true,
	"minLength":            true,
	"maxLength":            true,
	"pattern":              true,
	"minimum":              true,
	"maximum":              true,
	"exclusiveMinimum":     true,
	"exclusiveMaximum":     true,
	"format":               true,
}

// Validator is one compiled tool schema. Compile once, validate many.
type Validator struct {
	compiled *gojsonschema.Schema
}

// Compile checks the declaration against the restricted subset and
// compiles it. Every object level must carry additionalProperties:false.
func Compile(raw map[string]any) (*Validator, error) {
	if err := checkDeclaration(raw, "$"); err != nil {
		return nil, err
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema does not compile: %w", err)
	}
	return &Validator{compiled: compiled}, nil
}

// checkDeclaration walks a schema node enforcing the subset rules.
func checkDeclaration(node map[string]any, path string) error {
	for keyword := range node {
		if !allowedKeywords[keyword] {
			return fmt.Errorf("schema keyword %q at %s is outside the restricted subset", keyword, path)
		}
	}

	if isObjectSchema(node) {
		ap, present := node["additionalProperties"]
		if !present {
			return fmt.Errorf("object schema at %s is missing additionalProperties:false", path)
		}
		if allowed, ok := ap.(bool); !ok || allowed {
			return fmt.Errorf("object schema at %s must set additionalProperties:false", path)
		}
	}

	if props, ok := node["properties"].(map[string]any); ok {
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			child, ok := props[name].(map[string]any)
			if !ok {
				return fmt.Errorf("property %q at %s is not a schema object", name, path)
			}
			if err := checkDeclaration(child, path+".properties."+name); err != nil {
				return err
			}
		}
	}

	if items, ok := node["items"].(map[string]any); ok {
		if err := checkDeclaration(items, path+".items"); err != nil {
			return err
		}
	}

	return nil
}

func isObjectSchema(node map[string]any) bool {
	if t, ok := node["type"].(string); ok && t == "object" {
		return true
	}
	_, hasProps := node["properties"]
	return hasProps
}

// Validate checks a document. The pollution guard runs first; schema
// failures report the JSON path of the first violation.
func (v *Validator) Validate(doc map[string]any) error {
	if path, key, found := findPollutedKey(doc, "$"); found {
		return fmt.Errorf("forbidden key %q at %s", key, path)
	}

	result, err := v.compiled.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}

	first := result.Errors()[0]
	field := first.Field()
	if field == "(root)" {
		field = "$"
	} else {
		field = "$." + field
	}
	return fmt.Errorf("%s: %s", field, first.Description())
}

// findPollutedKey scans a decoded JSON value for forbidden keys at any
// depth, returning the JSON path of the first match.
func findPollutedKey(value any, path string) (string, string, bool) {
	switch typed := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if pollutedKeys[key] {
				return path, key, true
			}
			if p, k, found := findPollutedKey(typed[key], path+"."+key); found {
				return p, k, true
			}
		}
	case []any:
		for i, item := range typed {
			if p, k, found := findPollutedKey(item, fmt.Sprintf("%s[%d]", path, i)); found {
				return p, k, true
			}
		}
	}
	return "", "", false
}

// Depth measures the maximum nesting depth of raw JSON without
// materializing the document. A scalar document has depth 0; each
// object or array level adds one.
func Depth(raw []byte) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	depth, maxDepth := 0, 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, fmt.Errorf("measure depth: %w", err)
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
				if depth > maxDepth {
					maxDepth = depth
				}
			case '}', ']':
				depth--
			}
		}
	}
	return maxDepth, nil
}
