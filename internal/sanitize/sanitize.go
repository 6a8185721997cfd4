// Package sanitize scrubs credential material from outbound result
// payloads before they reach the bus or the audit log.
package sanitize

import (
	"fmt"
	"regexp"
	"sort"
)

// Redacted replaces every matched credential.
const Redacted = "[REDACTED]"

// compiledPattern is one pre-compiled credential regex.
type compiledPattern struct {
	name  string
	regex *regexp.Regexp
}

var builtinPatterns = []compiledPattern{
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-\.=]{16,}`)},
	{"aws_access_key", regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`)},
	{"api_key", regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9_]{36,255}\b`)},
	{"connection_string", regexp.MustCompile(`\b[a-z][a-z0-9+\-.]*://[^:/\s]+:[^@\s]+@`)},
	{"pem_block", regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`)},
}

// Scrubber applies the built-in credential patterns to arbitrary
// decoded JSON values.
type Scrubber struct {
	patterns []compiledPattern
}

// New returns a scrubber with the built-in pattern set.
func New() *Scrubber {
	return &Scrubber{patterns: builtinPatterns}
}

// Scrub walks value, replacing credential matches in string leaves with
// [REDACTED]. It returns the scrubbed value and the sorted JSON paths
// of the leaves that were changed. Maps and slices are rebuilt; the
// input is not mutated.
func (s *Scrubber) Scrub(value any) (any, []string) {
	out, paths := s.walk(value, "$")
	sort.Strings(paths)
	return out, paths
}

func (s *Scrubber) walk(value any, path string) (any, []string) {
	switch typed := value.(type) {
	case string:
		scrubbed, hit := s.scrubString(typed)
		if hit {
			return scrubbed, []string{path}
		}
		return typed, nil
	case map[string]any:
		out := make(map[string]any, len(typed))
		var paths []string
		for key, item := range typed {
			scrubbed, hits := s.walk(item, path+"."+key)
			out[key] = scrubbed
			paths = append(paths, hits...)
		}
		return out, paths
	case []any:
		out := make([]any, len(typed))
		var paths []string
		for i, item := range typed {
			scrubbed, hits := s.walk(item, fmt.Sprintf("%s[%d]", path, i))
			out[i] = scrubbed
			paths = append(paths, hits...)
		}
		return out, paths
	default:
		return value, nil
	}
}

func (s *Scrubber) scrubString(in string) (string, bool) {
	out := in
	for _, p := range s.patterns {
		out = p.regex.ReplaceAllString(out, Redacted)
	}
	return out, out != in
}
