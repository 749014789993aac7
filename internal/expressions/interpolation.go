package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Resolver looks up a placeholder name. *ScopeChain satisfies it.
type Resolver interface {
	Lookup(name string) (any, bool)
}

// MapResolver adapts a plain map to Resolver.
type MapResolver map[string]any

// Lookup returns m[name].
func (m MapResolver) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// PromptInterpolator replaces {{ name }} placeholders in template text.
// Whitespace inside the braces is ignored. Placeholders that do not resolve
// are left in the output untouched, so optional template slots never block a
// step.
type PromptInterpolator struct{}

// NewPromptInterpolator creates a PromptInterpolator.
func NewPromptInterpolator() *PromptInterpolator {
	return &PromptInterpolator{}
}

// Interpolate returns template with every resolvable placeholder substituted.
func (p *PromptInterpolator) Interpolate(template string, vars Resolver) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			// Unclosed marker: keep the remainder literally.
			result.WriteString(template[i+idx:])
			break
		}
		end += start

		inner := template[start:end]
		if strings.Contains(inner, "{{") {
			// "{{ {{name}}": emit the outer braces and rescan from the inner marker.
			result.WriteString("{{")
			i = start
			continue
		}

		name := strings.TrimSpace(inner)
		val, ok := lookup(vars, name)
		if !ok {
			result.WriteString(template[i+idx : end+2])
		} else {
			result.WriteString(stringify(val))
		}

		i = end + 2
	}

	return result.String()
}

// Placeholders returns the distinct placeholder names in template, in order
// of first appearance.
func (p *PromptInterpolator) Placeholders(template string) []string {
	var names []string
	seen := make(map[string]struct{})
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			return names
		}
		rest = rest[start+2:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return names
		}
		inner := rest[:end]
		if strings.Contains(inner, "{{") {
			continue
		}
		name := strings.TrimSpace(inner)
		if _, dup := seen[name]; name != "" && !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
		rest = rest[end+2:]
	}
}

func lookup(vars Resolver, name string) (any, bool) {
	if name == "" || vars == nil {
		return nil, false
	}
	return vars.Lookup(name)
}

// stringify converts a resolved value into text. Strings are inserted
// verbatim; maps and slices are JSON-encoded.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
