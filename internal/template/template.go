// Package template implements the mustache-style placeholder syntax used by
// resolver directives: {{.value.x}}, {{.args.x}}, {{.env.X}}, {{.headers.x}}.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Token is one parsed placeholder: the path segments inside {{...}}.
type Token struct {
	Raw  string // full placeholder text including braces
	Path []string
}

// Root returns the first path segment ("value", "args", "env", "headers").
func (t Token) Root() string {
	if len(t.Path) == 0 {
		return ""
	}
	return t.Path[0]
}

// Tokens extracts every placeholder in s, in order.
func Tokens(s string) []Token {
	var out []Token
	for i := 0; i < len(s); {
		start := strings.Index(s[i:], "{{")
		if start < 0 {
			break
		}
		start += i
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			break
		}
		end += start
		raw := s[start : end+2]
		inner := strings.TrimSpace(s[start+2 : end])
		inner = strings.TrimPrefix(inner, ".")
		if inner != "" {
			out = append(out, Token{Raw: raw, Path: strings.Split(inner, ".")})
		}
		i = end + 2
	}
	return out
}

// References reports whether s contains a placeholder rooted at root.
func References(s, root string) bool {
	for _, t := range Tokens(s) {
		if t.Root() == root {
			return true
		}
	}
	return false
}

// Lookup walks a path through nested maps and slices. Missing segments yield
// (nil, false).
func Lookup(scope any, path []string) (any, bool) {
	cur := scope
	for _, seg := range path {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Render substitutes every placeholder in s from scope. Missing paths render
// as the empty string. Non-string values render as their JSON encoding,
// except bare scalars which render unquoted.
func Render(s string, scope map[string]any) string {
	tokens := Tokens(s)
	if len(tokens) == 0 {
		return s
	}
	var b strings.Builder
	rest := s
	for _, t := range tokens {
		idx := strings.Index(rest, t.Raw)
		b.WriteString(rest[:idx])
		if v, ok := Lookup(map[string]any(scope), t.Path); ok {
			b.WriteString(stringify(v))
		}
		rest = rest[idx+len(t.Raw):]
	}
	b.WriteString(rest)
	return b.String()
}

// RenderValue is Render except that a string consisting of exactly one
// placeholder yields the looked-up value with its type intact, so numbers and
// objects survive substitution into JSON bodies.
func RenderValue(s string, scope map[string]any) any {
	tokens := Tokens(s)
	if len(tokens) == 1 && tokens[0].Raw == strings.TrimSpace(s) {
		v, _ := Lookup(map[string]any(scope), tokens[0].Path)
		return v
	}
	return Render(s, scope)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(raw)
	}
}
