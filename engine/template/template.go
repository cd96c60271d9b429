// Package template renders {{ ... }} expressions embedded in playbook values
// against the live execution context.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var exprPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// pipe without a call, Jinja spelling: "x | to_json"
var barePipePattern = regexp.MustCompile(`(^|[^|])\|\s*([a-zA-Z_][a-zA-Z0-9_]*)(\s*)($|[^(|\w])`)

var nullPattern = regexp.MustCompile(`\bnull\b`)

var identPattern = regexp.MustCompile(`(^|[^.\w'"])([a-zA-Z_][a-zA-Z0-9_]*)`)

// a whole expression that is nothing but a dotted reference
var dottedPathPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)+$`)

// reserved are names the expression language or our builtins own; they are
// never treated as undefined context references.
var reserved = map[string]bool{
	"true": true, "false": true, "nil": true, "null": true,
	"and": true, "or": true, "not": true, "in": true, "let": true,
	"if": true, "else": true,
	"len": true, "all": true, "any": true, "one": true, "none": true,
	"map": true, "filter": true, "count": true, "keys": true, "values": true,
	"type": true, "abs": true, "int": true, "float": true, "string": true,
	"trim": true, "upper": true, "lower": true, "split": true, "join": true,
	"min": true, "max": true, "sum": true,
	"contains": true, "startsWith": true, "endsWith": true, "matches": true,
	"to_json": true, "now": true,
}

// Evaluator renders values of any shape. Strict mode fails on references to
// names absent from the context; non-strict substitutes an empty string.
type Evaluator struct {
	strict bool

	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates a template evaluator
func New(strict bool) *Evaluator {
	return &Evaluator{
		strict: strict,
		cache:  make(map[string]*vm.Program),
	}
}

// Strict reports whether the evaluator fails on undefined references
func (e *Evaluator) Strict() bool { return e.strict }

// Render expands templates in a value of any shape. Mappings and sequences
// recurse structurally; the context is never mutated.
func (e *Evaluator) Render(value interface{}, ctx map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return e.RenderString(v, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			rendered, err := e.Render(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("render key %s: %w", k, err)
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			rendered, err := e.Render(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("render index %d: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// RenderMap renders every value of a map
func (e *Evaluator) RenderMap(m map[string]interface{}, ctx map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	out, err := e.Render(m, ctx)
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

// RenderString expands {{ ... }} regions in a string. A string that is a
// single expression returns the resolved value with its original type when
// that value is not a string. Otherwise the regions are interpolated and the
// result is auto-parsed when it forms a JSON array or object.
func (e *Evaluator) RenderString(s string, ctx map[string]interface{}) (interface{}, error) {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-value single expression keeps the resolved type
	if len(matches) == 1 {
		m := matches[0]
		if strings.TrimSpace(s[:m[0]]) == "" && strings.TrimSpace(s[m[1]:]) == "" {
			result, err := e.eval(s[m[2]:m[3]], ctx)
			if err != nil {
				if e.strict {
					return nil, err
				}
				return "", nil
			}
			if str, ok := result.(string); ok {
				return autoParse(str), nil
			}
			return result, nil
		}
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		result, err := e.eval(s[m[2]:m[3]], ctx)
		if err != nil {
			if e.strict {
				return nil, err
			}
			result = ""
		}
		b.WriteString(stringify(result))
		last = m[1]
	}
	b.WriteString(s[last:])

	return autoParse(b.String()), nil
}

// eval evaluates one expression against the context
func (e *Evaluator) eval(expression string, ctx map[string]interface{}) (interface{}, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return "", nil
	}

	normalized := normalize(expression)

	// Undefined references fail here in both modes; RenderString turns the
	// error into an empty string when the evaluator is not strict.
	if missing := undefinedRoots(normalized, ctx); missing != "" {
		return nil, fmt.Errorf("undefined variable %q in expression %q", missing, expression)
	}
	if dottedPathPattern.MatchString(normalized) && !pathResolves(ctx, normalized) {
		return nil, fmt.Errorf("undefined path %q in expression %q", normalized, expression)
	}

	program, err := e.compile(normalized)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}

	env := make(map[string]interface{}, len(ctx)+2)
	for k, v := range ctx {
		env[k] = v
	}
	env["to_json"] = toJSON
	env["now"] = nowISO

	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	return out, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

// normalize rewrites Jinja spellings into expression-language ones
func normalize(expression string) string {
	// null literal
	expression = rewriteNulls(expression)
	// bare pipe filters become calls: "x | to_json" -> "x | to_json()".
	// Repeat until stable so chained filters each get rewritten.
	for i := 0; i < 10; i++ {
		next := barePipePattern.ReplaceAllString(expression, "$1| $2()$3$4")
		if next == expression {
			break
		}
		expression = next
	}
	return expression
}

// rewriteNulls replaces the bare null literal with nil. Matches are located
// on the literal-stripped text so quoted 'null' strings survive.
func rewriteNulls(expression string) string {
	matches := nullPattern.FindAllStringIndex(stripLiterals(expression), -1)
	if len(matches) == 0 {
		return expression
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(expression[last:m[0]])
		b.WriteString("nil")
		last = m[1]
	}
	b.WriteString(expression[last:])
	return b.String()
}

// pathResolves walks a dotted reference through nested maps. A key that is
// present with a nil value still resolves.
func pathResolves(ctx map[string]interface{}, path string) bool {
	var current interface{} = ctx
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		current, ok = m[segment]
		if !ok {
			return false
		}
	}
	return true
}

// undefinedRoots returns the first root identifier absent from the context
func undefinedRoots(expression string, ctx map[string]interface{}) string {
	// Blank out string literals before scanning identifiers
	stripped := stripLiterals(expression)
	for _, m := range identPattern.FindAllStringSubmatch(stripped, -1) {
		name := m[2]
		if reserved[name] {
			continue
		}
		if _, ok := ctx[name]; !ok {
			return name
		}
	}
	return ""
}

// stripLiterals blanks quoted regions byte for byte, so indexes into the
// result line up with the original text
func stripLiterals(s string) string {
	out := []byte(s)
	var quote byte
	for i, c := range out {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			out[i] = ' '
		case c == '\'' || c == '"':
			quote = c
			out[i] = ' '
		}
	}
	return string(out)
}

// autoParse returns the parsed form of a JSON array or object string
func autoParse(s string) interface{} {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 0 {
		return s
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return s
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return s
	}
	return parsed
}

// stringify renders a resolved value for string interpolation
func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func toJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Truthy applies template truthiness to a rendered value
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "false", "none", "null", "0":
			return false
		}
		return true
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case map[string]interface{}:
		return len(val) > 0
	case []interface{}:
		return len(val) > 0
	default:
		return true
	}
}
