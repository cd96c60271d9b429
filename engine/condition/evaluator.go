// Package condition evaluates bare when-clauses with CEL. Clauses carrying
// {{ ... }} markup go through the template evaluator instead; CEL covers the
// plain-expression form ("fetch.status == 'success'").
package condition

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

var rootIdentPattern = regexp.MustCompile(`(^|[^.\w])([a-zA-Z_][a-zA-Z0-9_]*)`)

// celReserved are CEL keywords and builtins, never declared as variables
var celReserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true,
	"has": true, "size": true, "exists": true, "exists_one": true,
	"all": true, "matches": true, "map": true, "filter": true,
	"startsWith": true, "endsWith": true, "contains": true,
	"int": true, "uint": true, "double": true, "string": true,
	"bytes": true, "bool": true, "type": true, "dyn": true,
	"duration": true, "timestamp": true, "ctx": true,
}

type compiled struct {
	prg   cel.Program
	roots []string
}

// Evaluator evaluates conditions using CEL (Common Expression Language)
type Evaluator struct {
	cache map[string]*compiled
	mu    sync.RWMutex
}

// NewEvaluator creates a new condition evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*compiled),
	}
}

// Evaluate evaluates a CEL expression against the execution context. Context
// keys are addressable both bare ("fetch.status") and through the ctx root
// ("ctx.fetch.status" or the JSONPath spelling "$.fetch.status").
func (e *Evaluator) Evaluate(expr string, context map[string]interface{}) (bool, error) {
	// JSONPath-style $.field reads from the context root
	normalizedExpr := strings.ReplaceAll(expr, "$.", "ctx.")

	// Check cache first
	e.mu.RLock()
	c, exists := e.cache[normalizedExpr]
	e.mu.RUnlock()

	if !exists {
		// Compile and cache
		var err error
		c, err = e.compileCEL(normalizedExpr)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.cache[normalizedExpr] = c
		e.mu.Unlock()
	}

	activation := map[string]interface{}{
		"ctx": context,
	}
	for _, root := range c.roots {
		activation[root] = context[root]
	}

	out, _, err := c.prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}

	return result, nil
}

// compileCEL compiles a CEL expression, declaring every root identifier the
// expression references as a dynamic variable
func (e *Evaluator) compileCEL(expr string) (*compiled, error) {
	roots := rootIdents(expr)

	opts := []cel.EnvOption{
		cel.Variable("ctx", cel.DynType),
	}
	for _, root := range roots {
		opts = append(opts, cel.Variable(root, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &compiled{prg: prg, roots: roots}, nil
}

// rootIdents extracts root identifiers, skipping string literals and keywords
func rootIdents(expr string) []string {
	stripped := stripLiterals(expr)
	seen := make(map[string]bool)
	var roots []string
	for _, m := range rootIdentPattern.FindAllStringSubmatch(stripped, -1) {
		name := m[2]
		if celReserved[name] || seen[name] {
			continue
		}
		seen[name] = true
		roots = append(roots, name)
	}
	return roots
}

func stripLiterals(s string) string {
	out := []rune(s)
	var quote rune
	for i, r := range out {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			out[i] = ' '
		case r == '\'' || r == '"':
			quote = r
			out[i] = ' '
		}
	}
	return string(out)
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*compiled)
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
