package engine

import (
	"fmt"
	"strings"

	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/engine/condition"
	"github.com/noetl/noetl/engine/template"
)

// Transition is one selected (next_step, with_params, condition) triple
type Transition struct {
	Step      string
	With      map[string]interface{}
	Condition string
}

// TransitionSelector picks which evaluated transitions the engine follows.
// The default takes the first match; alternative selectors (for example a
// recommendation model) can plug in here.
type TransitionSelector interface {
	Select(step string, candidates []Transition) []Transition
}

// FirstMatchSelector follows the first evaluated transition
type FirstMatchSelector struct{}

// Select returns at most the first candidate
func (FirstMatchSelector) Select(step string, candidates []Transition) []Transition {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[:1]
}

// TransitionEvaluator resolves next clauses against the live context.
// Clauses with template markup render through the template evaluator;
// bare expressions evaluate as CEL.
type TransitionEvaluator struct {
	tpl  *template.Evaluator
	cond *condition.Evaluator
}

// NewTransitionEvaluator creates a transition evaluator
func NewTransitionEvaluator(tpl *template.Evaluator, cond *condition.Evaluator) *TransitionEvaluator {
	return &TransitionEvaluator{tpl: tpl, cond: cond}
}

// Evaluate walks the clauses in order and returns every matching transition.
// The result is deterministic for a fixed context.
func (e *TransitionEvaluator) Evaluate(clauses []*models.NextClause, execCtx map[string]interface{}) ([]Transition, error) {
	var out []Transition
	for _, clause := range clauses {
		transitions, err := e.evaluateClause(clause, execCtx, "")
		if err != nil {
			return nil, err
		}
		out = append(out, transitions...)
	}
	return out, nil
}

func (e *TransitionEvaluator) evaluateClause(clause *models.NextClause, execCtx map[string]interface{}, conditionTag string) ([]Transition, error) {
	if clause.When != "" {
		matched, err := e.evaluateWhen(clause.When, execCtx)
		if err != nil {
			return nil, fmt.Errorf("evaluate when %q: %w", clause.When, err)
		}

		branch := clause.Then
		tag := clause.When
		if !matched {
			branch = clause.Else
			tag = "!(" + clause.When + ")"
		}
		var out []Transition
		for _, nested := range branch {
			transitions, err := e.evaluateClause(nested, execCtx, tag)
			if err != nil {
				return nil, err
			}
			out = append(out, transitions...)
		}
		return out, nil
	}

	if clause.Step == "" {
		return nil, fmt.Errorf("next clause has no step")
	}

	var with map[string]interface{}
	if clause.With != nil {
		rendered, err := e.tpl.RenderMap(clause.With, execCtx)
		if err != nil {
			return nil, fmt.Errorf("render with for step %s: %w", clause.Step, err)
		}
		with = rendered
	}

	return []Transition{{
		Step:      clause.Step,
		With:      with,
		Condition: conditionTag,
	}}, nil
}

// evaluateWhen renders templated clauses and falls back to CEL for bare
// expressions
func (e *TransitionEvaluator) evaluateWhen(when string, execCtx map[string]interface{}) (bool, error) {
	if strings.Contains(when, "{{") {
		rendered, err := e.tpl.RenderString(when, execCtx)
		if err != nil {
			return false, err
		}
		return template.Truthy(rendered), nil
	}
	return e.cond.Evaluate(when, execCtx)
}
