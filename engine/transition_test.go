package engine

import (
	"testing"

	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/engine/condition"
	"github.com/noetl/noetl/engine/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransitionEvaluator() *TransitionEvaluator {
	return NewTransitionEvaluator(template.New(true), condition.NewEvaluator())
}

func TestEvaluate_PlainSteps(t *testing.T) {
	e := newTransitionEvaluator()

	out, err := e.Evaluate([]*models.NextClause{
		{Step: "save"},
		{Step: "notify"},
	}, map[string]interface{}{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "save", out[0].Step)
	assert.Equal(t, "notify", out[1].Step)
	assert.Empty(t, out[0].Condition)
}

func TestEvaluate_TemplatedWhenPicksThenBranch(t *testing.T) {
	e := newTransitionEvaluator()
	ctx := map[string]interface{}{
		"fetch": map[string]interface{}{"status": "success"},
	}

	clause := &models.NextClause{
		When: "{{ fetch.status == 'success' }}",
		Then: []*models.NextClause{{Step: "save"}},
		Else: []*models.NextClause{{Step: "end"}},
	}

	out, err := e.Evaluate([]*models.NextClause{clause}, ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "save", out[0].Step)
	assert.Equal(t, clause.When, out[0].Condition)
}

func TestEvaluate_WhenFalsePicksElseBranch(t *testing.T) {
	e := newTransitionEvaluator()
	ctx := map[string]interface{}{
		"fetch": map[string]interface{}{"status": "error"},
	}

	clause := &models.NextClause{
		When: "{{ fetch.status == 'success' }}",
		Then: []*models.NextClause{{Step: "save"}},
		Else: []*models.NextClause{{Step: "end"}},
	}

	out, err := e.Evaluate([]*models.NextClause{clause}, ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "end", out[0].Step)
	assert.Equal(t, "!("+clause.When+")", out[0].Condition)
}

func TestEvaluate_BareExpressionUsesCEL(t *testing.T) {
	e := newTransitionEvaluator()
	ctx := map[string]interface{}{
		"count": int64(5),
	}

	out, err := e.Evaluate([]*models.NextClause{{
		When: "count > 2",
		Then: []*models.NextClause{{Step: "many"}},
		Else: []*models.NextClause{{Step: "few"}},
	}}, ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "many", out[0].Step)
}

func TestEvaluate_RendersWithParams(t *testing.T) {
	e := newTransitionEvaluator()
	ctx := map[string]interface{}{"city": "paris"}

	out, err := e.Evaluate([]*models.NextClause{{
		Step: "save",
		With: map[string]interface{}{"target": "{{ city }}", "static": "x"},
	}}, ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "paris", out[0].With["target"])
	assert.Equal(t, "x", out[0].With["static"])
}

func TestEvaluate_NestedConditions(t *testing.T) {
	e := newTransitionEvaluator()
	ctx := map[string]interface{}{
		"fetch": map[string]interface{}{"status": "success"},
		"count": int64(0),
	}

	out, err := e.Evaluate([]*models.NextClause{{
		When: "{{ fetch.status == 'success' }}",
		Then: []*models.NextClause{{
			When: "count > 0",
			Then: []*models.NextClause{{Step: "report"}},
			Else: []*models.NextClause{{Step: "skip"}},
		}},
	}}, ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "skip", out[0].Step)
	// The innermost decided condition wins the tag
	assert.Equal(t, "!(count > 0)", out[0].Condition)
}

func TestEvaluate_ClauseWithoutStepFails(t *testing.T) {
	e := newTransitionEvaluator()

	_, err := e.Evaluate([]*models.NextClause{{}}, map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no step")
}

func TestFirstMatchSelector(t *testing.T) {
	s := FirstMatchSelector{}

	assert.Nil(t, s.Select("step", nil))

	out := s.Select("step", []Transition{{Step: "a"}, {Step: "b"}})
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Step)
}
