package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderString_SingleExpressionKeepsType(t *testing.T) {
	e := New(true)
	ctx := map[string]interface{}{
		"cities": []interface{}{"paris", "oslo"},
		"limits": map[string]interface{}{"max": 30},
		"count":  3,
	}

	out, err := e.RenderString("{{ cities }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"paris", "oslo"}, out)

	out, err = e.RenderString("{{ limits }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"max": 30}, out)

	out, err = e.RenderString("{{ count }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestRenderString_Interpolation(t *testing.T) {
	e := New(true)
	ctx := map[string]interface{}{
		"city": "paris",
		"temp": 21.5,
	}

	out, err := e.RenderString("weather in {{ city }} is {{ temp }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "weather in paris is 21.5", out)
}

func TestRenderString_DottedPath(t *testing.T) {
	e := New(true)
	ctx := map[string]interface{}{
		"fetch": map[string]interface{}{
			"data": map[string]interface{}{"status_code": 200},
		},
	}

	out, err := e.RenderString("{{ fetch.data.status_code }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, out)
}

func TestRenderString_StrictUndefinedFails(t *testing.T) {
	strict := New(true)
	_, err := strict.RenderString("{{ missing }}", map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")

	lenient := New(false)
	out, err := lenient.RenderString("{{ missing }}", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestRenderString_StrictUndefinedNestedPathFails(t *testing.T) {
	ctx := map[string]interface{}{
		"fetch": map[string]interface{}{
			"result": map[string]interface{}{"city": "paris"},
		},
	}

	strict := New(true)
	_, err := strict.RenderString("{{ fetch.result.missing }}", ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch.result.missing")

	lenient := New(false)
	out, err := lenient.RenderString("{{ fetch.result.missing }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestRenderString_NilValueOnDefinedPath(t *testing.T) {
	e := New(true)
	ctx := map[string]interface{}{
		"fetch": map[string]interface{}{"error": nil},
	}

	// A key present with a nil value is defined, not missing
	out, err := e.RenderString("{{ fetch.error }}", ctx)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRenderString_JSONAutoParse(t *testing.T) {
	e := New(true)
	ctx := map[string]interface{}{"raw": `{"city": "oslo"}`}

	out, err := e.RenderString("{{ raw }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"city": "oslo"}, out)
}

func TestRenderString_ToJSONFilter(t *testing.T) {
	e := New(true)
	ctx := map[string]interface{}{
		"items": []interface{}{"a", "b"},
	}

	// Jinja pipe spelling without parentheses
	out, err := e.RenderString("{{ items | to_json }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, out)

	// Logical or must survive the pipe rewrite
	out, err = e.RenderString("{{ flag || fallback }}", map[string]interface{}{
		"flag":     false,
		"fallback": true,
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestRenderString_NullLiteral(t *testing.T) {
	e := New(true)
	out, err := e.RenderString("{{ value == null }}", map[string]interface{}{"value": nil})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	// Quoted null is string content, not the literal
	out, err = e.RenderString("{{ status == 'null' }}", map[string]interface{}{"status": "null"})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.RenderString(`{{ "null" }}`, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "null", out)
}

func TestRender_Structural(t *testing.T) {
	e := New(true)
	ctx := map[string]interface{}{"city": "paris", "n": 2}

	out, err := e.Render(map[string]interface{}{
		"name":  "{{ city }}",
		"count": "{{ n }}",
		"list":  []interface{}{"{{ city }}", "static"},
		"plain": 7,
	}, ctx)
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{
		"name":  "paris",
		"count": 2,
		"list":  []interface{}{"paris", "static"},
		"plain": 7,
	}, out)
}

func TestRender_DoesNotMutateContext(t *testing.T) {
	e := New(true)
	ctx := map[string]interface{}{"city": "paris"}

	_, err := e.RenderString("{{ city }} extended", ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"city": "paris"}, ctx)
}

func TestTruthy(t *testing.T) {
	assert.True(t, Truthy(true))
	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy(1))
	assert.True(t, Truthy([]interface{}{1}))

	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("False"))
	assert.False(t, Truthy("none"))
	assert.False(t, Truthy("0"))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy([]interface{}{}))
	assert.False(t, Truthy(map[string]interface{}{}))
}

func TestRenderString_NoTemplate(t *testing.T) {
	e := New(true)
	out, err := e.RenderString("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}
