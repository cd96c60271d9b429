package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/noetl/noetl/common/models"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// CodePlugin runs a base64-encoded snippet in an embedded interpreter. The
// snippet must define a main function; its signature selects the dispatch:
// main(), main(args map[string]interface{}), with an optional value and
// error returned.
type CodePlugin struct {
	rt *Runtime
}

// NewCodePlugin creates the in-process code tool
func NewCodePlugin(rt *Runtime) *CodePlugin {
	return &CodePlugin{rt: rt}
}

// Execute evaluates the snippet and calls its main function with the
// rendered args
func (p *CodePlugin) Execute(ctx context.Context, task *models.Task, execCtx map[string]interface{}, with map[string]interface{}, emit Emitter) *Result {
	renderCtx := mergedContext(execCtx, with)

	if task.Code == "" {
		return errorResult(fmt.Errorf("code task %s has no body", task.Name))
	}
	source := decodeBase64(task.Code)

	args, err := p.renderArgs(task, renderCtx)
	if err != nil {
		return errorResult(err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return errorResult(fmt.Errorf("load interpreter symbols: %w", err))
	}

	if _, err := i.Eval(source); err != nil {
		return errorResult(fmt.Errorf("evaluate code body: %w", err))
	}

	mainFn, err := i.Eval("main")
	if err != nil {
		return errorResult(fmt.Errorf("code body must define main: %w", err))
	}
	if mainFn.Kind() != reflect.Func {
		return errorResult(fmt.Errorf("main is %s, expected a function", mainFn.Kind()))
	}

	out, err := callMain(mainFn, args)
	if err != nil {
		return errorResult(err)
	}
	return successResult(out)
}

// renderArgs renders the args mapping and coerces literal-looking strings
func (p *CodePlugin) renderArgs(task *models.Task, renderCtx map[string]interface{}) (map[string]interface{}, error) {
	rendered, err := p.rt.Template.RenderMap(task.Args, renderCtx)
	if err != nil {
		return nil, fmt.Errorf("render args: %w", err)
	}
	if rendered == nil {
		rendered = map[string]interface{}{}
	}
	for k, v := range rendered {
		if s, ok := v.(string); ok {
			rendered[k] = coerceLiteral(s)
		}
	}
	return rendered, nil
}

// callMain dispatches on the signature of main
func callMain(fn reflect.Value, args map[string]interface{}) (out interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("code body panic: %v", rec)
		}
	}()

	t := fn.Type()
	var in []reflect.Value
	switch t.NumIn() {
	case 0:
	case 1:
		argType := t.In(0)
		argValue := reflect.ValueOf(args)
		if !argValue.Type().AssignableTo(argType) {
			return nil, fmt.Errorf("main parameter is %s, expected map[string]interface{}", argType)
		}
		in = append(in, argValue)
	default:
		return nil, fmt.Errorf("main takes %d parameters, expected 0 or 1", t.NumIn())
	}

	results := fn.Call(in)
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return unwrapResult(results[0])
	case 2:
		if errVal := results[1]; !errVal.IsNil() {
			if e, ok := errVal.Interface().(error); ok {
				return nil, e
			}
			return nil, fmt.Errorf("%v", errVal.Interface())
		}
		return unwrapResult(results[0])
	default:
		return nil, fmt.Errorf("main returns %d values, expected at most 2", len(results))
	}
}

func unwrapResult(v reflect.Value) (interface{}, error) {
	if !v.IsValid() {
		return nil, nil
	}
	if e, ok := v.Interface().(error); ok {
		return nil, e
	}
	return v.Interface(), nil
}

// coerceLiteral parses unambiguous JSON literals out of string args so
// numbers and structures survive template stringification
func coerceLiteral(s string) interface{} {
	var parsed interface{}
	if err := json.Unmarshal([]byte(s), &parsed); err == nil {
		switch parsed.(type) {
		case float64, bool, map[string]interface{}, []interface{}:
			return parsed
		}
	}
	return s
}
