package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/noetl/noetl/common/models"
)

// HTTPPlugin performs one HTTP request. GET and DELETE send data as query
// parameters; POST, PUT and PATCH send it as a JSON body unless the
// Content-Type header selects a form encoding.
type HTTPPlugin struct {
	rt     *Runtime
	client *http.Client
	mock   *mockTransport
}

// NewHTTPPlugin creates the http tool
func NewHTTPPlugin(rt *Runtime) *HTTPPlugin {
	return &HTTPPlugin{
		rt:     rt,
		client: &http.Client{Timeout: rt.Config.HTTP.Timeout},
		mock:   newMockTransport(),
	}
}

// Execute runs the request and returns {data, status_code, headers}
func (p *HTTPPlugin) Execute(ctx context.Context, task *models.Task, execCtx map[string]interface{}, with map[string]interface{}, emit Emitter) *Result {
	renderCtx := mergedContext(execCtx, with)

	endpoint, err := p.renderString(task.Endpoint, renderCtx)
	if err != nil {
		return errorResult(fmt.Errorf("render endpoint: %w", err))
	}
	if endpoint == "" {
		return errorResult(fmt.Errorf("http task %s has no endpoint", task.Name))
	}

	method := strings.ToUpper(task.Method)
	if method == "" {
		method = http.MethodGet
	}

	headers, err := p.buildHeaders(ctx, task, renderCtx)
	if err != nil {
		return errorResult(err)
	}

	query, body, err := p.splitData(task, renderCtx)
	if err != nil {
		return errorResult(err)
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return errorResult(fmt.Errorf("parse endpoint %s: %w", endpoint, err))
	}

	if p.useMock(parsed) {
		p.rt.Log.Debug("http mock mode", "endpoint", endpoint)
		return p.mock.respond(method, parsed, query, body)
	}

	resp, err := p.send(ctx, method, parsed, headers, query, body)
	if err != nil {
		if p.rt.Config.HTTP.MockOnError {
			p.rt.Log.Warn("http request failed, falling back to mock",
				"endpoint", endpoint, "error", err)
			return p.mock.respond(method, parsed, query, body)
		}
		return errorResult(err)
	}
	return resp
}

func (p *HTTPPlugin) send(ctx context.Context, method string, endpoint *url.URL, headers map[string]string, query map[string]interface{}, body interface{}) (*Result, error) {
	if len(query) > 0 {
		values := endpoint.Query()
		for k, v := range query {
			values.Set(k, fmt.Sprintf("%v", v))
		}
		endpoint.RawQuery = values.Encode()
	}

	var reqBody io.Reader
	contentType := headers["Content-Type"]
	if body != nil {
		switch {
		case strings.Contains(contentType, "application/x-www-form-urlencoded"):
			form := url.Values{}
			if m, ok := body.(map[string]interface{}); ok {
				for k, v := range m {
					form.Set(k, fmt.Sprintf("%v", v))
				}
			}
			reqBody = strings.NewReader(form.Encode())
		default:
			encoded, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			reqBody = bytes.NewReader(encoded)
			if contentType == "" {
				headers["Content-Type"] = "application/json"
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var data interface{} = string(raw)
	var parsed interface{}
	if json.Unmarshal(raw, &parsed) == nil {
		data = parsed
	}

	respHeaders := make(map[string]interface{}, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	payload := map[string]interface{}{
		"data":        data,
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result := errorResult(fmt.Errorf("http %s %s returned %d", method, endpoint, resp.StatusCode))
		result.Data = payload
		return result, nil
	}
	return successResult(payload), nil
}

// buildHeaders renders declared headers and merges resolver-produced auth
// headers under them
func (p *HTTPPlugin) buildHeaders(ctx context.Context, task *models.Task, renderCtx map[string]interface{}) (map[string]string, error) {
	headers := make(map[string]string)

	if task.Auth != nil {
		resolution, err := p.rt.Auth.Resolve(ctx, task.Auth, renderCtx)
		if err != nil {
			return nil, fmt.Errorf("resolve http auth: %w", err)
		}
		authHeaders, err := authHTTPHeaders(resolution)
		if err != nil {
			return nil, err
		}
		for k, v := range authHeaders {
			headers[k] = v
		}
	}

	if task.Headers != nil {
		rendered, err := p.rt.Template.RenderMap(task.Headers, renderCtx)
		if err != nil {
			return nil, fmt.Errorf("render headers: %w", err)
		}
		for k, v := range rendered {
			headers[k] = fmt.Sprintf("%v", v)
		}
	}

	return headers, nil
}

// splitData routes the unified data block into query and body halves
func (p *HTTPPlugin) splitData(task *models.Task, renderCtx map[string]interface{}) (map[string]interface{}, interface{}, error) {
	if task.Data == nil {
		return nil, nil, nil
	}

	rendered, err := p.rt.Template.Render(task.Data, renderCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("render data: %w", err)
	}

	if m, ok := rendered.(map[string]interface{}); ok {
		query, hasQuery := m["query"].(map[string]interface{})
		body, hasBody := m["body"]
		if hasQuery || hasBody {
			return query, body, nil
		}
	}

	method := strings.ToUpper(task.Method)
	if method == "" || method == http.MethodGet || method == http.MethodDelete {
		query, ok := rendered.(map[string]interface{})
		if !ok {
			return nil, nil, fmt.Errorf("query data must be a mapping, got %T", rendered)
		}
		return query, nil, nil
	}
	return nil, rendered, nil
}

func (p *HTTPPlugin) useMock(endpoint *url.URL) bool {
	return p.rt.Config.HTTP.MockLocal && strings.HasSuffix(endpoint.Hostname(), ".local")
}

func (p *HTTPPlugin) renderString(s string, renderCtx map[string]interface{}) (string, error) {
	rendered, err := p.rt.Template.RenderString(s, renderCtx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", rendered), nil
}
