package plugin

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/noetl/noetl/engine/auth"
)

// mockTransport answers requests to .local hosts with deterministic canned
// payloads so playbooks stay testable without live endpoints.
type mockTransport struct {
	routes []mockRoute
}

type mockRoute struct {
	fragment string
	payload  func(query map[string]interface{}) interface{}
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		routes: []mockRoute{
			{
				fragment: "forecast",
				payload: func(query map[string]interface{}) interface{} {
					city := "unknown"
					if q, ok := query["q"]; ok {
						city = fmt.Sprintf("%v", q)
					}
					return map[string]interface{}{
						"city":     city,
						"max_temp": 30,
						"min_temp": 18,
						"units":    "celsius",
					}
				},
			},
			{
				fragment: "users",
				payload: func(query map[string]interface{}) interface{} {
					return map[string]interface{}{
						"users": []interface{}{
							map[string]interface{}{"id": 1, "name": "alice"},
							map[string]interface{}{"id": 2, "name": "bob"},
						},
					}
				},
			},
			{
				fragment: "health",
				payload: func(query map[string]interface{}) interface{} {
					return map[string]interface{}{"status": "ok"}
				},
			},
		},
	}
}

// respond builds a successful canned response for the request
func (m *mockTransport) respond(method string, endpoint *url.URL, query map[string]interface{}, body interface{}) *Result {
	merged := make(map[string]interface{})
	for k, v := range endpoint.Query() {
		if len(v) > 0 {
			merged[k] = v[0]
		}
	}
	for k, v := range query {
		merged[k] = v
	}

	var data interface{}
	for _, route := range m.routes {
		if strings.Contains(endpoint.Path, route.fragment) {
			data = route.payload(merged)
			break
		}
	}
	if data == nil {
		// Default: echo the request so templates downstream stay renderable
		data = map[string]interface{}{
			"mock":   true,
			"method": method,
			"path":   endpoint.Path,
			"query":  merged,
			"body":   body,
		}
	}

	return successResult(map[string]interface{}{
		"data":        data,
		"status_code": 200,
		"headers": map[string]interface{}{
			"Content-Type": "application/json",
			"X-Mock":       "true",
		},
	})
}

// authHTTPHeaders flattens a resolution into request headers
func authHTTPHeaders(resolution *auth.Resolution) (map[string]string, error) {
	headers := make(map[string]string)
	for alias, item := range resolution.Items {
		itemHeaders, err := auth.HTTPHeaders(item)
		if err != nil {
			return nil, fmt.Errorf("auth alias %s: %w", alias, err)
		}
		for k, v := range itemHeaders {
			headers[k] = v
		}
	}
	return headers, nil
}
