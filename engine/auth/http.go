package auth

import (
	"encoding/base64"
	"fmt"

	"github.com/noetl/noetl/common/models"
)

// HTTPHeaders builds request headers from a resolved auth item. Bearer and
// basic schemes fill Authorization; api_key uses the configured header name.
func HTTPHeaders(item *ResolvedAuth) (map[string]string, error) {
	if item == nil {
		return nil, fmt.Errorf("nil auth item")
	}

	headers := make(map[string]string)
	switch item.Service {
	case models.CredentialBearer:
		token := stringField(item.Payload, "token")
		if token == "" {
			return nil, fmt.Errorf("bearer credential %s missing token", item.Source)
		}
		headers["Authorization"] = "Bearer " + token

	case models.CredentialBasic:
		user := stringField(item.Payload, "user")
		password := stringField(item.Payload, "password")
		if user == "" {
			return nil, fmt.Errorf("basic credential %s missing user", item.Source)
		}
		raw := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
		headers["Authorization"] = "Basic " + raw

	case models.CredentialAPIKey:
		key := stringField(item.Payload, "key")
		if key == "" {
			key = stringField(item.Payload, "token")
		}
		if key == "" {
			return nil, fmt.Errorf("api_key credential %s missing key", item.Source)
		}
		header := stringField(item.Payload, "header")
		if header == "" {
			header = "X-API-Key"
		}
		headers[header] = key

	default:
		return nil, fmt.Errorf("credential type %s cannot produce HTTP headers", item.Service)
	}

	return headers, nil
}
