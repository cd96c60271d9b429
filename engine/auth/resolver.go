// Package auth maps symbolic auth references in tasks to concrete secret
// payloads, and translates them into per-service connection parameters.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/repository"
	"github.com/noetl/noetl/engine/template"
	"github.com/zalando/go-keyring"
)

// Mode distinguishes the two auth object shapes
type Mode string

const (
	// ModeSingle is a mapping identifying one credential
	ModeSingle Mode = "single"
	// ModeMap is a mapping of alias to single-mode objects
	ModeMap Mode = "map"
)

// DefaultAlias names the implicit item of a single-mode resolution
const DefaultAlias = "default"

// directiveKeys are single-mode fields that select a credential rather than
// override its payload
var directiveKeys = map[string]bool{
	"type": true, "key": true, "env": true, "secret": true, "scope": true,
}

// ResolvedAuth is one concrete credential ready for plugin use
type ResolvedAuth struct {
	Alias   string                 `json:"alias"`
	Service string                 `json:"service"`
	Source  string                 `json:"source,omitempty"`
	Scope   string                 `json:"scope,omitempty"`
	Payload map[string]interface{} `json:"payload"`
}

// Resolution is the output of resolving one auth reference
type Resolution struct {
	Mode  Mode
	Items map[string]*ResolvedAuth
}

// Single returns the sole item of a single-mode resolution
func (r *Resolution) Single() *ResolvedAuth {
	if r == nil {
		return nil
	}
	if item, ok := r.Items[DefaultAlias]; ok {
		return item
	}
	for _, item := range r.Items {
		return item
	}
	return nil
}

// Resolver resolves auth references against the credential store, with a
// keychain fallback addressed by catalog id
type Resolver struct {
	creds     repository.CredentialStore
	tpl       *template.Evaluator
	catalogID string
	log       *logger.Logger
}

// NewResolver creates an auth resolver
func NewResolver(creds repository.CredentialStore, tpl *template.Evaluator, catalogID string, log *logger.Logger) *Resolver {
	return &Resolver{
		creds:     creds,
		tpl:       tpl,
		catalogID: catalogID,
		log:       log,
	}
}

// Resolve expands an auth reference. A string resolves the credential by
// name; a mapping is either a single-mode object or an alias map of them.
// Credentials are fetched at most once per call.
func (r *Resolver) Resolve(ctx context.Context, spec interface{}, execCtx map[string]interface{}) (*Resolution, error) {
	if spec == nil {
		return nil, fmt.Errorf("nil auth reference")
	}

	fetched := make(map[string]*models.Credential)

	switch v := spec.(type) {
	case string:
		rendered, err := r.renderString(v, execCtx)
		if err != nil {
			return nil, err
		}
		item, err := r.resolveKey(ctx, rendered, fetched)
		if err != nil {
			return nil, err
		}
		item.Alias = DefaultAlias
		return &Resolution{
			Mode:  ModeSingle,
			Items: map[string]*ResolvedAuth{DefaultAlias: item},
		}, nil

	case map[string]interface{}:
		if isAliasMap(v) {
			items := make(map[string]*ResolvedAuth, len(v))
			for alias, entry := range v {
				entryMap, ok := entry.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("auth alias %s: expected mapping, got %T", alias, entry)
				}
				item, err := r.resolveSingle(ctx, entryMap, execCtx, fetched)
				if err != nil {
					return nil, fmt.Errorf("auth alias %s: %w", alias, err)
				}
				item.Alias = alias
				items[alias] = item
			}
			return &Resolution{Mode: ModeMap, Items: items}, nil
		}

		item, err := r.resolveSingle(ctx, v, execCtx, fetched)
		if err != nil {
			return nil, err
		}
		item.Alias = DefaultAlias
		return &Resolution{
			Mode:  ModeSingle,
			Items: map[string]*ResolvedAuth{DefaultAlias: item},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported auth reference type %T", spec)
	}
}

// resolveSingle expands one single-mode auth object
func (r *Resolver) resolveSingle(ctx context.Context, entry map[string]interface{}, execCtx map[string]interface{}, fetched map[string]*models.Credential) (*ResolvedAuth, error) {
	rendered, err := r.tpl.RenderMap(entry, execCtx)
	if err != nil {
		return nil, fmt.Errorf("render auth entry: %w", err)
	}

	item := &ResolvedAuth{Payload: make(map[string]interface{})}

	if key := stringField(rendered, "key"); key != "" {
		base, err := r.resolveKey(ctx, key, fetched)
		if err != nil {
			return nil, err
		}
		item.Service = base.Service
		item.Source = base.Source
		for k, v := range base.Payload {
			item.Payload[k] = v
		}
	}

	if secret := stringField(rendered, "secret"); secret != "" {
		payload, err := r.keychainLookup(secret)
		if err != nil {
			return nil, err
		}
		for k, v := range payload {
			item.Payload[k] = v
		}
	}

	if envName := stringField(rendered, "env"); envName != "" {
		value := os.Getenv(envName)
		if value == "" {
			return nil, fmt.Errorf("auth env variable %s is not set", envName)
		}
		item.Payload["token"] = value
	}

	if t := stringField(rendered, "type"); t != "" {
		item.Service = t
	}
	item.Scope = stringField(rendered, "scope")

	// Inline fields override the fetched payload
	for k, v := range rendered {
		if directiveKeys[k] {
			continue
		}
		item.Payload[k] = v
	}

	if item.Service == "" {
		return nil, fmt.Errorf("auth entry has no type and no key to derive one from")
	}
	return item, nil
}

// resolveKey fetches a credential by name, trying the store first and the
// keychain second
func (r *Resolver) resolveKey(ctx context.Context, name string, fetched map[string]*models.Credential) (*ResolvedAuth, error) {
	cred, ok := fetched[name]
	if !ok {
		var err error
		cred, err = r.creds.Get(ctx, name)
		if err != nil {
			payload, kerr := r.keychainLookup(name)
			if kerr != nil {
				return nil, fmt.Errorf("resolve credential %s: %w", name, err)
			}
			r.log.Debug("credential resolved from keychain", "name", name)
			cred = &models.Credential{Name: name, Type: stringField(payload, "type"), Data: payload}
		}
		fetched[name] = cred
	}

	payload := make(map[string]interface{}, len(cred.Data))
	for k, v := range cred.Data {
		payload[k] = v
	}
	return &ResolvedAuth{
		Service: cred.Type,
		Source:  cred.Name,
		Payload: payload,
	}, nil
}

// keychainLookup reads a JSON payload from the OS keychain, addressed by
// catalog id
func (r *Resolver) keychainLookup(name string) (map[string]interface{}, error) {
	service := fmt.Sprintf("noetl-%s", r.catalogID)
	raw, err := keyring.Get(service, name)
	if err != nil {
		return nil, fmt.Errorf("keychain lookup %s/%s: %w", service, name, err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode keychain payload %s: %w", name, err)
	}
	return payload, nil
}

func (r *Resolver) renderString(s string, execCtx map[string]interface{}) (string, error) {
	rendered, err := r.tpl.RenderString(s, execCtx)
	if err != nil {
		return "", fmt.Errorf("render auth reference: %w", err)
	}
	out, ok := rendered.(string)
	if !ok {
		return "", fmt.Errorf("auth reference rendered to %T, expected string", rendered)
	}
	return out, nil
}

// isAliasMap reports whether every value is itself a mapping and no
// single-mode directive appears at the top level
func isAliasMap(m map[string]interface{}) bool {
	if len(m) == 0 {
		return false
	}
	for k, v := range m {
		if directiveKeys[k] {
			return false
		}
		if _, ok := v.(map[string]interface{}); !ok {
			return false
		}
	}
	return true
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}
