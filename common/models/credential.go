package models

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential handler types
const (
	CredentialPostgres  = "postgres"
	CredentialGCS       = "gcs"
	CredentialGCSHMAC   = "gcs_hmac"
	CredentialS3        = "s3"
	CredentialSnowflake = "snowflake"
	CredentialBearer    = "bearer"
	CredentialBasic     = "basic"
	CredentialAPIKey    = "api_key"
)

// Credential is a named bundle of connection secrets
type Credential struct {
	Name        string                 `yaml:"name" json:"name"`
	Type        string                 `yaml:"type" json:"type"`
	Data        map[string]interface{} `yaml:"data" json:"data"`
	Meta        map[string]interface{} `yaml:"meta,omitempty" json:"meta,omitempty"`
	Tags        []string               `yaml:"tags,omitempty" json:"tags,omitempty"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	CreatedAt   time.Time              `yaml:"-" json:"created_at,omitempty"`
	UpdatedAt   time.Time              `yaml:"-" json:"updated_at,omitempty"`
}

// credentialFile is the YAML document shape (apiVersion/kind wrapper)
type credentialFile struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Credential `yaml:",inline"`
}

// ParseCredential parses a credential document from YAML
func ParseCredential(content []byte) (*Credential, error) {
	var file credentialFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	if file.Kind != "" && file.Kind != "Secret" && file.Kind != "Credential" {
		return nil, fmt.Errorf("unexpected kind %q for credential document", file.Kind)
	}
	cred := file.Credential
	if cred.Name == "" {
		return nil, fmt.Errorf("credential missing name")
	}
	if cred.Type == "" {
		return nil, fmt.Errorf("credential %s missing type", cred.Name)
	}
	return &cred, nil
}

// Field returns a string field from the credential data
func (c *Credential) Field(key string) string {
	if c.Data == nil {
		return ""
	}
	if v, ok := c.Data[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// Redacted returns a copy with the data payload removed, for list endpoints
func (c *Credential) Redacted() *Credential {
	out := *c
	out.Data = nil
	return &out
}
