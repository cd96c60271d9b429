package auth

import (
	"fmt"
	"strings"

	"github.com/noetl/noetl/common/models"
)

// SecretDDL translates a resolved auth item into a DuckDB CREATE SECRET
// statement. The secret name is derived from the alias so one connection can
// carry several scoped secrets.
func SecretDDL(item *ResolvedAuth) (string, error) {
	if item == nil {
		return "", fmt.Errorf("nil auth item")
	}

	name := secretName(item.Alias)
	var fields []string

	switch item.Service {
	case models.CredentialGCS, models.CredentialGCSHMAC:
		keyID := stringField(item.Payload, "key_id")
		secret := stringField(item.Payload, "secret")
		if keyID == "" || secret == "" {
			return "", fmt.Errorf("gcs credential %s missing key_id or secret", item.Source)
		}
		fields = append(fields,
			"TYPE GCS",
			fmt.Sprintf("KEY_ID %s", quote(keyID)),
			fmt.Sprintf("SECRET %s", quote(secret)),
		)

	case models.CredentialS3:
		keyID := stringField(item.Payload, "key_id")
		secret := stringField(item.Payload, "secret")
		if keyID == "" || secret == "" {
			return "", fmt.Errorf("s3 credential %s missing key_id or secret", item.Source)
		}
		fields = append(fields,
			"TYPE S3",
			fmt.Sprintf("KEY_ID %s", quote(keyID)),
			fmt.Sprintf("SECRET %s", quote(secret)),
		)
		if region := stringField(item.Payload, "region"); region != "" {
			fields = append(fields, fmt.Sprintf("REGION %s", quote(region)))
		}
		if endpoint := stringField(item.Payload, "endpoint"); endpoint != "" {
			fields = append(fields, fmt.Sprintf("ENDPOINT %s", quote(endpoint)))
		}

	case models.CredentialPostgres:
		conn, err := PostgresParams(item)
		if err != nil {
			return "", err
		}
		fields = append(fields,
			"TYPE POSTGRES",
			fmt.Sprintf("HOST %s", quote(conn.Host)),
			fmt.Sprintf("PORT %d", conn.Port),
			fmt.Sprintf("DATABASE %s", quote(conn.Database)),
			fmt.Sprintf("USER %s", quote(conn.User)),
			fmt.Sprintf("PASSWORD %s", quote(conn.Password)),
		)

	case models.CredentialSnowflake:
		account := stringField(item.Payload, "account")
		user := stringField(item.Payload, "user")
		password := stringField(item.Payload, "password")
		if account == "" || user == "" {
			return "", fmt.Errorf("snowflake credential %s missing account or user", item.Source)
		}
		fields = append(fields,
			"TYPE SNOWFLAKE",
			fmt.Sprintf("ACCOUNT %s", quote(account)),
			fmt.Sprintf("USER %s", quote(user)),
			fmt.Sprintf("PASSWORD %s", quote(password)),
		)
		if database := stringField(item.Payload, "database"); database != "" {
			fields = append(fields, fmt.Sprintf("DATABASE %s", quote(database)))
		}
		if warehouse := stringField(item.Payload, "warehouse"); warehouse != "" {
			fields = append(fields, fmt.Sprintf("WAREHOUSE %s", quote(warehouse)))
		}

	default:
		return "", fmt.Errorf("credential type %s cannot produce a DuckDB secret", item.Service)
	}

	if item.Scope != "" {
		fields = append(fields, fmt.Sprintf("SCOPE %s", quote(item.Scope)))
	}

	return fmt.Sprintf("CREATE OR REPLACE SECRET %s (%s)", name, strings.Join(fields, ", ")), nil
}

// Extensions lists the DuckDB extensions the resolved items require
func Extensions(items map[string]*ResolvedAuth) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(ext string) {
		if !seen[ext] {
			seen[ext] = true
			out = append(out, ext)
		}
	}
	for _, item := range items {
		switch item.Service {
		case models.CredentialGCS, models.CredentialGCSHMAC, models.CredentialS3:
			add("httpfs")
		case models.CredentialPostgres:
			add("postgres")
		case models.CredentialSnowflake:
			add("snowflake")
		}
	}
	return out
}

func secretName(alias string) string {
	if alias == "" || alias == DefaultAlias {
		return "noetl_secret"
	}
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, alias)
	return "noetl_" + cleaned
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
